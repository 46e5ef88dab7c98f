// Package registry persists deployments to a single versioned YAML document
// and allocates addresses from a fixed pool. It is the durable source of
// truth the daemon rebuilds its in-memory listener state from on restart.
package registry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("deployment not found")
	ErrAlreadyExists = errors.New("deployment already exists")
	ErrPoolExhausted = errors.New("address pool exhausted")
	ErrRootfsMissing = errors.New("deployment rootfs missing on disk")
)

// Deployment is a single published function: its name, the address/port it
// listens on, the extracted rootfs it runs from, and the command to exec
// inside the container.
type Deployment struct {
	Name       string    `yaml:"name"`
	Address    string    `yaml:"address"`
	Port       int       `yaml:"port"`
	RootfsPath string    `yaml:"rootfs_path"`
	Command    []string  `yaml:"command"`
	CreatedAt  time.Time `yaml:"created_at"`
	Degraded   bool      `yaml:"degraded,omitempty"`
}

// document is the on-disk shape: a schema version plus the deployment map,
// so future format changes can be detected on load.
type document struct {
	Version     int                   `yaml:"version"`
	Deployments map[string]Deployment `yaml:"deployments"`
}

const currentVersion = 1

// FunctionPort is the conventional port the daemon's listener binds on every
// deployment's address. It is a single constant, not per-deployment configuration,
// matching the reference control plane's fixed listen port.
const FunctionPort = 80

// Registry is the single writer for the deployment document. All mutating
// methods take the same lock; readers take it too since the underlying map
// is not otherwise safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	path     string
	poolBase net.IP
	poolLen  int
	start    int
	end      int
	doc      document
}

// Options configures the address pool a Registry allocates from.
type Options struct {
	CIDR      string
	StartHost int
	EndHost   int
}

// Open loads path if it exists, or initializes an empty document at
// currentVersion if it does not. It returns ErrRootfsMissing wrapped with
// the offending deployment name if any persisted record's rootfs no longer
// exists on disk — a corrupt or tampered-with data directory is rejected
// outright rather than silently pruned.
func Open(path string, opts Options) (*Registry, error) {
	_, poolNet, err := net.ParseCIDR(opts.CIDR)
	if err != nil {
		return nil, fmt.Errorf("parse address pool cidr %q: %w", opts.CIDR, err)
	}

	r := &Registry{
		path:     path,
		poolBase: poolNet.IP.Mask(poolNet.Mask),
		start:    opts.StartHost,
		end:      opts.EndHost,
		doc:      document{Version: currentVersion, Deployments: map[string]Deployment{}},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if doc.Deployments == nil {
		doc.Deployments = map[string]Deployment{}
	}
	for name, d := range doc.Deployments {
		if _, err := os.Stat(d.RootfsPath); err != nil {
			return nil, fmt.Errorf("%w: %s (%s)", ErrRootfsMissing, name, d.RootfsPath)
		}
	}
	r.doc = doc

	return r, nil
}

// Create allocates an address from the pool, records a new deployment, and
// persists the document before returning. rootfsPath must already point at
// a materialized, extracted image (daemon.Publish runs the Image Extractor
// first).
func (r *Registry) Create(name, rootfsPath string, command []string) (Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.doc.Deployments[name]; exists {
		return Deployment{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	addr, err := r.allocateLocked()
	if err != nil {
		return Deployment{}, err
	}

	d := Deployment{
		Name:       name,
		Address:    addr,
		Port:       FunctionPort,
		RootfsPath: rootfsPath,
		Command:    command,
		CreatedAt:  time.Now().UTC(),
	}
	r.doc.Deployments[name] = d

	if err := r.saveLocked(); err != nil {
		delete(r.doc.Deployments, name)
		return Deployment{}, err
	}

	return d, nil
}

// Lookup returns the deployment registered under name.
func (r *Registry) Lookup(name string) (Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doc.Deployments[name]
	if !ok {
		return Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// List returns every deployment, in no particular order.
func (r *Registry) List() []Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Deployment, 0, len(r.doc.Deployments))
	for _, d := range r.doc.Deployments {
		out = append(out, d)
	}
	return out
}

// Remove deletes a deployment record, used internally to roll back a
// publish whose subsequent address-binding or listener step failed. There
// is no corresponding external API operation (deployment deletion is out
// of scope for the Control API).
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doc.Deployments[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.doc.Deployments, name)
	return r.saveLocked()
}

// MarkDegraded flags a deployment as degraded (e.g. its listener failed to
// rebind on startup) without removing it from the registry.
func (r *Registry) MarkDegraded(name string, degraded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.doc.Deployments[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d.Degraded = degraded
	r.doc.Deployments[name] = d
	return r.saveLocked()
}

// allocateLocked scans the configured host range for the first address not
// already assigned to a deployment. Callers must hold mu.
func (r *Registry) allocateLocked() (string, error) {
	used := make(map[string]bool, len(r.doc.Deployments))
	for _, d := range r.doc.Deployments {
		used[d.Address] = true
	}

	for host := r.start; host <= r.end; host++ {
		ip := make(net.IP, len(r.poolBase))
		copy(ip, r.poolBase)
		ip[len(ip)-1] = byte(host)
		addr := ip.String()
		if !used[addr] {
			return addr, nil
		}
	}
	return "", ErrPoolExhausted
}

// saveLocked writes the document to a temp file in the same directory and
// renames it into place, so a crash mid-write never leaves a truncated
// registry. Callers must hold mu.
func (r *Registry) saveLocked() error {
	data, err := yaml.Marshal(r.doc)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("rename registry into place: %w", err)
	}
	return nil
}
