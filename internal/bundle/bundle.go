// Package bundle assembles the on-disk OCI bundle (config.json plus the
// working directory runc runs from) for a single request-scoped container.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/p-arndt/faasd/internal/ocitmpl"
	"github.com/p-arndt/faasd/protocol"
)

// Bundle is a built OCI bundle ready to hand to runc.
type Bundle struct {
	ContainerID string
	Dir         string
}

// Resources caps the container's memory and CPU allotment.
type Resources struct {
	MemoryLimitBytes int64
	CPUQuota         int64
	CPUPeriod        int64
}

// Build creates bundlesDir/<container-id>/config.json wiring rootfsPath
// (read-only, shared across containers) and socketPath (bind-mounted at
// protocol.ControlSocketPath) into an OCI runtime spec, then returns the
// bundle. containerID is supplied by the caller so the same identifier
// threads through the rendezvous socket name, the bundle directory, and the
// runc invocation. The bundle directory is not removed on error; the caller
// owns cleanup so it can be attempted unconditionally alongside process
// teardown.
func Build(bundlesDir, containerID, rootfsPath, socketPath string, command []string, res Resources) (Bundle, error) {
	dir := filepath.Join(bundlesDir, containerID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Bundle{}, fmt.Errorf("create bundle dir %s: %w", dir, err)
	}

	spec := ocitmpl.Build(ocitmpl.Params{
		RootfsPath:        rootfsPath,
		ControlSocketPath: protocol.ControlSocketPath,
		SocketSource:      socketPath,
		Command:           command,
		MemoryLimitBytes:  res.MemoryLimitBytes,
		CPUQuota:          res.CPUQuota,
		CPUPeriod:         res.CPUPeriod,
	})

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return Bundle{}, fmt.Errorf("marshal config.json: %w", err)
	}

	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return Bundle{}, fmt.Errorf("write config.json: %w", err)
	}

	return Bundle{ContainerID: containerID, Dir: dir}, nil
}

// Remove deletes the bundle directory. It is safe to call on a bundle whose
// directory is already gone.
func Remove(b Bundle) error {
	if b.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(b.Dir); err != nil {
		return fmt.Errorf("remove bundle dir %s: %w", b.Dir, err)
	}
	return nil
}
