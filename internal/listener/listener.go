// Package listener owns one accept loop per deployment and dispatches each
// accepted connection to a handler without blocking further accepts.
package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler processes a single accepted connection's raw file descriptor for
// deployment. It is invoked on its own goroutine so it never blocks the
// accept loop.
type Handler func(deploymentName string, fd int)

// Sentinel errors.
var ErrBind = errors.New("listener: bind failed")

type entry struct {
	deploymentName string
	ln             *net.TCPListener
	stop           chan struct{}
}

// Manager tracks one listener per deployment name.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*entry
	handler  Handler
	onDegrade func(deploymentName string, err error)
	logger   *slog.Logger
}

// New returns a Manager that dispatches accepted connections to handler and
// reports persistent per-listener failures via onDegrade.
func New(handler Handler, onDegrade func(deploymentName string, err error), logger *slog.Logger) *Manager {
	return &Manager{
		entries:   make(map[string]*entry),
		handler:   handler,
		onDegrade: onDegrade,
		logger:    logger,
	}
}

// AddListener binds a TCP listener at address:port for deploymentName, sets
// address reuse, and starts an accept loop on its own goroutine.
func (m *Manager) AddListener(deploymentName, address string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[deploymentName]; exists {
		return fmt.Errorf("%w: listener for %s already exists", ErrBind, deploymentName)
	}

	addr := &net.TCPAddr{IP: net.ParseIP(address), Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s:%d: %v", ErrBind, address, port, err)
	}
	if rawConn, err := ln.SyscallConn(); err == nil {
		_ = rawConn.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
	}

	e := &entry{deploymentName: deploymentName, ln: ln, stop: make(chan struct{})}
	m.entries[deploymentName] = e

	go m.acceptLoop(e)

	return nil
}

// RemoveListener stops accepting for deploymentName and closes its socket,
// waking any blocked Accept.
func (m *Manager) RemoveListener(deploymentName string) error {
	m.mu.Lock()
	e, exists := m.entries[deploymentName]
	if exists {
		delete(m.entries, deploymentName)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	close(e.stop)
	return e.ln.Close()
}

// Close stops every listener.
func (m *Manager) Close() {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.RemoveListener(name); err != nil {
			m.logger.Warn("failed to close listener", "deployment", name, "err", err)
		}
	}
}

func (m *Manager) acceptLoop(e *entry) {
	log := m.logger.With("deployment", e.deploymentName)
	for {
		conn, err := e.ln.AcceptTCP()
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
			}
			if isTransientAcceptError(err) {
				log.Warn("transient accept error, retrying", "err", err)
				continue
			}
			log.Error("persistent accept error, closing listener", "err", err)
			m.mu.Lock()
			if m.entries[e.deploymentName] == e {
				delete(m.entries, e.deploymentName)
			}
			m.mu.Unlock()
			e.ln.Close()
			if m.onDegrade != nil {
				m.onDegrade(e.deploymentName, err)
			}
			return
		}

		rawConn, err := conn.SyscallConn()
		if err != nil {
			log.Error("failed to obtain raw fd for accepted connection", "err", err)
			conn.Close()
			continue
		}

		var dupFD int
		var dupErr error
		err = rawConn.Control(func(fd uintptr) {
			dupFD, dupErr = unix.Dup(int(fd))
		})
		conn.Close()
		if err != nil || dupErr != nil {
			log.Error("failed to duplicate accepted connection fd", "err", err, "dup_err", dupErr)
			continue
		}

		go m.handler(e.deploymentName, dupFD)
	}
}

// isTransientAcceptError reports whether err represents a condition worth
// retrying (an interrupted or already-reset accept) rather than one that
// should take the listener down.
func isTransientAcceptError(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED)
}
