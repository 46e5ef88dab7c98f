package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		BundlesDir:     filepath.Join(dir, "bundles"),
		RunDir:         filepath.Join(dir, "run"),
		RendezvousWait: 2 * time.Second,
		RuncExitWait:   2 * time.Second,
	}
}

// waitForSocket polls dir until a single *.sock file appears, and returns
// its path. It stands in for a container's entrypoint discovering the
// bind-mounted rendezvous socket.
func waitForSocket(t *testing.T, dir string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.sock"))
		if len(matches) == 1 {
			return matches[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for rendezvous socket to appear")
	return ""
}

func TestHandleSuccessPath(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.RunDir, 0o755))

	rt := &MockRuntime{}
	handle := &MockRunHandle{}
	rt.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(handle, nil)
	handle.On("Wait", mock.Anything).Return("", nil)
	rt.On("Delete", mock.Anything, mock.Anything).Return(nil)

	sup := New(cfg, rt, testLogger())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	clientFD := fds[0]
	remoteEnd := fds[1]
	defer unix.Close(remoteEnd)

	connected := make(chan struct{})
	go func() {
		sockPath := waitForSocket(t, cfg.RunDir)
		conn, err := net.Dial("unix", sockPath)
		if err != nil {
			return
		}
		defer conn.Close()
		unixConn := conn.(*net.UnixConn)
		buf := make([]byte, 1)
		oob := make([]byte, unix.CmsgSpace(4))
		_, _, _, _, _ = unixConn.ReadMsgUnix(buf, oob)
		close(connected)
	}()

	err = sup.Handle(context.Background(), clientFD, Deployment{
		Name:       "fn",
		RootfsPath: filepath.Join(t.TempDir()),
		Command:    []string{"/bin/handler"},
	})
	require.NoError(t, err)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("simulated container never received the handoff")
	}

	rt.AssertCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestHandleTimeoutKillsAndCleansUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.RendezvousWait = 50 * time.Millisecond
	require.NoError(t, os.MkdirAll(cfg.RunDir, 0o755))

	rt := &MockRuntime{}
	handle := &MockRunHandle{}
	rt.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(handle, nil)
	handle.On("Wait", mock.Anything).Return("", context.Canceled)
	rt.On("Kill", mock.Anything, mock.Anything).Return(nil)
	rt.On("Delete", mock.Anything, mock.Anything).Return(nil)

	sup := New(cfg, rt, testLogger())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	err = sup.Handle(context.Background(), fds[0], Deployment{
		Name:       "fn",
		RootfsPath: t.TempDir(),
		Command:    []string{"/bin/handler"},
	})
	require.Error(t, err)

	rt.AssertCalled(t, "Kill", mock.Anything, mock.Anything)
	rt.AssertCalled(t, "Delete", mock.Anything, mock.Anything)

	matches, _ := filepath.Glob(filepath.Join(cfg.RunDir, "*.sock"))
	require.Empty(t, matches, "rendezvous socket must not leak after a timeout")

	bundles, _ := filepath.Glob(filepath.Join(cfg.BundlesDir, "*"))
	require.Empty(t, bundles, "bundle directory must not leak after a timeout")
}

func TestHandleRuntimeLaunchFailureStillDeletes(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.RunDir, 0o755))

	rt := &MockRuntime{}
	rt.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)
	rt.On("Delete", mock.Anything, mock.Anything).Return(nil)

	sup := New(cfg, rt, testLogger())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	err = sup.Handle(context.Background(), fds[0], Deployment{
		Name:       "fn",
		RootfsPath: t.TempDir(),
		Command:    []string{"/bin/handler"},
	})
	require.ErrorIs(t, err, ErrRuntimeLaunch)

	rt.AssertCalled(t, "Delete", mock.Anything, mock.Anything)
}

// TestHandleContextCancelledForcesKillAndDelete simulates a shutdown drain
// deadline: the caller's context is cancelled while the container is still
// running. Handle must still kill and delete it, using a context of its own
// rather than the one that was just cancelled.
func TestHandleContextCancelledForcesKillAndDelete(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.RunDir, 0o755))

	rt := &MockRuntime{}
	handle := &MockRunHandle{}
	rt.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(handle, nil)
	waitReturned := make(chan struct{})
	handle.On("Wait", mock.Anything).Run(func(mock.Arguments) {
		<-waitReturned
	}).Return("", context.Canceled)
	rt.On("Kill", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(waitReturned)
	}).Return(nil)
	rt.On("Delete", mock.Anything, mock.Anything).Return(nil)

	sup := New(cfg, rt, testLogger())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	clientFD := fds[0]
	remoteEnd := fds[1]
	defer unix.Close(remoteEnd)

	go func() {
		sockPath := waitForSocket(t, cfg.RunDir)
		conn, dialErr := net.Dial("unix", sockPath)
		if dialErr != nil {
			return
		}
		defer conn.Close()
		unixConn := conn.(*net.UnixConn)
		buf := make([]byte, 1)
		oob := make([]byte, unix.CmsgSpace(4))
		_, _, _, _, _ = unixConn.ReadMsgUnix(buf, oob)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sup.Handle(ctx, clientFD, Deployment{
		Name:       "fn",
		RootfsPath: t.TempDir(),
		Command:    []string{"/bin/handler"},
	})
	require.NoError(t, err)

	rt.AssertCalled(t, "Kill", mock.Anything, mock.Anything)
	rt.AssertCalled(t, "Delete", mock.Anything, mock.Anything)
}
