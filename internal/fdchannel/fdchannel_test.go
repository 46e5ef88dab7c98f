package fdchannel

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferHandsOffFileDescriptor(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "rendezvous.sock")

	ch, err := Prepare(sockPath)
	require.NoError(t, err)
	defer ch.Close()

	assert.FileExists(t, sockPath)

	// Simulate an already-accepted client connection by handing off one end
	// of a socketpair; the other end is what a client would have written to.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	clientLocalFD := fds[0]
	clientRemoteFD := fds[1]
	defer unix.Close(clientRemoteFD)

	done := make(chan error, 1)
	go func() {
		done <- ch.Transfer(2*time.Second, clientLocalFD)
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	unixConn := conn.(*net.UnixConn)

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unixConn.ReadMsgUnix(buf, oob)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	require.NoError(t, err)
	require.Len(t, scms, 1)

	receivedFDs, err := unix.ParseUnixRights(&scms[0])
	require.NoError(t, err)
	require.Len(t, receivedFDs, 1)
	defer unix.Close(receivedFDs[0])

	require.NoError(t, <-done)

	// Prove the handed-off descriptor is the other end of the socketpair by
	// writing through it and reading via the original remote fd.
	_, err = unix.Write(receivedFDs[0], []byte("ping"))
	require.NoError(t, err)
	readBuf := make([]byte, 4)
	nRead, err := unix.Read(clientRemoteFD, readBuf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(readBuf[:nRead]))
}

func TestTransferTimesOutWithoutConnection(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "rendezvous.sock")

	ch, err := Prepare(sockPath)
	require.NoError(t, err)
	defer ch.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	err = ch.Transfer(100*time.Millisecond, fds[0])
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCloseRemovesSocketFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "rendezvous.sock")

	ch, err := Prepare(sockPath)
	require.NoError(t, err)

	require.NoError(t, ch.Close())

	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "rendezvous.sock")

	ch, err := Prepare(sockPath)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}
