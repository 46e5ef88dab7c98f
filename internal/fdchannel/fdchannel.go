// Package fdchannel implements the rendezvous handoff: the daemon accepts a
// connection from a freshly launched container over a Unix-domain socket
// and passes it the file descriptor of an already-accepted client
// connection via SCM_RIGHTS ancillary data, so the container talks to the
// client directly with no user-space proxy in the data path.
package fdchannel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/faasd/protocol"
)

// ErrTimeout is returned when no container connects to the rendezvous
// socket within the configured deadline.
var ErrTimeout = errors.New("timed out waiting for container to connect")

// Channel is a single-use rendezvous socket bound at Path. Prepare creates
// it; Transfer accepts exactly one connection and hands off a descriptor;
// Close removes the socket file unconditionally.
type Channel struct {
	Path string
	ln   *net.UnixListener
}

// Prepare binds a new Unix-domain listener at path. The caller must call
// Close on every exit path, whether or not Transfer succeeds.
func Prepare(path string) (*Channel, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("resolve rendezvous socket %s: %w", path, err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("bind rendezvous socket %s: %w", path, err)
	}

	return &Channel{Path: path, ln: ln}, nil
}

// Transfer waits up to deadline for a single container connection, then
// sends clientFD over it as SCM_RIGHTS ancillary data alongside a one-byte
// payload. It returns ErrTimeout if nothing connects in time.
func (c *Channel) Transfer(deadline time.Duration, clientFD int) error {
	if err := c.ln.SetDeadline(time.Now().Add(deadline)); err != nil {
		return fmt.Errorf("set rendezvous accept deadline: %w", err)
	}

	conn, err := c.ln.AcceptUnix()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("accept rendezvous connection: %w", err)
	}
	defer conn.Close()

	rights := unix.UnixRights(clientFD)
	if _, _, err := conn.WriteMsgUnix(protocol.HandoffPayload[:], rights, nil); err != nil {
		return fmt.Errorf("send fd over rendezvous socket: %w", err)
	}

	return nil
}

// Close removes the socket file. It is safe to call multiple times.
func (c *Channel) Close() error {
	var lnErr error
	if c.ln != nil {
		lnErr = c.ln.Close()
		c.ln = nil
	}
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove rendezvous socket %s: %w", c.Path, err)
	}
	if lnErr != nil {
		return fmt.Errorf("close rendezvous listener: %w", lnErr)
	}
	return nil
}
