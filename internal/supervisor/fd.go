package supervisor

import "golang.org/x/sys/unix"

// unixCloseFD closes a raw file descriptor, ignoring any error (such as an
// fd that is already closed).
func unixCloseFD(fd int) {
	_ = unix.Close(fd)
}
