// Package protocol defines the rendezvous contract between the daemon and a
// spawned container: where the control socket is mounted inside the
// container, and the shape of the single message exchanged over it.
package protocol

// ControlSocketPath is the fixed in-container path the rendezvous socket is
// bind-mounted at. A container's entrypoint connects here to receive the
// accepted client socket.
const ControlSocketPath = "/control.sock"

// RunDirName is the name of the directory under the daemon's data root that
// holds the per-request rendezvous sockets on the host. It is not mounted
// into containers; only the single socket is, at ControlSocketPath.
const RunDirName = "run"

// HandoffPayload is the single byte sent alongside the SCM_RIGHTS ancillary
// message carrying the accepted client file descriptor. Its value carries no
// meaning beyond "a descriptor follows"; recipients read exactly one byte
// and one ancillary record.
var HandoffPayload = [1]byte{'S'}
