package supervisor

import (
	"bytes"
	"sync"
)

// outputBuffer captures a subprocess's stdout/stderr concurrently with the
// process running, so diagnostics survive a forceful kill.
type outputBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	stdout *lockedWriter
	stderr *lockedWriter
}

func newOutputBuffer() *outputBuffer {
	ob := &outputBuffer{}
	ob.stdout = &lockedWriter{ob: ob, prefix: "stdout"}
	ob.stderr = &lockedWriter{ob: ob, prefix: "stderr"}
	return ob
}

func (ob *outputBuffer) String() string {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.buf.String()
}

type lockedWriter struct {
	ob     *outputBuffer
	prefix string
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.ob.mu.Lock()
	defer w.ob.mu.Unlock()
	w.ob.buf.WriteString(w.prefix)
	w.ob.buf.WriteString(": ")
	w.ob.buf.Write(p)
	return len(p), nil
}
