package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// Capture collects stdout and stderr of one command under a shared byte
// budget. Bytes past the budget are counted but dropped. It is safe to read
// while the command is still writing.
type Capture struct {
	mu     sync.Mutex
	limit  int64
	total  int64
	stored int64
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// NewCapture returns a capture that keeps at most limit bytes.
func NewCapture(limit int64) *Capture {
	return &Capture{limit: limit}
}

// Stdout returns the writer for standard output.
func (c *Capture) Stdout() io.Writer { return &captureWriter{c: c, buf: &c.stdout} }

// Stderr returns the writer for standard error.
func (c *Capture) Stderr() io.Writer { return &captureWriter{c: c, buf: &c.stderr} }

// Overflowed reports whether output exceeded the limit.
func (c *Capture) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total > c.limit
}

// Total is the number of bytes the command produced, kept or not.
func (c *Capture) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Output returns copies of what was kept.
func (c *Capture) Output() (stdout, stderr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String()
}

type captureWriter struct {
	c   *Capture
	buf *bytes.Buffer
}

// Write never fails so a chatty process is not killed by EPIPE before the
// overflow is observed.
func (w *captureWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	w.c.total += int64(len(p))
	room := w.c.limit - w.c.stored
	if room <= 0 {
		return len(p), nil
	}
	keep := p
	if int64(len(keep)) > room {
		keep = keep[:room]
	}
	w.buf.Write(keep)
	w.c.stored += int64(len(keep))
	return len(p), nil
}
