package sandbox

import (
	"bytes"
	"io"
)

// boundedBuffer keeps the first max bytes written and discards the rest.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Len() int {
	return b.buf.Len()
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...[truncated]"
	}
	return b.buf.String()
}

// cappedWriter forwards up to max bytes to w. The first write past the cap
// calls onExceed; everything after it is discarded so the pipe keeps draining.
type cappedWriter struct {
	w        io.Writer
	max      int64
	written  int64
	exceeded bool
	onExceed func()
}

func newCappedWriter(w io.Writer, max int64, onExceed func()) *cappedWriter {
	return &cappedWriter{w: w, max: max, onExceed: onExceed}
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.exceeded {
		return len(p), nil
	}
	room := c.max - c.written
	if int64(len(p)) > room {
		if room > 0 {
			n, err := c.w.Write(p[:room])
			c.written += int64(n)
			if err != nil {
				return n, err
			}
		}
		c.exceeded = true
		if c.onExceed != nil {
			c.onExceed()
		}
		return len(p), nil
	}
	n, err := c.w.Write(p)
	c.written += int64(n)
	return n, err
}
