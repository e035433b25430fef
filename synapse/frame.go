package synapse

import (
	"bytes"
	"errors"
)

var ErrLineTooLong = errors.New("synapse: buffer overflow, line exceeds capacity")

// LineBuffer splits a byte stream into newline-terminated lines while
// holding at most cap bytes of an unfinished line. A line that outgrows the
// cap is discarded up to and including its terminating newline.
type LineBuffer struct {
	cap        int
	buf        []byte
	discarding bool
}

func NewLineBuffer(capacity int) *LineBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &LineBuffer{cap: capacity}
}

// Feed consumes chunk and returns the non-blank lines it completed, without
// their line endings, plus the number of lines dropped for overflow.
func (b *LineBuffer) Feed(chunk []byte) (lines [][]byte, overflows int) {
	for len(chunk) > 0 {
		var seg []byte
		i := bytes.IndexByte(chunk, '\n')
		terminated := i >= 0
		if terminated {
			seg, chunk = chunk[:i], chunk[i+1:]
		} else {
			seg, chunk = chunk, nil
		}

		if b.discarding {
			if terminated {
				b.discarding = false
			}
			continue
		}

		if len(b.buf)+len(seg) > b.cap {
			b.buf = b.buf[:0]
			b.discarding = !terminated
			overflows++
			continue
		}
		b.buf = append(b.buf, seg...)
		if !terminated {
			continue
		}

		line := bytes.TrimSuffix(b.buf, []byte{'\r'})
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		b.buf = b.buf[:0]
	}
	return lines, overflows
}

// Buffered returns the number of bytes held for the current partial line.
func (b *LineBuffer) Buffered() int {
	return len(b.buf)
}

// Reset drops any partial line.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.discarding = false
}
