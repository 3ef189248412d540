// Package pdio has common I/O helpers: a buffer pool with line reading for
// the protocol clients, and tracing readers/writers that log protocol data.
package pdio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mjl-/postdir/mlog"
)

// ErrLineTooLong is returned by Readline for a line not fitting the pool's
// buffer size. The connection cannot be recovered, protocols have no way to
// resynchronize after an overlong line.
var ErrLineTooLong = errors.New("line from remote too long")

// Bufpool caches byte slices for reuse while reading line-terminated protocol
// responses.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a pool holding at most max buffers of size bytes each.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{
		c:    make(chan []byte, max),
		size: size,
	}
}

// get returns a pooled buffer, or allocates one if the pool is empty.
func (b *Bufpool) get() []byte {
	select {
	case buf := <-b.c:
		return buf
	default:
	}
	return make([]byte, b.size)
}

// put returns buf to the pool after zeroing its first n used bytes. A full
// pool drops the buffer. Callers must not reference buf afterwards.
func (b *Bufpool) put(log mlog.Log, buf []byte, n int) {
	if len(buf) != b.size {
		log.Error("buffer with bad size returned, dropping", slog.Int("badsize", len(buf)), slog.Int("expsize", b.size))
		return
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	select {
	case b.c <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line from r and returns it without
// the line ending. A line longer than the pool's buffer size returns
// ErrLineTooLong. EOF before a newline returns io.ErrUnexpectedEOF.
func (b *Bufpool) Readline(log mlog.Log, r *bufio.Reader) (line string, rerr error) {
	var n int
	buf := b.get()
	defer func() {
		b.put(log, buf, n)
	}()

	for {
		if n >= len(buf) {
			return "", fmt.Errorf("%w: no newline in first %d bytes", ErrLineTooLong, n)
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			var s string
			if n > 0 && buf[n-1] == '\r' {
				s = string(buf[:n-1])
			} else {
				s = string(buf[:n])
			}
			n++
			return s, nil
		}
		buf[n] = c
		n++
	}
}
