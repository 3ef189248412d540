package pdio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/mjl-/postdir/mlog"
)

func TestBufpool(t *testing.T) {
	bp := NewBufpool(1, 8)
	a := bp.get()
	b := bp.get()
	for i := range a {
		a[i] = 1
	}
	log := mlog.New("pdio", nil)
	bp.put(log, a, len(a)) // Stored.
	bp.put(log, b, 0)      // Pool full, discarded.
	na := bp.get()
	if fmt.Sprintf("%p", a) != fmt.Sprintf("%p", na) {
		t.Fatalf("got new buf %p, expected pooled %p", na, a)
	}
	for _, c := range na {
		if c != 0 {
			t.Fatalf("reused buf not cleared")
		}
	}

	if _, err := bp.Readline(log, bufio.NewReader(strings.NewReader("this is too long"))); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got error %v", err)
	}
	if _, err := bp.Readline(log, bufio.NewReader(strings.NewReader("short"))); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got error %v", err)
	}

	er := errReader{fmt.Errorf("bad")}
	if _, err := bp.Readline(log, bufio.NewReader(er)); err == nil || !errors.Is(err, er.err) {
		t.Fatalf("got unexpected error %v", err)
	}

	if line, err := bp.Readline(log, bufio.NewReader(strings.NewReader("ok\r\n"))); line != "ok" {
		t.Fatalf(`got %q, err %v, expected line "ok"`, line, err)
	}
	if line, err := bp.Readline(log, bufio.NewReader(strings.NewReader("ok\n"))); line != "ok" {
		t.Fatalf(`got %q, err %v, expected line "ok"`, line, err)
	}
}

type errReader struct {
	err error
}

func (r errReader) Read(buf []byte) (int, error) {
	return 0, r.err
}
