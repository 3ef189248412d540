package pdio

import (
	"strings"
	"testing"

	"github.com/mjl-/postdir/mlog"
)

func TestTrace(t *testing.T) {
	log := mlog.New("pdio", nil)

	var sb strings.Builder
	w := NewTraceWriter(log, "LC: ", &sb)
	n, err := w.Write([]byte("EHLO localhost\r\n"))
	if err != nil || n != 16 {
		t.Fatalf("write through tracer: n %d, err %v", n, err)
	}
	w.SetTrace(mlog.LevelTraceauth)
	w.Write([]byte("AUTH PLAIN x\r\n"))
	if sb.String() != "EHLO localhost\r\nAUTH PLAIN x\r\n" {
		t.Fatalf("got %q written", sb.String())
	}

	r := NewTraceReader(log, "RS: ", strings.NewReader("250 ok\r\n"))
	r.SetTrace(mlog.LevelTraceauth)
	buf := make([]byte, 16)
	n, err = r.Read(buf)
	if err != nil || string(buf[:n]) != "250 ok\r\n" {
		t.Fatalf("read through tracer: got %q, err %v", buf[:n], err)
	}
}
