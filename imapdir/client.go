package imapdir

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pdio"
	"github.com/mjl-/postdir/sasl"
)

// Minimal IMAP client, just enough to verify credentials: read the greeting,
// fetch capabilities, optionally upgrade with STARTTLS, then AUTHENTICATE
// PLAIN or LOGIN, and LOGOUT.

var (
	ErrProtocol = errors.New("imap protocol error")
	ErrStatus   = errors.New("imap server sent unexpected response status")
)

var bufs = pdio.NewBufpool(8, 2*1024)

type client struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	tr      *pdio.TraceReader
	tw      *pdio.TraceWriter
	log     mlog.Log
	tagGen  int
	caps    map[string]bool
	lastTag string
}

type clientError struct{ err error }

func (e clientError) Error() string { return e.err.Error() }
func (e clientError) Unwrap() error { return e.err }

// recover converts panics raised by the x-helpers back into a returned
// error. Any other panic value is passed on.
func (c *client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(clientError)
	if !ok {
		metrics.PanicInc("imapdir")
		panic(x)
	}
	*rerr = cerr.err
}

func (c *client) xerrorf(format string, args ...any) {
	panic(clientError{fmt.Errorf(format, args...)})
}

func newClient(conn net.Conn, log mlog.Log) (*client, error) {
	c := &client{conn: conn, log: log, caps: map[string]bool{}}
	c.tr = pdio.NewTraceReader(log, "RS: ", conn)
	c.tw = pdio.NewTraceWriter(log, "LC: ", conn)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)
	if err := c.greeting(); err != nil {
		return nil, err
	}
	return c, nil
}

// greeting reads the untagged server greeting and any capabilities it lists.
func (c *client) greeting() (rerr error) {
	defer c.recover(&rerr)
	line := c.xreadline()
	switch {
	case strings.HasPrefix(line, "* OK"), strings.HasPrefix(line, "* PREAUTH"):
		c.parseCaps(line)
		return nil
	case strings.HasPrefix(line, "* BYE"):
		c.xerrorf("%w: server refused connection: %s", ErrStatus, line)
	}
	c.xerrorf("%w: unexpected greeting %q", ErrProtocol, line)
	return nil
}

// parseCaps picks capabilities out of a "[CAPABILITY ...]" response code or
// an untagged CAPABILITY line.
func (c *client) parseCaps(line string) {
	s := line
	if o := strings.Index(line, "[CAPABILITY "); o >= 0 {
		s = line[o+len("[CAPABILITY "):]
		if e := strings.Index(s, "]"); e >= 0 {
			s = s[:e]
		}
	} else if strings.HasPrefix(line, "* CAPABILITY ") {
		s = line[len("* CAPABILITY "):]
	} else {
		return
	}
	for _, w := range strings.Split(s, " ") {
		c.caps[strings.ToUpper(w)] = true
	}
}

func (c *client) xreadline() string {
	if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}
	line, err := bufs.Readline(c.log, c.r)
	if err != nil {
		c.xerrorf("%w: %v", ErrProtocol, err)
	}
	return line
}

func (c *client) xwritelinef(format string, args ...any) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		c.log.Errorx("setting write deadline", err)
	}
	fmt.Fprintf(c.w, format, args...)
	c.w.WriteString("\r\n")
	if err := c.w.Flush(); err != nil {
		c.xerrorf("writing command: %v", err)
	}
}

func (c *client) nextTag() string {
	c.tagGen++
	c.lastTag = fmt.Sprintf("x%03d", c.tagGen)
	return c.lastTag
}

// xresponse reads lines until the tagged completion of the last command,
// returning the status (OK/NO/BAD) and its text. Untagged lines are parsed
// for capabilities, continuation requests are a protocol error here.
func (c *client) xresponse() (status, text string) {
	for {
		line := c.xreadline()
		if strings.HasPrefix(line, "* ") {
			c.parseCaps(line)
			continue
		}
		if strings.HasPrefix(line, "+") {
			c.xerrorf("%w: unexpected continuation request", ErrProtocol)
		}
		tag, rest, ok := strings.Cut(line, " ")
		if !ok || tag != c.lastTag {
			c.xerrorf("%w: malformed response line %q", ErrProtocol, line)
		}
		word, rest, _ := strings.Cut(rest, " ")
		switch word {
		case "OK", "NO", "BAD":
			return word, rest
		}
		c.xerrorf("%w: unknown response status %q", ErrProtocol, word)
	}
}

func (c *client) xstarttls(host string) {
	tag := c.nextTag()
	c.xwritelinef("%s STARTTLS", tag)
	status, text := c.xresponse()
	if status != "OK" {
		c.xerrorf("%w: starttls refused: %s %s", ErrStatus, status, text)
	}
	tlsconn := tls.Client(c.conn, &tls.Config{ServerName: host})
	if err := tlsconn.Handshake(); err != nil {
		c.xerrorf("tls handshake: %v", err)
	}
	c.conn = tlsconn
	c.tr = pdio.NewTraceReader(c.log, "RS: ", c.conn)
	c.tw = pdio.NewTraceWriter(c.log, "LC: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)
	// Capabilities must be fetched again after the handshake.
	c.caps = map[string]bool{}
}

// authenticate verifies credentials with AUTHENTICATE PLAIN when announced,
// falling back to LOGIN. Returns ok false when the server rejected the
// credentials (a NO response), an error for protocol trouble.
func (c *client) authenticate(username, password string) (ok bool, rerr error) {
	defer c.recover(&rerr)

	c.tr.SetTrace(mlog.LevelTraceauth)
	c.tw.SetTrace(mlog.LevelTraceauth)
	defer func() {
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}()

	var status, text string
	if c.caps["AUTH=PLAIN"] || len(c.caps) == 0 {
		auth := sasl.NewClientPlain(username, password)
		toServer, _, err := auth.Next(nil)
		if err != nil {
			return false, fmt.Errorf("sasl client: %v", err)
		}
		tag := c.nextTag()
		c.xwritelinef("%s AUTHENTICATE PLAIN", tag)
		line := c.xreadline()
		if !strings.HasPrefix(line, "+") {
			c.xerrorf("%w: expected continuation request, got %q", ErrProtocol, line)
		}
		c.xwritelinef("%s", base64.StdEncoding.EncodeToString(toServer))
		status, text = c.xresponse()
	} else {
		if strings.ContainsAny(username+password, "\r\n\"\\") {
			return false, fmt.Errorf("credentials cannot be sent with imap login")
		}
		tag := c.nextTag()
		c.xwritelinef("%s LOGIN \"%s\" \"%s\"", tag, username, password)
		status, text = c.xresponse()
	}
	switch status {
	case "OK":
		return true, nil
	case "NO":
		c.log.Debug("imap authentication rejected", slog.String("text", text))
		return false, nil
	}
	return false, fmt.Errorf("%w: %s to authenticate: %s", ErrStatus, status, text)
}

// logout ends the session cleanly. Errors are ignored, the connection is
// closed regardless.
func (c *client) logout() {
	defer func() { recover() }()
	tag := c.nextTag()
	c.xwritelinef("%s LOGOUT", tag)
	c.xresponse()
}

func (c *client) close() {
	c.conn.Close()
}
