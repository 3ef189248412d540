package smtpdir

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pdio"
	"github.com/mjl-/postdir/sasl"
)

// Minimal SMTP/LMTP client for probing a mail server: EHLO or LHLO, optional
// STARTTLS, AUTH PLAIN or CRAM-MD5 for credential checks and MAIL FROM/RCPT
// TO/RSET for recipient existence checks.

var (
	ErrProtocol = errors.New("smtp protocol error")
	ErrStatus   = errors.New("smtp server sent unexpected response status code")
)

var bufs = pdio.NewBufpool(8, 2*1024)

type client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	tr   *pdio.TraceReader
	tw   *pdio.TraceWriter
	log  mlog.Log

	lmtp         bool
	heloHostname string
	extStartTLS  bool
	authMechs    []string
}

type clientError struct{ err error }

func (e clientError) Error() string { return e.err.Error() }
func (e clientError) Unwrap() error { return e.err }

func (c *client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(clientError)
	if !ok {
		metrics.PanicInc("smtpdir")
		panic(x)
	}
	*rerr = cerr.err
}

func (c *client) xerrorf(format string, args ...any) {
	panic(clientError{fmt.Errorf(format, args...)})
}

// newClient reads the greeting and sends the EHLO (or LHLO for LMTP)
// handshake, recording the announced extensions.
func newClient(conn net.Conn, log mlog.Log, lmtp bool, heloHostname string) (*client, error) {
	c := &client{conn: conn, log: log, lmtp: lmtp, heloHostname: heloHostname}
	c.tr = pdio.NewTraceReader(log, "RS: ", conn)
	c.tw = pdio.NewTraceWriter(log, "LC: ", conn)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)
	if err := c.hello(heloHostname); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *client) hello(heloHostname string) (rerr error) {
	defer c.recover(&rerr)
	code, lines := c.xread()
	if code != 220 {
		c.xerrorf("%w: expected 220 greeting, got %d %s", ErrStatus, code, lines[0])
	}
	c.xhello(heloHostname)
	return nil
}

// xhello sends EHLO/LHLO and parses the extension list. Called again after a
// STARTTLS handshake.
func (c *client) xhello(heloHostname string) {
	cmd := "EHLO"
	if c.lmtp {
		cmd = "LHLO"
	}
	c.xwritelinef("%s %s", cmd, heloHostname)
	code, lines := c.xread()
	if code != 250 {
		c.xerrorf("%w: expected 250 to %s, got %d %s", ErrStatus, cmd, code, lines[0])
	}
	c.extStartTLS = false
	c.authMechs = nil
	for _, s := range lines[1:] {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "STARTTLS" {
			c.extStartTLS = true
		} else if mechs, ok := strings.CutPrefix(s, "AUTH "); ok {
			c.authMechs = strings.Split(mechs, " ")
		}
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

// xread reads a (possibly multiline) reply, returning the status code and
// the text of each line. All lines of a reply must carry the same code.
func (c *client) xread() (code int, lines []string) {
	for {
		line := c.xreadline()
		if len(line) < 3 {
			c.xerrorf("%w: short response line %q", ErrProtocol, line)
		}
		xcode, err := strconv.Atoi(line[:3])
		if err != nil {
			c.xerrorf("%w: bad status code in line %q", ErrProtocol, line)
		}
		if code != 0 && xcode != code {
			c.xerrorf("%w: inconsistent codes in multiline response, %d then %d", ErrProtocol, code, xcode)
		}
		code = xcode
		var text string
		var more bool
		if len(line) > 3 {
			switch line[3] {
			case '-':
				more = true
			case ' ':
			default:
				c.xerrorf("%w: bad separator in line %q", ErrProtocol, line)
			}
			text = line[4:]
		}
		lines = append(lines, text)
		if !more {
			return code, lines
		}
	}
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

func (c *client) starttls(host string) (rerr error) {
	defer c.recover(&rerr)
	c.xwritelinef("STARTTLS")
	code, lines := c.xread()
	if code != 220 {
		c.xerrorf("%w: expected 220 to STARTTLS, got %d %s", ErrStatus, code, lines[0])
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
	c.xhello(c.heloHostname)
	return nil
}

// authenticate sends AUTH with an initial response, preferring PLAIN and
// falling back to CRAM-MD5 when the server does not announce PLAIN. Returns
// ok false on a 535 rejection, an error for other failures. The connection
// cannot be reused afterwards.
func (c *client) authenticate(username, password string) (ok bool, rerr error) {
	defer c.recover(&rerr)

	c.tr.SetTrace(mlog.LevelTraceauth)
	c.tw.SetTrace(mlog.LevelTraceauth)
	defer func() {
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}()

	// Servers may not announce mechanisms before TLS, assume PLAIN then.
	var auth sasl.Client
	if len(c.authMechs) == 0 || slices.Contains(c.authMechs, "PLAIN") {
		auth = sasl.NewClientPlain(username, password)
	} else if slices.Contains(c.authMechs, "CRAM-MD5") {
		auth = sasl.NewClientCRAMMD5(username, password)
	} else {
		return false, fmt.Errorf("%w: no supported auth mechanism, server offers %s", ErrProtocol, strings.Join(c.authMechs, " "))
	}

	mech, _ := auth.Info()
	toServer, last, err := auth.Next(nil)
	if err != nil {
		return false, fmt.Errorf("sasl client: %v", err)
	}
	if toServer == nil {
		c.xwritelinef("AUTH %s", mech)
	} else {
		c.xwritelinef("AUTH %s %s", mech, base64.StdEncoding.EncodeToString(toServer))
	}
	for {
		code, lines := c.xread()
		switch code {
		case 235:
			return true, nil
		case 535:
			c.log.Debug("smtp authentication rejected", slog.String("text", lines[0]))
			return false, nil
		case 334:
			if last {
				c.xerrorf("%w: challenge after last sasl step", ErrProtocol)
			}
			fromServer, err := base64.StdEncoding.DecodeString(lines[0])
			if err != nil {
				c.xerrorf("%w: bad base64 in challenge: %v", ErrProtocol, err)
			}
			toServer, last, err = auth.Next(fromServer)
			if err != nil {
				return false, fmt.Errorf("sasl client: %v", err)
			}
			c.xwritelinef("%s", base64.StdEncoding.EncodeToString(toServer))
		default:
			return false, fmt.Errorf("%w: %d to AUTH: %s", ErrStatus, code, lines[0])
		}
	}
}

// probe checks whether the server accepts address as a recipient, with a
// MAIL FROM/RCPT TO/RSET sequence and no message data. Returns ok false for
// a permanent rejection of the recipient, an error for anything else
// unexpected. The connection stays usable.
func (c *client) probe(mailFrom, address string) (ok bool, rerr error) {
	defer c.recover(&rerr)

	c.xwritelinef("MAIL FROM:<%s>", mailFrom)
	code, lines := c.xread()
	if code != 250 {
		c.xerrorf("%w: %d to MAIL FROM: %s", ErrStatus, code, lines[0])
	}
	c.xwritelinef("RCPT TO:<%s>", address)
	code, lines = c.xread()

	c.xwritelinef("RSET")
	rcode, rlines := c.xread()
	if rcode != 250 {
		c.xerrorf("%w: %d to RSET: %s", ErrStatus, rcode, rlines[0])
	}

	switch {
	case code == 250 || code == 251:
		return true, nil
	case code/100 == 5:
		c.log.Debug("smtp recipient rejected", slog.String("address", address), slog.String("text", lines[0]))
		return false, nil
	}
	return false, fmt.Errorf("%w: %d to RCPT TO: %s", ErrStatus, code, lines[0])
}

// quit ends the session cleanly. Errors are ignored, the connection is
// closed regardless.
func (c *client) quit() {
	defer func() { recover() }()
	c.xwritelinef("QUIT")
	c.xread()
}

func (c *client) close() {
	c.conn.Close()
}
