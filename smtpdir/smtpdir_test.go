package smtpdir

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"testing"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/dns"
	"github.com/mjl-/postdir/mlog"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

// fakeServer is a scripted SMTP server accepting recipient "alice@example.com"
// and credentials alice/testtest, for any number of connections. With cram
// set it announces and requires CRAM-MD5 instead of PLAIN.
func fakeServer(t *testing.T, ln net.Listener, lmtp, cram bool) {
	t.Helper()
	hello := "EHLO "
	if lmtp {
		hello = "LHLO "
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			r := bufio.NewReader(conn)
			writef := func(format string, args ...any) {
				fmt.Fprintf(conn, format+"\r\n", args...)
			}
			writef("220 mock ESMTP")
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				line = strings.TrimRight(line, "\r\n")
				switch {
				case strings.HasPrefix(line, hello):
					writef("250-mock")
					if cram {
						writef("250 AUTH CRAM-MD5")
					} else {
						writef("250 AUTH PLAIN")
					}
				case strings.HasPrefix(line, "MAIL FROM:"):
					writef("250 ok")
				case line == "RCPT TO:<alice@example.com>":
					writef("250 ok")
				case strings.HasPrefix(line, "RCPT TO:"):
					writef("550 unknown recipient")
				case line == "RSET":
					writef("250 ok")
				case line == "AUTH PLAIN AGFsaWNlAHRlc3R0ZXN0": // \x00alice\x00testtest
					writef("235 authenticated")
				case strings.HasPrefix(line, "AUTH PLAIN "):
					writef("535 bad credentials")
				case line == "AUTH CRAM-MD5":
					challenge := "<12345.1693526400@mock>"
					writef("334 %s", base64.StdEncoding.EncodeToString([]byte(challenge)))
					resp, err := r.ReadString('\n')
					if err != nil {
						return
					}
					buf, err := base64.StdEncoding.DecodeString(strings.TrimRight(resp, "\r\n"))
					mac := hmac.New(md5.New, []byte("testtest"))
					mac.Write([]byte(challenge))
					if err == nil && string(buf) == fmt.Sprintf("alice %x", mac.Sum(nil)) {
						writef("235 authenticated")
					} else {
						writef("535 bad credentials")
					}
				case line == "QUIT":
					writef("221 bye")
					return
				default:
					writef("500 unrecognized")
				}
			}
		}()
	}
}

func tdir(t *testing.T, lmtp, cram bool) *Directory {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	go fakeServer(t, ln, lmtp, cram)
	t.Cleanup(func() { ln.Close() })

	_, port, err := net.SplitHostPort(ln.Addr().String())
	tcheck(t, err, "split listener address")
	resolver := dns.MockResolver{A: map[string][]string{"mock.example.": {"127.0.0.1"}}}
	d, err := New(mlog.New("smtpdir", nil), resolver, Config{
		Address: net.JoinHostPort("mock.example", port),
		LMTP:    lmtp,
		Domain:  "example.com",
	})
	tcheck(t, err, "new directory")
	t.Cleanup(func() {
		err := d.Close()
		tcheck(t, err, "close directory")
	})
	return d
}

func TestProbe(t *testing.T) {
	d := tdir(t, false, false)

	// Bare names get the configured domain appended.
	p, err := d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find accepted recipient")
	tcompare(t, p.Name, "alice")
	tcompare(t, p.Emails, []string{"alice@example.com"})

	p, err = d.FindPrincipal(ctxbg, "alice@example.com")
	tcheck(t, err, "find full address")
	tcompare(t, p.Emails, []string{"alice@example.com"})

	_, err = d.FindPrincipal(ctxbg, "bob")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("rejected recipient: got %v, expected ErrNotFound", err)
	}

	// The connection is reused after RSET, also after a rejection.
	p, err = d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find after rejection")
	tcompare(t, p.Emails, []string{"alice@example.com"})

	emails, err := d.ListEmails(ctxbg, p)
	tcheck(t, err, "list emails")
	tcompare(t, emails, []string{"alice@example.com"})

	_, err = d.ExpandGroup(ctxbg, 1)
	if !errors.Is(err, directory.ErrNotSupported) {
		t.Fatalf("expand group: got %v, expected ErrNotSupported", err)
	}
}

func TestAuthenticate(t *testing.T) {
	d := tdir(t, false, false)

	p, err := d.Authenticate(ctxbg, "alice", "testtest")
	tcheck(t, err, "authenticate")
	tcompare(t, p.Name, "alice")

	_, err = d.Authenticate(ctxbg, "alice", "wrong")
	if !errors.Is(err, directory.ErrBadCredentials) {
		t.Fatalf("bad password: got %v, expected ErrBadCredentials", err)
	}
}

func TestAuthenticateCRAMMD5(t *testing.T) {
	d := tdir(t, false, true)

	p, err := d.Authenticate(ctxbg, "alice", "testtest")
	tcheck(t, err, "authenticate with cram-md5")
	tcompare(t, p.Name, "alice")

	_, err = d.Authenticate(ctxbg, "alice", "wrong")
	if !errors.Is(err, directory.ErrBadCredentials) {
		t.Fatalf("bad password: got %v, expected ErrBadCredentials", err)
	}
}

func TestLMTP(t *testing.T) {
	d := tdir(t, true, false)

	p, err := d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find over lmtp")
	tcompare(t, p.Emails, []string{"alice@example.com"})
}
