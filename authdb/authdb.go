// Package authdb keeps an audit trail of authentication attempts made
// through the directories, stored in a database for inspection through the
// admin API and CLI.
//
// Writes happen in a background goroutine so recording an attempt does not
// slow down the authentication path. Records are capped per account and
// removed after a retention period.
package authdb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/postdirvar"
)

var attemptsMaxPerAccount = 10 * 1000 // Lower during tests.

// LoginAttempt is a successful or failed authentication attempt, stored for
// auditing purposes.
//
// At most 10000 failed attempts are stored per account, to prevent unbounded
// growth of the database by third parties.
type LoginAttempt struct {
	// Hash of all fields after "Count" below. We store a single entry per key,
	// updating its Last and Count fields.
	Key []byte

	// Last has an index for efficient removal of entries after the retention
	// period.
	Last  time.Time `bstore:"nonzero,default now,index"`
	First time.Time `bstore:"nonzero,default now"`
	Count int64     // Number of attempts for the combination of fields below.

	// Principal name used in the attempt. Admin logins use "(admin)". If no
	// name is known, "-" is used.
	AccountName string `bstore:"index AccountName+Last"`

	Directory string // Configured directory id the attempt went to.
	RemoteIP  string
	Protocol  string // E.g. "submission", "imap", "webadmin".
	AuthMech  string // E.g. "plain", "cram-md5".
	Result    AuthResult

	log mlog.Log // For passing the logger to the goroutine that writes and logs.
}

func (a LoginAttempt) calculateKey() []byte {
	h := sha256.New()
	l := []string{
		a.AccountName,
		a.Directory,
		a.RemoteIP,
		a.Protocol,
		a.AuthMech,
		string(a.Result),
	}
	// We don't add field separators. It allows us to add fields in the future that are
	// empty by default without changing existing keys.
	for _, s := range l {
		h.Write([]byte(s))
	}
	return h.Sum(nil)
}

// LoginAttemptState keeps track of the number of failed LoginAttempt records
// per account, for efficiently removing records beyond the cap.
type LoginAttemptState struct {
	AccountName string // "-" is used when no name is present.

	// Number of LoginAttempt records for failures, for preventing unbounded
	// growth of the audit trail.
	RecordsFailed int
}

// AuthResult is the result of an authentication attempt.
type AuthResult string

const (
	AuthSuccess        AuthResult = "ok"
	AuthBadUser        AuthResult = "baduser"
	AuthBadCredentials AuthResult = "badcreds"
	AuthError          AuthResult = "error"
)

// DB is the opened database. Exported for backups.
var DB *bstore.DB
var DBTypes = []any{LoginAttempt{}, LoginAttemptState{}}

var writeAttempt chan LoginAttempt
var writeAttemptStop chan chan struct{}

var retention = 30 * 24 * time.Hour

// Init opens the database at path and starts the background writer and the
// periodic cleanup. ctx stops both. Zero values for retentionDays,
// cleanupInterval and maxPerAccount keep the defaults.
func Init(ctx context.Context, path string, retentionDays int, cleanupInterval time.Duration, maxPerAccount int) error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}
	if maxPerAccount > 0 {
		attemptsMaxPerAccount = maxPerAccount
	}
	pkglog := mlog.New("authdb", nil)
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: postdirvar.RegisterLogger(path, pkglog.Logger)}
	var err error
	DB, err = bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return err
	}

	startWriter()

	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			pkglog.Error("unhandled panic in login attempt cleanup", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("authdb")
		}()

		t := time.NewTicker(cleanupInterval)
		for {
			err := Cleanup(ctx)
			pkglog.Check(err, "cleaning up old login attempts")

			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Close flushes pending writes and closes the database.
func Close() error {
	if DB == nil {
		return fmt.Errorf("not open")
	}
	stopc := make(chan struct{})
	writeAttemptStop <- stopc
	<-stopc
	err := DB.Close()
	DB = nil
	return err
}

func startWriter() {
	writeAttempt = make(chan LoginAttempt, 100)
	writeAttemptStop = make(chan chan struct{})

	process := func(la *LoginAttempt) {
		var l []LoginAttempt
		if la != nil {
			l = []LoginAttempt{*la}
		}
		// Gather all that we can write now.
	All:
		for {
			select {
			case xla := <-writeAttempt:
				l = append(l, xla)
			default:
				break All
			}
		}

		if len(l) > 0 {
			write(l...)
		}
	}

	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			mlog.New("authdb", nil).Error("unhandled panic in login attempt writer", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("authdb")
		}()

		for {
			select {
			case stopc := <-writeAttemptStop:
				process(nil)
				stopc <- struct{}{}
				return

			case la := <-writeAttempt:
				process(&la)
			}
		}
	}()
}

// Add records an authentication attempt, upserting it in the database in the
// background. Only blocks when there are many pending writes.
func Add(ctx context.Context, log mlog.Log, a LoginAttempt) {
	metrics.AuthenticationInc(a.Directory, string(a.Result))
	if DB == nil {
		// Auditing disabled, or not running as server.
		return
	}
	a.log = log
	writeAttempt <- a
}

func write(l ...LoginAttempt) {
	// Log on the way out, for "count" fetched from database.
	defer func() {
		for _, a := range l {
			a.log.Info("login attempt",
				slog.String("account", a.AccountName),
				slog.String("directory", a.Directory),
				slog.String("remoteip", a.RemoteIP),
				slog.String("protocol", a.Protocol),
				slog.String("authmech", a.AuthMech),
				slog.String("result", string(a.Result)),
				slog.Int64("count", a.Count),
			)
		}
	}()

	for i := range l {
		if l[i].AccountName == "" {
			l[i].AccountName = "-"
		}
		l[i].Key = l[i].calculateKey()
	}

	err := DB.Write(context.Background(), func(tx *bstore.Tx) error {
		for i := range l {
			err := writeTx(tx, &l[i])
			l[i].log.Check(err, "adding login attempt")
		}
		return nil
	})
	l[0].log.Check(err, "storing login attempt")
}

func writeTx(tx *bstore.Tx, a *LoginAttempt) error {
	xa := LoginAttempt{Key: a.Key}
	var insert bool
	if err := tx.Get(&xa); err == bstore.ErrAbsent {
		a.First = time.Time{}
		a.Count = 1
		insert = true
		if err := tx.Insert(a); err != nil {
			return fmt.Errorf("inserting login attempt: %v", err)
		}
	} else if err != nil {
		return fmt.Errorf("get login attempt: %v", err)
	} else {
		log := a.log
		last := a.Last
		*a = xa
		a.log = log
		a.Last = last
		if a.Last.IsZero() {
			a.Last = time.Now()
		}
		a.Count++
		if err := tx.Update(a); err != nil {
			return fmt.Errorf("updating login attempt: %v", err)
		}
	}

	// Update state with its RecordsFailed.
	origstate := LoginAttemptState{AccountName: a.AccountName}
	var newstate bool
	if err := tx.Get(&origstate); err == bstore.ErrAbsent {
		newstate = true
	} else if err != nil {
		return fmt.Errorf("get login attempt state: %v", err)
	}
	state := origstate
	if insert && a.Result != AuthSuccess {
		state.RecordsFailed++
	}

	if state.RecordsFailed > attemptsMaxPerAccount {
		q := bstore.QueryTx[LoginAttempt](tx)
		q.FilterNonzero(LoginAttempt{AccountName: a.AccountName})
		q.FilterNotEqual("Result", AuthSuccess)
		q.SortAsc("Last")
		q.Limit(state.RecordsFailed - attemptsMaxPerAccount)
		if n, err := q.Delete(); err != nil {
			return fmt.Errorf("deleting too many failed login attempts: %v", err)
		} else {
			state.RecordsFailed -= n
		}
	}

	if state == origstate {
		return nil
	}
	if newstate {
		if err := tx.Insert(&state); err != nil {
			return fmt.Errorf("inserting login attempt state: %v", err)
		}
		return nil
	}
	if err := tx.Update(&state); err != nil {
		return fmt.Errorf("updating login attempt state: %v", err)
	}
	return nil
}

// Cleanup removes LoginAttempt entries older than the retention period, for
// all accounts.
func Cleanup(ctx context.Context) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		var removed []LoginAttempt
		q := bstore.QueryTx[LoginAttempt](tx)
		q.FilterLess("Last", time.Now().Add(-retention))
		q.Gather(&removed)
		_, err := q.Delete()
		if err != nil {
			return fmt.Errorf("deleting old login attempts: %v", err)
		}

		deleted := map[string]int{}
		for _, r := range removed {
			if r.Result != AuthSuccess {
				deleted[r.AccountName]++
			}
		}

		for accName, n := range deleted {
			state := LoginAttemptState{AccountName: accName}
			if err := tx.Get(&state); err != nil {
				return fmt.Errorf("get login attempt state for account %v: %v", accName, err)
			}
			state.RecordsFailed -= n
			if err := tx.Update(&state); err != nil {
				return fmt.Errorf("update login attempt state for account %v: %v", accName, err)
			}
		}

		return nil
	})
}

// List returns the most recent login attempts, most recent first, at most
// limit when limit > 0.
func List(ctx context.Context, accountName string, limit int) ([]LoginAttempt, error) {
	q := bstore.QueryDB[LoginAttempt](ctx, DB)
	if accountName != "" {
		q.FilterNonzero(LoginAttempt{AccountName: accountName})
	}
	q.SortDesc("Last")
	if limit > 0 {
		q.Limit(limit)
	}
	return q.List()
}
