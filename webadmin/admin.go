// Package webadmin is the admin HTTP API: inspecting the configured
// directories and their construction diagnostics, managing principals in the
// internal directory and reading the login attempt audit trail. Functions
// are exposed as a sherpa API under /api/, protected by HTTP basic
// authentication with the admin password.
package webadmin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	_ "embed"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/postdir/authdb"
	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/mlog"
	postdir "github.com/mjl-/postdir/postdir-"
	"github.com/mjl-/postdir/postdirvar"
	"github.com/mjl-/postdir/principal"
	"github.com/mjl-/postdir/storedir"
)

var pkglog = mlog.New("webadmin", nil)

//go:embed adminapi.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var adminSherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("postdiradmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	adminSherpaHandler, err = sherpa.NewHandler("/api/", postdirvar.Version, Admin{}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

// Admin exports web API functions for the admin interface. All its methods
// are exported under api/. Function calls require valid HTTP Authentication
// credentials.
type Admin struct{}

// We keep a cache for authentication so we don't bcrypt for each incoming
// HTTP request with the same HTTP basic auth. The cache is cleared
// periodically, see ManageAuthCache.
var authCache struct {
	sync.Mutex
	lastSuccessHash, lastSuccessAuth string
}

// ManageAuthCache starts clearing the auth cache periodically. Started when
// we start serving, not at package init time.
func ManageAuthCache() {
	for {
		authCache.Lock()
		authCache.lastSuccessHash = ""
		authCache.lastSuccessAuth = ""
		authCache.Unlock()
		time.Sleep(15 * time.Minute)
	}
}

// checkAdminAuth checks whether the authorization header matches the bcrypt
// hash in the password file. We don't care about any username. On failure, a
// http response is sent and false returned.
func checkAdminAuth(ctx context.Context, passwordfile string, w http.ResponseWriter, r *http.Request) bool {
	log := pkglog.WithContext(ctx)

	respondAuthFail := func() bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="postdir admin - login with empty username and admin password"`)
		http.Error(w, "http 401 - unauthorized - postdir admin - login with empty username and admin password", http.StatusUnauthorized)
		return false
	}

	result := authdb.AuthError
	defer func() {
		var remoteIP string
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			remoteIP = host
		}
		authdb.Add(ctx, log, authdb.LoginAttempt{
			AccountName: "(admin)",
			RemoteIP:    remoteIP,
			Protocol:    "webadmin",
			AuthMech:    "httpbasic",
			Result:      result,
		})
	}()

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") || passwordfile == "" {
		return respondAuthFail()
	}
	buf, err := os.ReadFile(passwordfile)
	if err != nil {
		log.Errorx("reading admin password file", err, slog.String("path", passwordfile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))
	authCache.Lock()
	defer authCache.Unlock()
	if passwordhash != "" && passwordhash == authCache.lastSuccessHash && authHdr != "" && authCache.lastSuccessAuth == authHdr {
		result = authdb.AuthSuccess
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	t := strings.SplitN(string(auth), ":", 2)
	if len(t) != 2 || len(t[1]) < 8 {
		log.Info("failed authentication attempt", slog.String("username", "admin"), slog.String("remote", r.RemoteAddr))
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(t[1])); err != nil {
		result = authdb.AuthBadCredentials
		log.Info("failed authentication attempt", slog.String("username", "admin"), slog.String("remote", r.RemoteAddr))
		return respondAuthFail()
	}
	authCache.lastSuccessHash = passwordhash
	authCache.lastSuccessAuth = authHdr
	result = authdb.AuthSuccess
	return true
}

// Handle serves the admin API, after HTTP basic authentication against the
// configured password file.
func Handle(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, mlog.Cid())
	passwordfile := postdir.Conf.File().Admin.PasswordFile
	if passwordfile == "" {
		passwordfile = postdir.DataDirPath("adminpasswd")
	} else {
		passwordfile = postdir.ConfigDirPath(passwordfile)
	}
	if !checkAdminAuth(ctx, passwordfile, w, r) {
		// Response already sent.
		return
	}

	if r.Method == "GET" && r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "postdir %s admin api, see /api/ for documentation\n", postdirvar.Version)
		return
	}
	adminSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// Version returns the version of this postdir instance.
func (Admin) Version(ctx context.Context) string {
	return postdirvar.Version
}

// Check returns the construction diagnostics recorded while building the
// directory registry. An empty list means all configured directories were
// built.
func (Admin) Check(ctx context.Context) []directory.Diagnostic {
	return postdir.Conf.Registry().Diagnostics()
}

// Directories returns the ids of the working directories.
func (Admin) Directories(ctx context.Context) []string {
	return postdir.Conf.Registry().IDs()
}

// Principal looks up a principal by name or id in the directory with the
// given id.
func (Admin) Principal(ctx context.Context, dirID, nameOrID string) principal.Principal {
	dir, ok := postdir.Conf.Registry().Lookup(dirID)
	if !ok {
		xcheckuserf(ctx, errors.New("no such directory"), "looking up directory")
	}
	p, err := dir.FindPrincipal(ctx, nameOrID)
	if err != nil && errors.Is(err, directory.ErrNotFound) {
		xcheckuserf(ctx, err, "looking up principal")
	}
	xcheckf(ctx, err, "looking up principal")
	return p
}

// xinternal resolves dirID to an internal directory store, for writes.
func xinternal(ctx context.Context, dirID string) *storedir.Store {
	s, ok := postdir.Conf.InternalStore(dirID)
	if !ok {
		xcheckuserf(ctx, errors.New("not an internal directory"), "looking up directory %q", dirID)
	}
	return s
}

// Principals lists principals of the internal directory with the given id,
// by name prefix.
func (Admin) Principals(ctx context.Context, dirID, prefix string, limit int) []principal.Principal {
	s := xinternal(ctx, dirID)
	l, err := s.ListPrincipals(ctx, prefix, limit)
	xcheckf(ctx, err, "listing principals")
	return l
}

// PrincipalAdd adds a principal to the internal directory with the given id,
// returning it with its assigned id.
func (Admin) PrincipalAdd(ctx context.Context, dirID string, p principal.Principal) principal.Principal {
	s := xinternal(ctx, dirID)
	np, err := s.AddPrincipal(ctx, p)
	xcheckf(ctx, err, "adding principal")
	return np
}

// PrincipalUpdate applies field-level updates to a principal of the internal
// directory, atomically.
func (Admin) PrincipalUpdate(ctx context.Context, dirID string, id uint32, updates []principal.PrincipalUpdate) principal.Principal {
	s := xinternal(ctx, dirID)
	for _, u := range updates {
		xcheckuserf(ctx, u.Validate(), "checking update")
	}
	np, err := s.UpdatePrincipal(ctx, id, updates)
	xcheckf(ctx, err, "updating principal")
	return np
}

// PrincipalRemove deletes a principal from the internal directory.
func (Admin) PrincipalRemove(ctx context.Context, dirID string, id uint32) {
	s := xinternal(ctx, dirID)
	err := s.DeletePrincipal(ctx, id)
	xcheckf(ctx, err, "removing principal")
}

// LoginAttempts returns the most recent authentication attempts, most
// recent first, optionally filtered by account name.
func (Admin) LoginAttempts(ctx context.Context, accountName string, limit int) []authdb.LoginAttempt {
	l, err := authdb.List(ctx, accountName, limit)
	xcheckf(ctx, err, "listing login attempts")
	return l
}
