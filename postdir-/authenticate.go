package postdir

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/postdir/authdb"
	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/principal"
)

// Authenticate verifies credentials against the directory with the given id,
// recording the attempt and its result in the audit trail. Protocol
// front-ends authenticate through this function rather than on a directory
// handle directly.
func Authenticate(ctx context.Context, log mlog.Log, dirID, name, credential, remoteIP, protocol, authMech string) (principal.Principal, error) {
	reg := Conf.Registry()
	dir, ok := reg.Lookup(dirID)
	if !ok {
		return principal.Principal{}, fmt.Errorf("unknown directory %q", dirID)
	}

	p, err := dir.Authenticate(ctx, name, credential)

	result := authdb.AuthSuccess
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrNotFound):
		result = authdb.AuthBadUser
	case errors.Is(err, directory.ErrBadCredentials):
		result = authdb.AuthBadCredentials
	default:
		result = authdb.AuthError
	}
	authdb.Add(ctx, log, authdb.LoginAttempt{
		AccountName: name,
		Directory:   dirID,
		RemoteIP:    remoteIP,
		Protocol:    protocol,
		AuthMech:    authMech,
		Result:      result,
	})
	return p, err
}
