package postdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/mjl-/postdir/config"
	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/dns"
	"github.com/mjl-/postdir/imapdir"
	"github.com/mjl-/postdir/ldapdir"
	"github.com/mjl-/postdir/lookup"
	"github.com/mjl-/postdir/memdir"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pool"
	"github.com/mjl-/postdir/principal"
	"github.com/mjl-/postdir/smtpdir"
	"github.com/mjl-/postdir/sqldir"
	"github.com/mjl-/postdir/storedir"
)

// MustLoadConfig loads the config file, aborting the program on errors.
func MustLoadConfig(ctx context.Context, log mlog.Log) {
	errs := LoadConfig(ctx, log)
	if len(errs) > 1 {
		for _, err := range errs {
			log.Errorx("config error", err)
		}
		log.Fatal("loading config file: multiple errors")
	} else if len(errs) == 1 {
		log.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig parses the config file at ConfigPath, builds the directory
// registry and installs both, replacing the previous registry. Returned
// errors are global configuration problems; per-directory construction
// failures become diagnostics in the registry and do not prevent the other
// directories from working.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	cfg, errs := ParseConfig(ctx, log, ConfigPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(cfg.LogLevels)
	Conf.Log = cfg.LogLevels

	// Internal directories hold an exclusive lock on their database, the
	// previous registry must release it before the new one can open it.
	Conf.closeRegistry(log)
	reg, internal := buildRegistry(log, cfg)
	for _, d := range reg.Diagnostics() {
		log.Error("directory not available", slog.String("directory", d.Directory), slog.String("key", d.Key), slog.String("error", d.Message))
	}
	Conf.replace(cfg, reg, internal)
	return nil
}

// ParseConfig reads and checks the config file. Global problems (bad log
// level, missing data dir, bad lookup lists) are accumulated and returned
// together instead of stopping at the first. With checkOnly, directories are
// also constructed and torn down again so their configuration errors are
// reported too.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (cfg config.Config, errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	f, err := os.Open(p)
	if err != nil {
		addErrorf("open config file: %v", err)
		return cfg, errs
	}
	defer f.Close()
	if err := sconf.Parse(f, &cfg); err != nil {
		addErrorf("parsing %s: %v", p, err)
		return cfg, errs
	}

	cfg.LogLevels = map[string]slog.Level{}
	if level, ok := mlog.Levels[cfg.LogLevel]; ok {
		cfg.LogLevels[""] = level
	} else {
		addErrorf("invalid log level %q", cfg.LogLevel)
	}
	for pkg, s := range cfg.Log {
		if level, ok := mlog.Levels[s]; ok {
			cfg.LogLevels[pkg] = level
		} else {
			addErrorf("invalid log level %q for package %q", s, pkg)
		}
	}

	if cfg.DataDir == "" {
		addErrorf("missing DataDir")
	}

	for name, l := range cfg.Lookups {
		typ, err := lookup.ParseType(l.Type)
		if err != nil {
			addErrorf("lookup %s: %v", name, err)
			continue
		}
		m, err := lookup.New(lookup.Format{Type: typ, Comment: l.Comment, Separator: l.Separator}, l.Lines)
		if err != nil {
			addErrorf("lookup %s: %v", name, err)
			continue
		}
		l.Matcher = m
		cfg.Lookups[name] = l
	}

	for id, dc := range cfg.Directories {
		if dc.Type == "memory" {
			for name, mp := range dc.Memory.Principals {
				t := principal.TypeIndividual
				if mp.Type != "" {
					t, err = principal.ParseType(mp.Type)
					if err != nil {
						addErrorf("directory %s: principal %s: %v", id, name, err)
						continue
					}
				}
				mp.ParsedType = t
				dc.Memory.Principals[name] = mp
			}
			cfg.Directories[id] = dc
		}
	}

	if checkOnly && len(errs) == 0 {
		reg, _ := buildRegistry(log, cfg)
		for _, d := range reg.Diagnostics() {
			addErrorf("%s: %s", d.Key, d.Message)
		}
		reg.Close(log)
	}
	return cfg, errs
}

// buildRegistry constructs all configured directories in one pass. A
// directory that fails construction is recorded as a diagnostic and skipped,
// the others are still built. Directories with a cache TTL are wrapped in a
// cache.
func buildRegistry(log mlog.Log, cfg config.Config) (*directory.Registry, map[string]*storedir.Store) {
	reg := directory.NewRegistry()
	internal := map[string]*storedir.Store{}
	datadir := ConfigDirPath(cfg.DataDir)

	for id, dc := range cfg.Directories {
		if dc.Disabled {
			continue
		}
		dir, store, err := buildDirectory(log, datadir, id, dc)
		if err != nil {
			key := "directory." + id
			var cerr configError
			if errors.As(err, &cerr) {
				key += "." + cerr.key
				err = cerr.err
			}
			reg.AddDiagnostic(id, key, err)
			continue
		}
		if store != nil {
			internal[id] = store
		}
		if dc.CacheTTL > 0 {
			dir = directory.NewCached(dir, dc.CacheTTL)
		}
		reg.Add(id, dir)
	}
	return reg, internal
}

// configError carries the config key (relative to the directory section) a
// construction failure should be recorded against.
type configError struct {
	key string
	err error
}

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func poolConfig(pc config.Pool) pool.Config {
	return pool.Config{
		MaxConnections: pc.MaxConnections,
		CreateTimeout:  pc.CreateTimeout,
		WaitTimeout:    pc.WaitTimeout,
		RecycleTimeout: pc.RecycleTimeout,
	}
}

// buildDirectory dispatches on the configured type, constructing the
// matching backend. For internal directories the store is returned too, for
// direct management access.
func buildDirectory(log mlog.Log, datadir, id string, dc config.Directory) (directory.Directory, *storedir.Store, error) {
	switch dc.Type {
	case "internal":
		path := dc.Internal.Path
		if path == "" {
			path = filepath.Join(datadir, id+".db")
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(datadir, path)
		}
		store, err := storedir.Open(mlog.New("storedir", nil), path)
		if err != nil {
			return nil, nil, configError{"internal.path", err}
		}
		return store, store, nil

	case "ldap":
		c := dc.LDAP
		resolver := dns.StrictResolver{Pkg: "ldapdir"}
		dir, err := ldapdir.New(mlog.New("ldapdir", nil), resolver, ldapdir.Config{
			Address:         c.Address,
			TLS:             c.TLS,
			BindDN:          c.BindDN,
			BindPassword:    c.BindPassword,
			BaseDN:          c.BaseDN,
			Filter:          c.Filter,
			NameAttr:        c.NameAttr,
			EmailAttr:       c.EmailAttr,
			DescriptionAttr: c.DescriptionAttr,
			QuotaAttr:       c.QuotaAttr,
			IDAttr:          c.IDAttr,
			MemberOfAttr:    c.MemberOfAttr,
			MembersFilter:   c.MembersFilter,
			Pool:            poolConfig(c.Pool),
		})
		if err != nil {
			return nil, nil, configError{"ldap", err}
		}
		return dir, nil, nil

	case "sql":
		c := dc.SQL
		dir, err := sqldir.New(mlog.New("sqldir", nil), sqldir.Config{
			Driver:        c.Driver,
			DSN:           c.DSN,
			QueryFind:     c.QueryFind,
			QuerySecrets:  c.QuerySecrets,
			QueryEmails:   c.QueryEmails,
			QueryMembers:  c.QueryMembers,
			QueryMemberOf: c.QueryMemberOf,
			Pool:          poolConfig(c.Pool),
		})
		if err != nil {
			return nil, nil, configError{"sql", err}
		}
		return dir, nil, nil

	case "imap":
		c := dc.IMAP
		resolver := dns.StrictResolver{Pkg: "imapdir"}
		dir, err := imapdir.New(mlog.New("imapdir", nil), resolver, imapdir.Config{
			Address: c.Address,
			TLS:     c.TLS,
			Pool:    poolConfig(c.Pool),
		})
		if err != nil {
			return nil, nil, configError{"imap", err}
		}
		return dir, nil, nil

	case "smtp", "lmtp":
		c := dc.SMTP
		resolver := dns.StrictResolver{Pkg: "smtpdir"}
		dir, err := smtpdir.New(mlog.New("smtpdir", nil), resolver, smtpdir.Config{
			Address:      c.Address,
			TLS:          c.TLS,
			LMTP:         dc.Type == "lmtp",
			HeloHostname: c.HeloHostname,
			MailFrom:     c.MailFrom,
			Domain:       c.Domain,
			Pool:         poolConfig(c.Pool),
		})
		if err != nil {
			return nil, nil, configError{"smtp", err}
		}
		return dir, nil, nil

	case "memory":
		var principals []principal.Principal
		for name, mp := range dc.Memory.Principals {
			p := principal.Principal{
				ID:          mp.ID,
				Type:        mp.ParsedType,
				Quota:       mp.Quota,
				Name:        name,
				Description: mp.Description,
				Emails:      mp.Emails,
				MemberOf:    mp.MemberOf,
			}
			if mp.Secret != "" {
				p.Secrets = []string{mp.Secret}
			}
			principals = append(principals, p)
		}
		dir, err := memdir.New(principals)
		if err != nil {
			return nil, nil, configError{"memory", err}
		}
		return dir, nil, nil
	}
	return nil, nil, configError{"type", fmt.Errorf("unknown directory type %q", dc.Type)}
}
