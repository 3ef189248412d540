package config

import (
	"log/slog"
	"time"

	"github.com/mjl-/postdir/lookup"
	"github.com/mjl-/postdir/principal"
)

// Config is the configuration file for postdir, postdir.conf.
type Config struct {
	DataDir string `sconf-doc:"Directory where the internal directory database and the login attempt database are stored. If this is a relative path, it is relative to the directory of postdir.conf."`

	LogLevel string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs LDAP/SQL/IMAP/SMTP protocol transcripts, with traceauth also messages with passwords."`
	Log      map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. storedir, ldapdir, sqldir, imapdir, smtpdir, authdb, webadmin)."`

	Admin Admin `sconf:"optional" sconf-doc:"The admin HTTP API, for inspecting directories and managing principals in the internal directory."`

	LoginAttempts LoginAttempts `sconf:"optional" sconf-doc:"Auditing of authentication attempts made through the directories."`

	Directories map[string]Directory `sconf-doc:"Directories by id. Protocol front-ends refer to a directory by this id."`

	Lookups map[string]Lookup `sconf:"optional" sconf-doc:"Standalone lookup lists by name, for front-ends to match and rewrite addresses with."`

	LogLevels map[string]slog.Level `sconf:"-" json:"-"` // Parsed form of LogLevel/Log.
}

// Admin configures the admin HTTP API listener.
type Admin struct {
	Address      string `sconf-doc:"Address to serve the admin API on, e.g. localhost:8432. Empty disables the admin API."`
	PasswordFile string `sconf:"optional" sconf-doc:"Path to file with bcrypt hash of the admin password. Default: adminpasswd in the data directory."`
}

// LoginAttempts configures the audit trail of authentication attempts.
type LoginAttempts struct {
	Disabled        bool          `sconf:"optional" sconf-doc:"Do not record authentication attempts."`
	RetentionDays   int           `sconf:"optional" sconf-doc:"Days to keep login attempt records. Default 30."`
	MaxPerAccount   int           `sconf:"optional" sconf-doc:"Maximum number of failed attempt records kept per account name. Default 10000."`
	CleanupInterval time.Duration `sconf:"optional" sconf-doc:"How often to remove expired records. Default 24h."`
}

// Directory is one configured identity source.
type Directory struct {
	Disabled bool `sconf:"optional" sconf-doc:"Do not construct this directory at startup."`

	Type string `sconf-doc:"Backend type, one of: internal, ldap, sql, imap, smtp, lmtp, memory."`

	CacheTTL time.Duration `sconf:"optional" sconf-doc:"How long lookup results (positive and negative) may be answered from memory. 0 disables caching. Authentication is never cached."`

	Internal InternalDirectory `sconf:"optional" sconf-doc:"Settings for type internal."`
	LDAP     LDAPDirectory     `sconf:"optional" sconf-doc:"Settings for type ldap."`
	SQL      SQLDirectory      `sconf:"optional" sconf-doc:"Settings for type sql."`
	IMAP     IMAPDirectory     `sconf:"optional" sconf-doc:"Settings for type imap."`
	SMTP     SMTPDirectory     `sconf:"optional" sconf-doc:"Settings for types smtp and lmtp."`
	Memory   MemoryDirectory   `sconf:"optional" sconf-doc:"Settings for type memory."`
}

// Pool bounds the connections a directory keeps to its backend server.
type Pool struct {
	MaxConnections int           `sconf:"optional" sconf-doc:"Maximum number of open connections. Default 10."`
	CreateTimeout  time.Duration `sconf:"optional" sconf-doc:"Maximum time to set up a new connection. Default 30s."`
	WaitTimeout    time.Duration `sconf:"optional" sconf-doc:"Maximum time to wait for a connection when all are in use. Default 30s."`
	RecycleTimeout time.Duration `sconf:"optional" sconf-doc:"Idle connections older than this are closed and replaced. Default 30s."`
}

// InternalDirectory stores principals in an embedded database.
type InternalDirectory struct {
	Path string `sconf:"optional" sconf-doc:"Path of the database file. Default: a file named after the directory id in the data directory."`
}

// LDAPDirectory projects LDAP entries into principals.
type LDAPDirectory struct {
	Address         string `sconf-doc:"Host and port of the LDAP server, e.g. ldap.example.com:389."`
	TLS             string `sconf:"optional" sconf-doc:"Empty or off for plain, starttls to upgrade, tls for immediate TLS."`
	BindDN          string `sconf:"optional" sconf-doc:"DN to bind with for searches. Empty for anonymous."`
	BindPassword    string `sconf:"optional" sconf-doc:"Password for BindDN."`
	BaseDN          string `sconf-doc:"Search base, e.g. ou=people,dc=example,dc=com."`
	Filter          string `sconf-doc:"Search filter with one %s for the name, e.g. (&(objectClass=posixAccount)(uid=%s))."`
	NameAttr        string `sconf-doc:"Attribute with the principal name, e.g. uid."`
	EmailAttr       string `sconf:"optional" sconf-doc:"Attribute with email addresses, e.g. mail."`
	DescriptionAttr string `sconf:"optional" sconf-doc:"Attribute with the description, e.g. cn."`
	QuotaAttr       string `sconf:"optional" sconf-doc:"Attribute with the storage quota in bytes."`
	IDAttr          string `sconf:"optional" sconf-doc:"Attribute with the numeric principal id, e.g. uidNumber."`
	MemberOfAttr    string `sconf:"optional" sconf-doc:"Attribute with numeric ids of groups the principal is a member of, e.g. gidNumber."`
	MembersFilter   string `sconf:"optional" sconf-doc:"Search filter with one %d for a group id, selecting the group's members."`
	Pool            Pool   `sconf:"optional" sconf-doc:"Connection pool limits."`
}

// SQLDirectory projects SQL rows into principals.
type SQLDirectory struct {
	Driver        string `sconf:"optional" sconf-doc:"Database driver, default sqlite."`
	DSN           string `sconf-doc:"Data source name, e.g. the database file path for sqlite."`
	QueryFind     string `sconf-doc:"Query selecting one principal row by name (one placeholder parameter). Columns are mapped by name: id, type, quota, name, description, secret, email."`
	QuerySecrets  string `sconf:"optional" sconf-doc:"Query selecting secret rows by name. Without it the secret column of QueryFind is used."`
	QueryEmails   string `sconf:"optional" sconf-doc:"Query selecting email rows by name, first is primary."`
	QueryMembers  string `sconf:"optional" sconf-doc:"Query selecting member id rows by group id."`
	QueryMemberOf string `sconf:"optional" sconf-doc:"Query selecting group id rows by name."`
	Pool          Pool   `sconf:"optional" sconf-doc:"Connection limits, applied to the database/sql pool."`
}

// IMAPDirectory verifies credentials against an IMAP server.
type IMAPDirectory struct {
	Address string `sconf-doc:"Host and port, e.g. imap.example.com:143."`
	TLS     string `sconf:"optional" sconf-doc:"Empty or off for plain, starttls to upgrade, tls for immediate TLS."`
	Pool    Pool   `sconf:"optional" sconf-doc:"Connection pool limits."`
}

// SMTPDirectory probes an SMTP or LMTP server.
type SMTPDirectory struct {
	Address      string `sconf-doc:"Host and port, e.g. mail.example.com:25."`
	TLS          string `sconf:"optional" sconf-doc:"Empty or off for plain, starttls to upgrade, tls for immediate TLS."`
	HeloHostname string `sconf:"optional" sconf-doc:"Hostname to present in EHLO/LHLO. Default localhost."`
	MailFrom     string `sconf:"optional" sconf-doc:"Envelope sender for recipient probes. Default the null sender."`
	Domain       string `sconf:"optional" sconf-doc:"Domain appended to bare names before probing."`
	Pool         Pool   `sconf:"optional" sconf-doc:"Connection pool limits."`
}

// MemoryDirectory defines all principals in the config file.
type MemoryDirectory struct {
	Principals map[string]MemoryPrincipal `sconf-doc:"Principals by name."`
}

// MemoryPrincipal is one config-defined principal.
type MemoryPrincipal struct {
	ID          uint32   `sconf:"optional" sconf-doc:"Numeric id, needed for group membership. Must be unique when set."`
	Type        string   `sconf:"optional" sconf-doc:"One of: individual, group, resource, location, superuser, list, other. Default individual."`
	Quota       uint64   `sconf:"optional" sconf-doc:"Storage quota in bytes. 0 is unlimited."`
	Description string   `sconf:"optional"`
	Secret      string   `sconf:"optional" sconf-doc:"Password, either a bcrypt hash (starting with $2) or plain text."`
	Emails      []string `sconf:"optional" sconf-doc:"Email addresses, first is primary."`
	MemberOf    []uint32 `sconf:"optional" sconf-doc:"Ids of groups this principal is a member of."`

	ParsedType principal.Type `sconf:"-" json:"-"` // Set when parsing config.
}

// Lookup configures a standalone lookup list, usable by front-ends for
// address rewriting and access lists.
type Lookup struct {
	Type      string   `sconf-doc:"One of: list, glob, regex, map."`
	Comment   string   `sconf:"optional" sconf-doc:"Lines starting with this marker are skipped."`
	Separator string   `sconf:"optional" sconf-doc:"Key/value separator for type map. Empty makes the whole line the key."`
	Lines     []string `sconf:"optional" sconf-doc:"The list contents, one entry per line."`

	Matcher *lookup.Matcher `sconf:"-" json:"-"` // Compiled when parsing config.
}
