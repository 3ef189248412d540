/*
Command postdir is an identity and principal directory server for mail
systems, answering who a user is, how they authenticate, what addresses they
receive mail for and which groups they belong to.

  - Internal directory stored in an embedded database, managed through the
    CLI and an admin HTTP API.
  - Backends for LDAP servers, SQL databases, IMAP servers (verifying
    credentials by logging in) and SMTP/LMTP servers (verifying addresses by
    probing RCPT TO).
  - Optional in-memory caching of lookups per directory, with TTL.
  - Directories that fail to start are reported as diagnostics, the others
    keep working.
  - Auditing of authentication attempts, with retention and per-account caps.
  - Prometheus metrics for lookups, authentication and backend health.

# Commands

	postdir [-config postdir.conf] [-loglevel level] [-pedantic] ...
	postdir serve
	postdir setadminpassword
	postdir loglevels
	postdir config test
	postdir config describe >postdir.conf
	postdir config example >postdir.conf
	postdir principal add name [email ...]
	postdir principal get nameorid
	postdir principal list [prefix]
	postdir principal rm nameorid
	postdir principal setpassword nameorid
	postdir principal update nameorid <updates.json
	postdir find nameorid
	postdir authtest name
	postdir expandgroup groupid
	postdir emails nameorid
	postdir lookup match name key
	postdir version
	postdir help [command ...]

Specify the configuration file through the -config flag or the POSTDIRCONF
environment variable. The data directory, holding the internal directory
databases and the login attempt database, is configured in the configuration
file.

# postdir serve

Start postdir, serving the admin HTTP API.

The configured directories are built at startup. Directories that cannot be
constructed, e.g. because a backend server is down, are skipped with a
diagnostic and the remaining directories keep working. SIGHUP reloads the
configuration file and rebuilds the directories.

	usage: postdir serve

# postdir setadminpassword

Set a new admin password, for the admin HTTP API.

The password is read from stdin. Its bcrypt hash is stored in the configured
admin password file, by default "adminpasswd" in the data directory.

	usage: postdir setadminpassword

# postdir loglevels

Print the configured log levels.

A single default level applies to all logging, with optional overrides per
package, e.g. storedir, ldapdir, sqldir, imapdir, smtpdir, authdb, webadmin.
Valid levels: error, info, debug, trace, traceauth, tracedata.

	usage: postdir loglevels

# postdir config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed. Directories that cannot be constructed, e.g. because a backend
server is unreachable, are reported as errors too.

	usage: postdir config test

# postdir config describe

Prints an annotated empty configuration for use as postdir.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.

	usage: postdir config describe >postdir.conf

# postdir config example

Prints an example configuration with an internal directory, a memory
directory for testing and the admin API enabled.

	usage: postdir config example >postdir.conf

# postdir principal add

Add a principal to the internal directory.

The name must be unique within the directory. An id is assigned by the
database. Email addresses are stored lower-cased, the first is the primary
address.

	usage: postdir principal add name [email ...]
	  -description string
	    	free-form description
	  -directory string
	    	internal directory id, can be empty if only one internal directory is configured
	  -password string
	    	password for the new principal, a bcrypt hash is stored; if empty no password is set
	  -quota uint
	    	storage quota in bytes, 0 is unlimited
	  -type string
	    	principal type, one of: individual, group, resource, location, superuser, list, other (default "individual")

# postdir principal get

Print a principal from the internal directory as JSON.

	usage: postdir principal get nameorid
	  -directory string
	    	internal directory id, can be empty if only one internal directory is configured

# postdir principal list

List principals of the internal directory, in name order.

With a prefix, only principals whose name starts with the prefix are listed.

	usage: postdir principal list [prefix]
	  -directory string
	    	internal directory id, can be empty if only one internal directory is configured
	  -limit int
	    	maximum number of principals to list, 0 for no limit

# postdir principal rm

Remove a principal from the internal directory.

The principal is also removed from the member lists of the groups it was a
member of.

	usage: postdir principal rm nameorid
	  -directory string
	    	internal directory id, can be empty if only one internal directory is configured

# postdir principal setpassword

Set a new password for a principal in the internal directory.

The password is read from stdin. Its bcrypt hash replaces all existing
secrets of the principal.

	usage: postdir principal setpassword nameorid
	  -directory string
	    	internal directory id, can be empty if only one internal directory is configured

# postdir principal update

Apply field-level updates to a principal in the internal directory.

A JSON array of updates is read from stdin and applied atomically. Each
update has an action ("set", "addItem", "removeItem"), a field ("name",
"type", "quota", "description", "secrets", "emails", "memberOf") and a
value. Example:

	[{"action": "set", "field": "quota", "value": 1000000000},
	 {"action": "addItem", "field": "emails", "value": "alias@example.com"}]

	usage: postdir principal update nameorid <updates.json
	  -directory string
	    	internal directory id, can be empty if only one internal directory is configured

# postdir find

Look up a principal by name or numeric id and print it as JSON.

	usage: postdir find nameorid
	  -directory string
	    	directory id to look in, can be empty if only one directory is configured

# postdir authtest

Check credentials against a directory.

The password is read from stdin. On success the authenticated principal is
printed as JSON.

	usage: postdir authtest name
	  -directory string
	    	directory id to authenticate against, can be empty if only one directory is configured

# postdir expandgroup

Print the numeric ids of the members of a group, one per line.

	usage: postdir expandgroup groupid
	  -directory string
	    	directory id to look in, can be empty if only one directory is configured

# postdir emails

Print the email addresses of a principal, one per line, primary first.

	usage: postdir emails nameorid
	  -directory string
	    	directory id to look in, can be empty if only one directory is configured

# postdir lookup match

Evaluate a configured lookup list against a key.

Prints the mapped value for type map, or "match"/"no match" for the other
types. Exits with status 1 on no match.

	usage: postdir lookup match name key

# postdir version

Prints this postdir version.

	usage: postdir version

# postdir help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: postdir help [command ...]
*/
package main

// NOTE: DO NOT EDIT, this file is generated by gendoc.sh.
