/*
Package config holds the configuration file definitions.

Postdir uses one config file, postdir.conf. It is read at startup and on
SIGHUP, a reload rebuilds all directories. If the file contains an error per
directory, that directory is skipped and the others keep working; errors in
the global section abort the reload.

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

Use "postdir config describe" to print an annotated empty config file, and
"postdir config example" for a small working example.
*/
package config

// NOTE: do not rename struct fields, they are the keys in the config file.
