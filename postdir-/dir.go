package postdir

import (
	"path/filepath"
)

// ConfigDirPath returns the path to f relative to the directory of the
// config file, unless f is absolute.
func ConfigDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(ConfigPath), f)
}

// DataDirPath returns the path to f relative to the configured data
// directory, unless f is absolute.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(ConfigDirPath(Conf.File().DataDir), f)
}
