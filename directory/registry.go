package directory

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/mjl-/postdir/mlog"
)

// Diagnostic is a per-directory construction failure recorded while building
// a registry: a bad or missing config key, an unknown backend type, an
// unresolved store reference. The failing directory is skipped, the others
// keep working.
type Diagnostic struct {
	Directory string // Configured directory id.
	Key       string // Configuration scope the failure is recorded against, e.g. "directory.d1.type".
	Message   string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Key, d.Message)
}

// Registry is the named collection of configured directories, built in one
// pass at startup or reload and replaced as a whole. Directories that failed
// construction are represented by a Diagnostic instead of an entry.
type Registry struct {
	dirs  map[string]Directory
	diags []Diagnostic
}

// NewRegistry returns an empty registry for a build pass to fill.
func NewRegistry() *Registry {
	return &Registry{dirs: map[string]Directory{}}
}

// Add inserts a successfully constructed directory under its configured id.
func (r *Registry) Add(id string, dir Directory) {
	r.dirs[id] = dir
}

// AddDiagnostic records a construction failure for the directory with the
// given id, against the configuration key that caused it.
func (r *Registry) AddDiagnostic(id, key string, err error) {
	r.diags = append(r.diags, Diagnostic{id, key, err.Error()})
}

// Lookup returns the directory with the given id. An unknown id is a caller
// error, not a directory failure.
func (r *Registry) Lookup(id string) (Directory, bool) {
	dir, ok := r.dirs[id]
	return dir, ok
}

// IDs returns the ids of all working directories, sorted.
func (r *Registry) IDs() []string {
	var l []string
	for id := range r.dirs {
		l = append(l, id)
	}
	slices.Sort(l)
	return l
}

// Diagnostics returns the construction failures recorded while building.
func (r *Registry) Diagnostics() []Diagnostic {
	return slices.Clone(r.diags)
}

// Close closes all directories, logging rather than failing on errors.
func (r *Registry) Close(log mlog.Log) {
	for id, dir := range r.dirs {
		if err := dir.Close(); err != nil {
			log.Errorx("closing directory", err, slog.String("directory", id))
		}
	}
}
