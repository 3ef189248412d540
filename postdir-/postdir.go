// Package postdir provides the runtime glue for the postdir commands:
// configuration loading and checking, building the directory registry from
// the configuration, data directory paths and process lifecycle.
package postdir

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mjl-/postdir/config"
	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/storedir"
)

var pkglog = mlog.New("postdir", nil)

// Pedantic enables stricter checking of configuration.
var Pedantic bool

// ConfigPath is set early in program startup, other paths are derived from
// its directory.
var ConfigPath string

// Shutdown is canceled when a graceful shutdown is initiated. SMTP, IMAP and
// admin connections and in-progress backend operations check it to abort.
var Shutdown context.Context = context.Background()
var ShutdownCancel func() = func() {}

// Context is the main program context, canceled after Shutdown plus a grace
// period.
var Context context.Context = context.Background()

// Conf holds the parsed configuration and the directories built from it.
// On reload the registry is replaced as a whole.
var Conf = Config{Log: map[string]slog.Level{"": mlog.LevelError}}

type Config struct {
	Log map[string]slog.Level

	mu       sync.Mutex
	file     config.Config
	registry *directory.Registry
	internal map[string]*storedir.Store // Internal stores by directory id, for management writes.
}

// File returns the parsed configuration file.
func (c *Config) File() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file
}

// Registry returns the current directory registry, never nil. Before the
// first configuration load, and while a reload is rebuilding directories, it
// is empty and lookups fail with not-found.
func (c *Config) Registry() *directory.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry == nil {
		c.registry = directory.NewRegistry()
	}
	return c.registry
}

// InternalStore returns the store behind the internal directory with the
// given id, bypassing any cache. Management operations need it for
// read-your-writes.
func (c *Config) InternalStore(id string) (*storedir.Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.internal[id]
	return s, ok
}

// InternalIDs returns the ids of the internal directories, for commands that
// operate on "the" internal store when only one is configured.
func (c *Config) InternalIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var l []string
	for id := range c.internal {
		l = append(l, id)
	}
	return l
}

// closeRegistry closes the current registry, if any, and installs an empty
// one. Called before building the replacement on reload so internal
// directories can reopen their databases. Concurrent callers see the empty
// registry while the rebuild runs, their lookups fail with not-found instead
// of finding a closed directory.
func (c *Config) closeRegistry(log mlog.Log) {
	c.mu.Lock()
	old := c.registry
	c.registry = directory.NewRegistry()
	c.internal = nil
	c.mu.Unlock()
	if old != nil {
		old.Close(log)
	}
}

// replace installs a newly built configuration and registry.
func (c *Config) replace(file config.Config, reg *directory.Registry, internal map[string]*storedir.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.file = file
	c.registry = reg
	c.internal = internal
}
