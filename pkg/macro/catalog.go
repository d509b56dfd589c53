package macro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/telemetry"
)

// ScriptExt is the extension of macro scripts.
const ScriptExt = ".star"

// GetMacroList returns the names of the macro scripts in dir, without
// extension, sorted.
func GetMacroList(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read macro dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ScriptExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ScriptExt))
	}
	sort.Strings(names)
	return names, nil
}

// Resolve returns the script path of the macro called name in dir.
func Resolve(dir, name string) (string, error) {
	if filepath.Ext(name) != ScriptExt {
		name += ScriptExt
	}
	if !filepath.IsLocal(name) {
		return "", engine.NewBadRequestError(fmt.Sprintf("invalid macro name %q", name), nil)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", engine.NewNotFoundError(fmt.Sprintf("macro %s not found", name), err)
		}
		return "", fmt.Errorf("failed to stat macro: %w", err)
	}
	return path, nil
}

// Catalog caches macro lists per directory. A change in a watched directory
// drops its cached list.
type Catalog struct {
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger

	mu    sync.Mutex
	lists map[string][]string
}

// NewCatalog creates a catalog that watches until ctx is done.
func NewCatalog(ctx context.Context, tel *telemetry.Telemetry) (*Catalog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	c := &Catalog{
		watcher: watcher,
		logger:  telemetry.OrNop(tel).Logger.NewComponentLogger("macro-catalog"),
		lists:   make(map[string][]string),
	}
	go c.processEvents(ctx)
	return c, nil
}

// List returns the macros in dir, reading the directory only when the cached
// list is missing or stale.
func (c *Catalog) List(dir string) ([]string, error) {
	dir = filepath.Clean(dir)
	c.mu.Lock()
	names, ok := c.lists[dir]
	c.mu.Unlock()
	if ok {
		return names, nil
	}

	// watch before reading so a change in between invalidates the new entry
	if err := c.watcher.Add(dir); err != nil {
		c.logger.WithError(err).WithField("dir", dir).Warn("failed to watch macro dir")
	}
	names, err := GetMacroList(dir)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lists[dir] = names
	c.mu.Unlock()
	return names, nil
}

// Close stops watching.
func (c *Catalog) Close() error {
	return c.watcher.Close()
}

func (c *Catalog) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = c.watcher.Close()
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.invalidate(filepath.Dir(event.Name))
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				c.invalidate(event.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.WithError(err).Warn("macro watcher error")
		}
	}
}

func (c *Catalog) invalidate(dir string) {
	c.mu.Lock()
	delete(c.lists, filepath.Clean(dir))
	c.mu.Unlock()
}
