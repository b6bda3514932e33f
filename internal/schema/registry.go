// Package schema implements the configuration schema registry described
// in spec §4.B: named JSON-Schema documents, resolved either by a
// logical name bound at startup or by a worker's class-path string, used
// to validate a subtree of the configuration document before the owning
// worker is allowed to start.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/dabamos/openadms-node/internal/config"
)

// cacheEntry is one row of the on-disk registry cache — logical name to
// schema-file path, so a restart doesn't need to re-walk the schemas/
// tree before the first getValidConfig call.
type cacheEntry struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Registry resolves and validates configuration subtrees against named
// JSON Schema Draft 4 documents.
type Registry struct {
	root   string
	logger *slog.Logger

	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	paths    map[string]string

	watcher *fsnotify.Watcher
}

// NewRegistry creates a registry rooted at a schemas/ directory.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		root:     root,
		logger:   logger.With("component", "schema"),
		compiled: map[string]*jsonschema.Schema{},
		paths:    map[string]string{},
	}
}

// PathForClass derives the schema file path for a class-path string, per
// spec §4.B / §6: "modules.processing.PreProcessor" ->
// "modules/processing/preprocessor.json".
func PathForClass(classPath string) string {
	parts := strings.Split(classPath, ".")
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	last := len(parts) - 1
	return filepath.Join(append(append([]string{}, parts[:last]...), parts[last]+".json")...)
}

// AddSchema compiles and registers the schema at root/relPath under the
// given logical name. Logical names are bound once at startup
// ("observation", "email", "alert", "status", …); class-path names are
// bound lazily on first use via ResolveForClass.
func (r *Registry) AddSchema(name, relPath string) error {
	full := filepath.Join(r.root, relPath)
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft4
	sch, err := compiler.Compile(full)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", full, err)
	}

	r.mu.Lock()
	r.compiled[name] = sch
	r.paths[name] = relPath
	r.mu.Unlock()
	return nil
}

// ResolveForClass lazily compiles and caches the schema for classPath,
// registering it under the class path itself as its logical name. It
// returns an error if the schema file cannot be compiled.
func (r *Registry) ResolveForClass(classPath string) error {
	r.mu.RLock()
	_, ok := r.compiled[classPath]
	r.mu.RUnlock()
	if ok {
		return nil
	}
	return r.AddSchema(classPath, PathForClass(classPath))
}

// LoadAll seeds the well-known logical-name schemas (spec §4.B item 1).
// Missing files are logged as warnings, per the "missing schema is a
// warning" policy — they do not prevent the registry from starting.
func (r *Registry) LoadAll() {
	wellKnown := map[string]string{
		"observation": "observation.json",
		"service":     "service.json",
		"heartbeat":   "heartbeat.json",
		"status":      "status.json",
		"alert":       "alert.json",
	}
	for name, rel := range wellKnown {
		if err := r.AddSchema(name, rel); err != nil {
			r.logger.Warn("schema not loaded", "name", name, "error", err)
		}
	}
}

// IsValid validates data against the named schema. It returns nil if
// data is valid, ErrNoSchema if no schema is registered under name, and
// the validation error otherwise.
func (r *Registry) IsValid(name string, data any) error {
	r.mu.RLock()
	sch, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSchema
	}

	buf, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("schema: marshal payload for %q: %w", name, err)
	}
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return fmt.Errorf("schema: unmarshal payload for %q: %w", name, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema: %q: %w", name, err)
	}
	return nil
}

// ErrNoSchema is returned by IsValid when no schema is registered under
// the given name.
var ErrNoSchema = fmt.Errorf("schema: no schema registered")

// GetValidConfig walks cfg's tree along path, validates the resulting
// subtree against schemaName, and returns it. A missing schema logs a
// warning and returns the subtree unvalidated; a validation failure is a
// hard error (spec §4.B) — the caller must not start the owning worker.
func (r *Registry) GetValidConfig(cfg *config.Config, schemaName string, path ...string) (map[string]any, error) {
	sub := cfg.Sub(path...)
	if sub == nil {
		return nil, fmt.Errorf("schema: config path %v not found", path)
	}
	subtree, ok := sub.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema: config path %v is not an object", path)
	}

	switch err := r.IsValid(schemaName, subtree); {
	case err == nil:
		return subtree, nil
	case err == ErrNoSchema:
		r.logger.Warn("no schema registered, skipping validation", "schema", schemaName, "path", path)
		return subtree, nil
	default:
		return nil, err
	}
}

// Watch starts an fsnotify watch on the schemas/ tree and recompiles any
// schema whose file changes, so an edited schema is picked up without a
// process restart. Watch blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schema: watcher: %w", err)
	}
	r.watcher = w
	defer w.Close()

	// fsnotify watches are not recursive, so every directory of the tree
	// is added, including the class-path subdirectories.
	if err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("schema: watch %s: %w", r.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.reloadPathChanged(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("schema watcher error", "error", err)
		}
	}
}

func (r *Registry) reloadPathChanged(changed string) {
	rel, err := filepath.Rel(r.root, changed)
	if err != nil {
		return
	}
	r.mu.RLock()
	var name string
	for n, p := range r.paths {
		if p == rel {
			name = n
			break
		}
	}
	r.mu.RUnlock()
	if name == "" {
		return
	}
	if err := r.AddSchema(name, rel); err != nil {
		r.logger.Warn("schema hot-reload failed", "name", name, "error", err)
		return
	}
	r.logger.Info("schema hot-reloaded", "name", name, "path", rel)
}

// SaveCache writes the logical-name-to-path mapping to a YAML cache
// file, so the next startup can skip re-deriving class-path schema
// locations before the first getValidConfig call.
func (r *Registry) SaveCache(path string) ([]byte, error) {
	r.mu.RLock()
	entries := make([]cacheEntry, 0, len(r.paths))
	for name, p := range r.paths {
		entries = append(entries, cacheEntry{Name: name, Path: p})
	}
	r.mu.RUnlock()
	buf, err := yaml.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal cache: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("schema: write cache %s: %w", path, err)
	}
	return buf, nil
}
