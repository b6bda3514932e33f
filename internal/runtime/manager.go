// Package runtime implements the Manager described in spec §4.G: loads
// configuration, the schema registry, and the sensor catalog, then
// instantiates every configured worker through a closed, static
// class-path registry built at link time. Unknown class paths are a
// configuration error (spec §7 "Configuration" row).
//
// Each worker gets its own bus.Client, mirroring the per-module MQTT
// connection in core/intercom.py's MQTTMessenger — there is no shared
// downlink to demultiplex, and one worker's broker churn never stalls
// another's subscription.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dabamos/openadms-node/internal/bus"
	"github.com/dabamos/openadms-node/internal/config"
	"github.com/dabamos/openadms-node/internal/module"
	"github.com/dabamos/openadms-node/internal/schema"
	"github.com/dabamos/openadms-node/internal/sensor"
	"github.com/dabamos/openadms-node/internal/worker"
	"golang.org/x/sync/errgroup"
)

// Deps is the shared context every worker constructor receives.
type Deps struct {
	Config  *config.Config
	Schema  *schema.Registry
	Catalog *sensor.Catalog
	Logger  *slog.Logger

	// Manager is the owning Manager itself, for workers that report on
	// or control the rest of the roster (status publisher, local HTTP
	// status page). Set once Load begins; never nil inside a constructor.
	Manager *Manager
}

// Constructor builds the worker named name whose configuration class
// path is classPath (e.g. "modules.processing.PreProcessor"). cfg is the
// worker's own subtree, config.<name>, already pulled from the document
// — constructors do not walk the tree themselves.
type Constructor func(name, classPath string, cfg map[string]any, deps *Deps) (*worker.Worker, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds classPath to the static worker-class registry. Intended
// to be called from a leaf worker package's init(), the way database/sql
// drivers register themselves — runtime never imports those packages
// directly, so there is no import cycle.
func Register(classPath string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[classPath] = ctor
}

func lookup(classPath string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[classPath]
	return ctor, ok
}

// entry pairs an instantiated worker with the module container that runs
// it and the bus client feeding it.
type entry struct {
	name   string
	worker *worker.Worker
	client *bus.Client
	module *module.Module
}

// Manager owns the collective lifecycle of every configured worker.
type Manager struct {
	cfg     *config.Config
	schema  *schema.Registry
	catalog *sensor.Catalog
	logger  *slog.Logger

	mu         sync.RWMutex
	entries    map[string]*entry
	configPath string
}

// New builds a Manager from already-loaded configuration, schema
// registry, and sensor catalog (spec §4.G step 1 — "Loads the
// configuration, constructs the schema registry, project/node
// singletons, and the sensor catalog").
func New(cfg *config.Config, schemaRegistry *schema.Registry, catalog *sensor.Catalog, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		schema:  schemaRegistry,
		catalog: catalog,
		logger:  logger.With("component", "manager"),
		entries: map[string]*entry{},
	}
}

// Load instantiates every worker named in core.modules by resolving its
// class path against the static registry. An unknown class path is a
// configuration error and aborts the whole load (spec §7).
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, classPath := range m.cfg.Modules {
		ctor, ok := lookup(classPath)
		if !ok {
			return fmt.Errorf("manager: unknown class path %q for worker %q", classPath, name)
		}

		// Validate the worker's own config.<name> subtree against its
		// class-path schema before ever constructing it (spec §4.B:
		// "failing validation is a hard error that prevents the owning
		// worker from starting"). A missing schema is only a warning.
		if err := m.schema.ResolveForClass(classPath); err != nil {
			m.logger.Warn("no schema for class path, proceeding unvalidated", "classPath", classPath, "error", err)
		} else if m.cfg.Sub(name) != nil {
			if _, err := m.schema.GetValidConfig(m.cfg, classPath, name); err != nil {
				return fmt.Errorf("manager: config validation failed for worker %q (%s): %w", name, classPath, err)
			}
		}

		sub, _ := m.cfg.Sub(name).(map[string]any)
		deps := &Deps{Config: m.cfg, Schema: m.schema, Catalog: m.catalog, Logger: m.logger, Manager: m}

		w, err := ctor(name, classPath, sub, deps)
		if err != nil {
			return fmt.Errorf("manager: construct %q (%s): %w", name, classPath, err)
		}

		client := bus.New(m.cfg.MQTT, m.cfg.Project.ID, m.logger)
		mod := module.New(w, client, m.schema, m.logger)

		m.entries[name] = &entry{name: name, worker: w, client: client, module: mod}
	}
	return nil
}

// StartAll connects every worker's bus client and starts its module
// consumer, fanning out concurrently (spec §4.G "startAll").
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := e.client.Connect(gctx); err != nil {
				return fmt.Errorf("manager: start %q: %w", e.name, err)
			}
			if err := e.module.Start(gctx); err != nil {
				return fmt.Errorf("manager: start %q: %w", e.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("all workers started", "count", len(entries))
	return nil
}

// StopAll stops every module's consumer and disconnects its bus client,
// fanning out concurrently (spec §4.G "stopAll").
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.module.Stop()
			if err := e.client.Disconnect(ctx); err != nil {
				m.logger.Warn("disconnect failed", "worker", e.name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// KillAll is StopAll without waiting for a clean broker disconnect —
// used by restart, which does not need disconnect acknowledgement
// (spec §4.G "killAll").
func (m *Manager) KillAll() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.module.Stop()
		}()
	}
	wg.Wait()
}

// Restart performs killAll; sleep 3s; reload all state; startAll, per
// spec §4.G. The configuration and the sensor catalog are rebuilt from
// the config file; the schema registry is kept as it is.
func (m *Manager) Restart(ctx context.Context) error {
	m.KillAll()
	time.Sleep(3 * time.Second)

	cfg, err := config.Load(m.currentConfigPath())
	if err != nil {
		return fmt.Errorf("manager: restart: reload config: %w", err)
	}
	sensorsCfg, _ := cfg.Sub("sensors").(map[string]any)
	catalog, err := sensor.NewCatalog(sensorsCfg)
	if err != nil {
		return fmt.Errorf("manager: restart: rebuild sensor catalog: %w", err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.catalog = catalog
	m.entries = map[string]*entry{}
	m.mu.Unlock()

	if err := m.Load(); err != nil {
		return fmt.Errorf("manager: restart: reload workers: %w", err)
	}
	return m.StartAll(ctx)
}

// currentConfigPath is overridden by SetConfigPath; restart needs the
// original file path to re-read it from disk.
func (m *Manager) currentConfigPath() string {
	return m.configPath
}

// SetConfigPath records the path Load was given, so Restart can re-read
// the same file.
func (m *Manager) SetConfigPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configPath = path
}

// Roster returns every worker name currently managed, for the status
// worker's module roster (spec §4.I).
func (m *Manager) Roster() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.worker.IsRunning()
	}
	return out
}

// Worker returns the named worker, for callers (the HTTP status page)
// that need to issue start/stop control directly.
func (m *Manager) Worker(name string) (*worker.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.worker, true
}
