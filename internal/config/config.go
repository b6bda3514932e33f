// Package config loads the node's single JSON configuration document and
// exposes both the raw tree (for the schema registry's getValidConfig
// walk) and a handful of typed views the core needs at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MQTTConfig is core.intercom.mqtt.
type MQTTConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	KeepAlive int    `json:"keepAlive"`
	User      string `json:"user"`
	Password  string `json:"password"`
	TLS       bool   `json:"tls"`
	ClientID  string `json:"clientId"`
}

// ProjectConfig is core.project.
type ProjectConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NodeConfig is core.node.
type NodeConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Config is the top-level document described in spec §6.
type Config struct {
	Project ProjectConfig     `json:"-"`
	Node    NodeConfig        `json:"-"`
	MQTT    MQTTConfig        `json:"-"`
	Modules map[string]string `json:"-"` // workerName -> classPath

	// TimeSheet holds the optional weekly schedule override loaded from
	// core.scheduler.timeSheetFile, nil if the document doesn't name one.
	TimeSheet *TimeSheet `json:"-"`

	// tree holds the full decoded document, used by the schema registry's
	// getValidConfig tree walk and by individual worker constructors that
	// need their own config.<name> subtree.
	tree map[string]any
}

// FindConfig returns path unchanged if it is non-empty and names an
// existing file, and an error otherwise — the CLI's --config flag is
// required (spec §6), there is no search-path fallback.
func FindConfig(explicit string) (string, error) {
	if explicit == "" {
		return "", fmt.Errorf("config: --config is required")
	}
	if _, err := os.Stat(explicit); err != nil {
		return "", fmt.Errorf("config file not found: %s", explicit)
	}
	return explicit, nil
}

// Load reads path, expands ${VAR} environment references, and decodes the
// JSON document into both the raw tree and the typed top-level views.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))

	var tree map[string]any
	if err := json.Unmarshal([]byte(expanded), &tree); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c := &Config{tree: tree}
	c.applyDefaults()
	if err := c.decodeCore(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if err := c.loadTimeSheet(path); err != nil {
		return nil, err
	}
	return c, nil
}

// loadTimeSheet reads core.scheduler.timeSheetFile, if set, resolving a
// relative path against configPath's own directory so a node's config
// and its hand-edited time sheet travel together.
func (c *Config) loadTimeSheet(configPath string) error {
	sheetPath, _ := c.Sub("core", "scheduler", "timeSheetFile").(string)
	if sheetPath == "" {
		return nil
	}
	if !filepath.IsAbs(sheetPath) {
		sheetPath = filepath.Join(filepath.Dir(configPath), sheetPath)
	}
	ts, err := LoadTimeSheet(sheetPath)
	if err != nil {
		return fmt.Errorf("config: core.scheduler.timeSheetFile: %w", err)
	}
	c.TimeSheet = ts
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults so
// callers downstream can read core.intercom.mqtt.port/keepAlive without
// nil-checking the tree first.
func (c *Config) applyDefaults() {
	core, _ := c.tree["core"].(map[string]any)
	if core == nil {
		core = map[string]any{}
		c.tree["core"] = core
	}
	intercom, _ := core["intercom"].(map[string]any)
	if intercom == nil {
		intercom = map[string]any{}
		core["intercom"] = intercom
	}
	mqtt, _ := intercom["mqtt"].(map[string]any)
	if mqtt == nil {
		mqtt = map[string]any{}
		intercom["mqtt"] = mqtt
	}
	if _, ok := mqtt["port"]; !ok {
		mqtt["port"] = 1883.0
	}
	if _, ok := mqtt["keepAlive"]; !ok {
		mqtt["keepAlive"] = 60.0
	}
}

func (c *Config) decodeCore() error {
	core, _ := c.tree["core"].(map[string]any)
	if core == nil {
		return fmt.Errorf("config: missing top-level \"core\" key")
	}

	if err := remarshal(core["project"], &c.Project); err != nil {
		return fmt.Errorf("config: core.project: %w", err)
	}
	if err := remarshal(core["node"], &c.Node); err != nil {
		return fmt.Errorf("config: core.node: %w", err)
	}
	intercom, _ := core["intercom"].(map[string]any)
	if err := remarshal(intercom["mqtt"], &c.MQTT); err != nil {
		return fmt.Errorf("config: core.intercom.mqtt: %w", err)
	}

	modules := map[string]string{}
	if m, ok := core["modules"].(map[string]any); ok {
		for name, v := range m {
			if s, ok := v.(string); ok {
				modules[name] = s
			}
		}
	}
	c.Modules = modules

	return nil
}

// Validate enforces the minimal invariants the core needs to start at
// all: a project id, a node id, and an MQTT host. Everything below
// core.modules.* is validated per-worker by the schema registry, not
// here (spec §4.B: "missing schema is a warning; failing validation is a
// hard error that prevents the owning worker from starting").
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("core.project.id is required")
	}
	if c.Node.ID == "" {
		return fmt.Errorf("core.node.id is required")
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("core.intercom.mqtt.host is required")
	}
	return nil
}

// Tree returns the full decoded document.
func (c *Config) Tree() map[string]any {
	return c.tree
}

// Sub walks path through the decoded tree (e.g. "sensors" or
// "schedulers"), returning nil if any hop is absent.
func (c *Config) Sub(path ...string) any {
	var cur any = c.tree
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func remarshal(v any, out any) error {
	if v == nil {
		return nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
