package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
	"core": {
		"project": {"id": "proj1", "name": "Project One"},
		"node": {"id": "node1", "name": "Node One"},
		"intercom": {"mqtt": {"host": "localhost"}},
		"modules": {"preProcessor": "modules.processing.PreProcessor"}
	}
}`

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Port != 1883 {
		t.Errorf("MQTT.Port = %d, want 1883 default", cfg.MQTT.Port)
	}
	if cfg.MQTT.KeepAlive != 60 {
		t.Errorf("MQTT.KeepAlive = %d, want 60 default", cfg.MQTT.KeepAlive)
	}
	if cfg.Project.ID != "proj1" || cfg.Node.ID != "node1" {
		t.Errorf("unexpected project/node: %+v %+v", cfg.Project, cfg.Node)
	}
	if cfg.Modules["preProcessor"] != "modules.processing.PreProcessor" {
		t.Errorf("module class path not decoded: %+v", cfg.Modules)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"core": {
			"project": {"id": "p"},
			"node": {"id": "n"},
			"intercom": {"mqtt": {"host": "${TEST_MQTT_HOST}"}}
		}
	}`)
	os.Setenv("TEST_MQTT_HOST", "broker.example")
	defer os.Unsetenv("TEST_MQTT_HOST")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Host != "broker.example" {
		t.Errorf("MQTT.Host = %q, want %q", cfg.MQTT.Host, "broker.example")
	}
}

func TestValidate_MissingProjectID(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"core": {"node": {"id": "n"}, "intercom": {"mqtt": {"host": "h"}}}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing core.project.id")
	}
}

func TestFindConfig_Required(t *testing.T) {
	if _, err := FindConfig(""); err == nil {
		t.Fatal("expected error when --config is empty")
	}
}

func TestFindConfig_Missing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestSub(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"core": {"project": {"id": "p"}, "node": {"id": "n"}, "intercom": {"mqtt": {"host": "h"}}},
		"sensors": {"ts1": {"type": "totalStation"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sensors, ok := cfg.Sub("sensors").(map[string]any)
	if !ok {
		t.Fatalf("Sub(\"sensors\") did not return a map: %v", cfg.Sub("sensors"))
	}
	if _, ok := sensors["ts1"]; !ok {
		t.Errorf("expected sensors.ts1 present, got %v", sensors)
	}
}

func TestLoad_TimeSheetOverride(t *testing.T) {
	dir := t.TempDir()
	sheetPath := filepath.Join(dir, "timesheet.toml")
	// jobs.<job>.<weekday> is an array of tables, each {startTime, endTime}.
	sheet := `
[[jobs.getDistance.monday]]
startTime = "08:00:00"
endTime = "12:00:00"
`
	if err := os.WriteFile(sheetPath, []byte(sheet), 0o600); err != nil {
		t.Fatalf("write time sheet: %v", err)
	}

	path := writeConfig(t, dir, `{
		"core": {
			"project": {"id": "p"}, "node": {"id": "n"},
			"intercom": {"mqtt": {"host": "h"}},
			"scheduler": {"timeSheetFile": "timesheet.toml"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TimeSheet == nil {
		t.Fatal("expected TimeSheet to be loaded")
	}
	weekdays := cfg.TimeSheet.Weekdays("getDistance")
	monday, ok := weekdays["monday"].([]any)
	if !ok || len(monday) != 1 {
		t.Fatalf("weekdays[\"monday\"] = %v, want one period", weekdays["monday"])
	}
	period, _ := monday[0].(map[string]any)
	if period["startTime"] != "08:00:00" || period["endTime"] != "12:00:00" {
		t.Errorf("unexpected period: %v", period)
	}
	if cfg.TimeSheet.Weekdays("otherJob") != nil {
		t.Error("expected nil override for a job with no entry")
	}
}
