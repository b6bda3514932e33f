package scheduler

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dabamos/openadms-node/internal/config"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/sensor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *sensor.Catalog {
	t.Helper()
	cat, err := sensor.NewCatalog(map[string]any{
		"ts1": map[string]any{
			"type": "totalStation",
			"observations": []any{
				map[string]any{
					"name":      "getDistance",
					"enabled":   true,
					"receivers": []any{"exporter"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return cat
}

func TestBuildJobsUsesTimeSheetOverrideWhenPresent(t *testing.T) {
	dir := t.TempDir()
	sheetPath := filepath.Join(dir, "timesheet.toml")
	sheet := `
[[jobs.getDistance.monday]]
startTime = "08:00:00"
endTime = "12:00:00"
`
	if err := os.WriteFile(sheetPath, []byte(sheet), 0o600); err != nil {
		t.Fatalf("write time sheet: %v", err)
	}

	configPath := filepath.Join(dir, "config.json")
	doc := `{
		"core": {
			"project": {"id": "p"}, "node": {"id": "n"},
			"intercom": {"mqtt": {"host": "h"}},
			"scheduler": {"timeSheetFile": "timesheet.toml"}
		}
	}`
	if err := os.WriteFile(configPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.TimeSheet == nil {
		t.Fatal("expected config to load the time sheet override")
	}

	sc := map[string]any{
		"schedules": []any{
			map[string]any{
				"observations": []any{"getDistance"},
				"enabled":      true,
				"startDate":    "2020-01-01",
				"endDate":      "2030-01-01",
				"weekdays":     map[string]any{"tuesday": []any{}},
			},
		},
	}

	deps := &runtime.Deps{Config: cfg, Logger: discardLogger()}
	cat := testCatalog(t)
	sens, _ := cat.Get("ts1")

	jobs, err := buildJobs("sched1", "port1", sc, sens, deps)
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if _, ok := jobs[0].Weekdays["monday"]; !ok {
		t.Fatalf("weekdays = %v, want the time sheet's monday override to win over the inline tuesday entry", jobs[0].Weekdays)
	}
	if _, ok := jobs[0].Weekdays["tuesday"]; ok {
		t.Fatalf("weekdays = %v, inline tuesday entry should have been replaced by the override", jobs[0].Weekdays)
	}
}

func TestBuildJobsFallsBackToInlineWeekdaysWithoutOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	doc := `{
		"core": {
			"project": {"id": "p"}, "node": {"id": "n"},
			"intercom": {"mqtt": {"host": "h"}}
		}
	}`
	if err := os.WriteFile(configPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	sc := map[string]any{
		"schedules": []any{
			map[string]any{
				"observations": []any{"getDistance"},
				"enabled":      true,
				"startDate":    "2020-01-01",
				"endDate":      "2030-01-01",
				"weekdays":     map[string]any{"tuesday": []any{}},
			},
		},
	}

	deps := &runtime.Deps{Config: cfg, Logger: discardLogger()}
	cat := testCatalog(t)
	sens, _ := cat.Get("ts1")

	jobs, err := buildJobs("sched1", "port1", sc, sens, deps)
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}
	if _, ok := jobs[0].Weekdays["tuesday"]; !ok {
		t.Fatalf("weekdays = %v, want inline tuesday entry when no override exists", jobs[0].Weekdays)
	}
}
