package httpstatus

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dabamos/openadms-node/internal/config"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/schema"
	"github.com/dabamos/openadms-node/internal/sensor"
	"github.com/dabamos/openadms-node/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func init() {
	runtime.Register("test.httpstatus.Echo", func(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
		return worker.New(name, classPath, deps.Logger), nil
	})
}

func testManager(t *testing.T) *runtime.Manager {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/config.json"
	doc := `{
		"core": {
			"project": {"id": "proj", "name": "Project"},
			"node": {"id": "node1", "name": "Node"},
			"intercom": {"mqtt": {"host": "localhost", "port": 1883}},
			"modules": {"echoWorker": "test.httpstatus.Echo"}
		},
		"echoWorker": {}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	reg := schema.NewRegistry(t.TempDir(), discardLogger())
	cat, _ := sensor.NewCatalog(nil)
	m := runtime.New(cfg, reg, cat, discardLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func TestHandleIndexListsModulesAndSensors(t *testing.T) {
	m := testManager(t)
	cat, _ := sensor.NewCatalog(map[string]any{
		"sensorA": map[string]any{"type": "totalStation"},
	})

	s := NewServer("127.0.0.1", 0, m, cat, nil, discardLogger())

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.handleIndex(rec, req)

	var resp indexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Modules) != 1 || resp.Modules[0].Name != "echoWorker" {
		t.Fatalf("modules = %+v, want [echoWorker]", resp.Modules)
	}
	if len(resp.Sensors) != 1 || resp.Sensors[0] != "sensorA" {
		t.Fatalf("sensors = %v, want [sensorA]", resp.Sensors)
	}
}

func TestHandleIndexStopActionStopsModule(t *testing.T) {
	m := testManager(t)
	cat, _ := sensor.NewCatalog(nil)
	s := NewServer("127.0.0.1", 0, m, cat, nil, discardLogger())

	req := httptest.NewRequest("GET", "/?module=echoWorker&action=stop", nil)
	rec := httptest.NewRecorder()
	s.handleIndex(rec, req)

	w, ok := m.Worker("echoWorker")
	if !ok {
		t.Fatal("expected echoWorker to exist")
	}
	if w.IsRunning() {
		t.Fatal("expected echoWorker to be stopped after ?action=stop")
	}
}

func TestHandleIndexUnknownModuleReportsError(t *testing.T) {
	m := testManager(t)
	cat, _ := sensor.NewCatalog(nil)
	s := NewServer("127.0.0.1", 0, m, cat, nil, discardLogger())

	req := httptest.NewRequest("GET", "/?module=ghost&action=stop", nil)
	rec := httptest.NewRecorder()
	s.handleIndex(rec, req)

	var resp indexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error reported for an unknown module")
	}
}

func TestHandleLogsReturnsBufferedEntries(t *testing.T) {
	m := testManager(t)
	cat, _ := sensor.NewCatalog(nil)
	logs := NewRingBuffer(10)
	logs.Append("hello")
	s := NewServer("127.0.0.1", 0, m, cat, logs, discardLogger())

	req := httptest.NewRequest("GET", "/logs", nil)
	rec := httptest.NewRecorder()
	s.handleLogs(rec, req)

	var entries []string
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 1 || entries[0] != "hello" {
		t.Fatalf("entries = %v, want [hello]", entries)
	}
}
