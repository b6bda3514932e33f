package alert

import (
	"testing"

	"github.com/dabamos/openadms-node/internal/config"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

func testDeps() *runtime.Deps {
	return &runtime.Deps{
		Config: &config.Config{
			Project: config.ProjectConfig{ID: "proj1", Name: "Project One"},
			Node:    config.NodeConfig{ID: "node1", Name: "Node One"},
		},
		Logger: discardLogger(),
	}
}

func TestProcessAlertMessagesSubstitutesPlaceholders(t *testing.T) {
	w := worker.New("formatter", FormatterClassPath, discardLogger())
	var publishedTail string
	var publishedPayload map[string]any
	w.SetUplink(func(tail string, header, payload map[string]any, retain bool) {
		publishedTail = tail
		publishedPayload = payload
	})

	f := &Formatter{
		w:        w,
		deps:     testDeps(),
		receiver: "emailSender",
		msgType:  "text",
		templates: templates{
			header: "Alerts for {{node}} ({{project}}):\n",
			body:   "[{{level}}] {{message}}\n",
			footer: "-- end --",
		},
	}

	f.processAlertMessages("ops@example.com", []map[string]any{
		{"level": "warn", "message": "disk low"},
	})

	if publishedTail != "emailSender" {
		t.Fatalf("published to %q, want emailSender", publishedTail)
	}
	msg, _ := publishedPayload["message"].(string)
	want := "Alerts for Node One (Project One):\n[warn] disk low\n-- end --"
	if msg != want {
		t.Fatalf("message = %q, want %q", msg, want)
	}
}

func TestProcessAlertMessagesRequiresReceiver(t *testing.T) {
	w := worker.New("formatter", FormatterClassPath, discardLogger())
	called := false
	w.SetUplink(func(tail string, header, payload map[string]any, retain bool) { called = true })

	f := &Formatter{w: w, deps: testDeps(), receiver: "emailSender"}
	f.processAlertMessages("", []map[string]any{{"level": "warn", "message": "x"}})

	if called {
		t.Fatal("must not publish when no receiver is given")
	}
}

func TestHandleAlertCollectsWhenEnabled(t *testing.T) {
	f := &Formatter{
		deps:    testDeps(),
		collect: true,
		cache:   map[string][]map[string]any{},
	}
	f.handleAlert(nil, map[string]any{"receiver": "ops@example.com", "message": "a"})
	f.handleAlert(nil, map[string]any{"receiver": "ops@example.com", "message": "b"})

	if len(f.cache["ops@example.com"]) != 2 {
		t.Fatalf("expected 2 cached alerts, got %d", len(f.cache["ops@example.com"]))
	}
}

func TestHandleAlertProcessesImmediatelyWhenNotCollecting(t *testing.T) {
	w := worker.New("formatter", FormatterClassPath, discardLogger())
	called := false
	w.SetUplink(func(tail string, header, payload map[string]any, retain bool) { called = true })

	f := &Formatter{w: w, deps: testDeps(), collect: false, receiver: "emailSender", templates: templates{body: "{{message}}"}}
	f.handleAlert(nil, map[string]any{"receiver": "ops@example.com", "message": "urgent"})

	if !called {
		t.Fatal("expected immediate publish when collection is disabled")
	}
}
