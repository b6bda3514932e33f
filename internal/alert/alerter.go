package alert

import (
	"context"
	"strings"
	"time"

	"github.com/dabamos/openadms-node/internal/events"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// AlerterClassPath is the static registry key for the Alerter worker.
const AlerterClassPath = "modules.notification.Alerter"

func init() {
	runtime.Register(AlerterClassPath, buildAlerter)
}

// moduleTarget is one entry of the alerter's "modules" config: a
// transport module (e.g. "emailSender") plus its per-level receiver
// lists, matching notification.py's Alerter._modules.
type moduleTarget struct {
	name      string
	enabled   bool
	receivers map[string][]string // level -> receiver names
}

// Alerter drains WARNING-and-above log records from the shared events
// bus and fires one alert message per configured receiver per record,
// matching notification.py's Alerter.fire.
type Alerter struct {
	w       *worker.Worker
	bus     *events.Bus
	modules []moduleTarget
	enabled bool
}

func buildAlerter(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	enabled := true
	if v, ok := cfg["enabled"].(bool); ok {
		enabled = v
	}

	var modules []moduleTarget
	if raw, ok := cfg["modules"].(map[string]any); ok {
		for modName, mraw := range raw {
			m, ok := mraw.(map[string]any)
			if !ok {
				continue
			}
			mt := moduleTarget{name: modName, receivers: map[string][]string{}}
			if en, ok := m["enabled"].(bool); ok {
				mt.enabled = en
			}
			if recv, ok := m["receivers"].(map[string]any); ok {
				for level, list := range recv {
					la, _ := list.([]any)
					names := make([]string, 0, len(la))
					for _, n := range la {
						if s, ok := n.(string); ok {
							names = append(names, s)
						}
					}
					mt.receivers[strings.ToLower(level)] = names
				}
			}
			modules = append(modules, mt)
		}
	}

	w := worker.New(name, classPath, deps.Logger)
	a := &Alerter{w: w, bus: Bus, modules: modules, enabled: enabled}
	w.SetRunner(a.run)
	return w, nil
}

// Bus is the process-wide log-record tap. Set once at startup (main
// wires a TeeHandler onto the root slog handler pointed at this bus)
// before any Alerter worker is built.
var Bus = events.New()

func (a *Alerter) run(ctx context.Context) {
	if !a.enabled {
		return
	}
	ch := a.bus.Subscribe(1000)
	defer a.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			a.fire(rec)
		}
	}
}

func (a *Alerter) fire(rec events.Record) {
	for _, m := range a.modules {
		if !m.enabled {
			continue
		}
		receivers := m.receivers[strings.ToLower(rec.Level)]
		if len(receivers) == 0 {
			continue
		}
		for _, receiver := range receivers {
			payload := map[string]any{
				"dt":       rec.Timestamp.UTC().Format(time.RFC3339),
				"level":    strings.ToLower(rec.Level),
				"name":     rec.Logger,
				"message":  rec.Message,
				"receiver": receiver,
			}
			_ = a.w.Publish(m.name, map[string]any{"type": "alert"}, payload, false)
		}
	}
}
