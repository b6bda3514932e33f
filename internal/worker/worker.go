// Package worker implements the "Prototype" worker runtime described in
// spec §4.E: a typed handler table, an isRunning gate that only affects
// processObservation (never publishObservation), and the routing
// algorithm that advances an Observation to its next hop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dabamos/openadms-node/internal/observation"
)

// Uplink publishes payload under the given header to a worker-name tail.
// The module container binds this to the bus client's Publish method.
type Uplink func(tail string, header, payload map[string]any, retain bool)

// Runner is a worker's own background loop — schedulers, status
// publishers, heartbeats, and the alerter all spin up one of these in
// the source (each subclass of Prototype starts its own
// threading.Thread in __init__; schedule.py's run_jobs is one example).
// The module container starts it once the worker's uplink is wired.
type Runner func(ctx context.Context)

// Handler processes one decoded message body.
type Handler func(header, payload map[string]any)

// Processor is the extension point named in spec §4.E:
// processObservation(obs) -> obs. The default is identity.
type Processor func(obs *observation.Observation) *observation.Observation

// Worker is the single abstraction spec §9 collapses the source's
// deep-inheritance hierarchy into: handle(message), processObservation,
// setUplink, start/stop.
type Worker struct {
	name      string
	classPath string
	logger    *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	uplink    Uplink
	isRunning atomic.Bool
	process   Processor
	runner    Runner
}

// New creates a worker named name, whose schema/class identity is
// classPath (e.g. "modules.processing.PreProcessor"). The default
// handler table is seeded with "observation" and "service" per spec
// §4.E; process defaults to identity unless SetProcessor is called.
func New(name, classPath string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:      name,
		classPath: classPath,
		logger:    logger.With("worker", name),
		handlers:  map[string]Handler{},
		process:   func(obs *observation.Observation) *observation.Observation { return obs },
	}
	w.isRunning.Store(true)
	w.handlers["observation"] = w.handleObservation
	w.handlers["service"] = w.handleService
	return w
}

// Name returns the worker's unique name.
func (w *Worker) Name() string { return w.name }

// ClassPath returns the class-path-like string used to locate the
// worker's schema.
func (w *Worker) ClassPath() string { return w.classPath }

// SetUplink wires the container's publish function into the worker.
func (w *Worker) SetUplink(fn Uplink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uplink = fn
}

// SetRunner attaches a background loop the module container starts once
// after wiring the worker's uplink. Workers with nothing to run in the
// background (ports, exporters, processing stages) leave this unset.
func (w *Worker) SetRunner(r Runner) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runner = r
}

// Runner returns the attached background loop, or nil.
func (w *Worker) Runner() Runner {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.runner
}

// SetProcessor overrides the processObservation extension point.
func (w *Worker) SetProcessor(p Processor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.process = p
}

// SetHandler registers (or overrides) the handler for a message type.
func (w *Worker) SetHandler(msgType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[msgType] = h
}

// IsRunning reports the worker's running flag.
func (w *Worker) IsRunning() bool { return w.isRunning.Load() }

// Start sets isRunning true. Idempotent.
func (w *Worker) Start() {
	w.isRunning.Store(true)
	w.logger.Debug("worker started")
}

// Stop sets isRunning false. Idempotent. processObservation is then
// bypassed, but publishObservation still runs — routing is never halted
// by a stopped worker (spec §4.E).
func (w *Worker) Stop() {
	w.isRunning.Store(false)
	w.logger.Debug("worker stopped")
}

// Handle implements the dispatch pipeline in spec §4.E:
//  1. header and payload must be present, else drop with a warning.
//  2. header.type selects the handler; unknown types drop with an error.
//  3. (schema validation is performed by the caller before Handle, via
//     the schema registry — see internal/module)
//  4. dispatch to handlers[type].
func (w *Worker) Handle(header, payload map[string]any) {
	if header == nil || payload == nil {
		w.logger.Warn("dropping message: missing header or payload")
		return
	}
	msgType, _ := header["type"].(string)
	if msgType == "" {
		w.logger.Error("dropping message: missing header.type")
		return
	}

	w.mu.RLock()
	h, ok := w.handlers[msgType]
	w.mu.RUnlock()
	if !ok {
		w.logger.Error("dropping message: unknown type", "type", msgType)
		return
	}
	h(header, payload)
}

// handleObservation is the default "observation" handler: process if
// running (always forwarded even when not), then publish onward.
func (w *Worker) handleObservation(_ map[string]any, payload map[string]any) {
	obs := observation.FromMap(payload)

	if w.IsRunning() {
		w.mu.RLock()
		proc := w.process
		w.mu.RUnlock()
		obs = proc(obs)
	}

	w.PublishObservation(obs)
}

// handleService implements the {action: start|stop} control message,
// comparing by value equality per spec §9 (the source's identity-
// operator comparison is not reproduced).
func (w *Worker) handleService(_ map[string]any, payload map[string]any) {
	action, _ := payload["action"].(string)
	switch action {
	case "start":
		w.Start()
	case "stop":
		w.Stop()
	default:
		w.logger.Warn("service message with unknown action", "action", action)
	}
}

// PublishObservation implements the routing rule in spec §4.E:
//   - receivers empty -> terminal (debug log).
//   - nextReceiver < 0 -> error, drop.
//   - nextReceiver >= len(receivers) -> finished (info log).
//   - otherwise: header.from = receivers[nextReceiver-1] (or this
//     worker's name when index is 0), header.type = "observation",
//     increment nextReceiver, call uplink(receivers[index], ...).
func (w *Worker) PublishObservation(obs *observation.Observation) {
	receivers := obs.Receivers()
	index := obs.NextReceiver()

	if len(receivers) == 0 {
		w.logger.Debug("observation has no receivers, routing terminal", "id", obs.ID())
		return
	}
	if index < 0 {
		w.logger.Error("observation has negative nextReceiver, dropping", "id", obs.ID(), "nextReceiver", index)
		return
	}
	if index >= len(receivers) {
		w.logger.Info("observation finished routing", "id", obs.ID())
		return
	}

	from := w.name
	if index > 0 {
		from = receivers[index-1]
	}
	obs.SetNextReceiver(index + 1)

	header := map[string]string{"type": "observation", "from": from}
	headerAny := map[string]any{"type": header["type"], "from": header["from"]}

	w.mu.RLock()
	uplink := w.uplink
	w.mu.RUnlock()
	if uplink == nil {
		w.logger.Error("publishObservation: no uplink wired", "id", obs.ID())
		return
	}
	uplink(receivers[index], headerAny, obs.Data(), false)
}

// ProcessObservation calls the current Processor directly, outside the
// handler table.
func (w *Worker) ProcessObservation(obs *observation.Observation) *observation.Observation {
	w.mu.RLock()
	proc := w.process
	w.mu.RUnlock()
	return proc(obs)
}

// Publish is the general-purpose publish primitive used by workers that
// are not routing an Observation (status, heartbeat, alert).
func (w *Worker) Publish(tail string, header, payload map[string]any, retain bool) error {
	w.mu.RLock()
	uplink := w.uplink
	w.mu.RUnlock()
	if uplink == nil {
		return fmt.Errorf("worker %s: no uplink wired", w.name)
	}
	uplink(tail, header, payload, retain)
	return nil
}
