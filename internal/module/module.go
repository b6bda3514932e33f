// Package module implements the module container described in spec
// §4.F: pairs a worker with a bus client and an unbounded FIFO inbox,
// consumed strictly serially by a single goroutine per worker.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dabamos/openadms-node/internal/bus"
	"github.com/dabamos/openadms-node/internal/schema"
	"github.com/dabamos/openadms-node/internal/worker"
)

type inboundMessage struct {
	header  map[string]any
	payload map[string]any
}

// Validator validates a payload against the schema named by msgType. A
// nil Validator skips validation (used in tests and by workers with no
// schema registry configured).
type Validator interface {
	IsValid(name string, data any) error
}

// Module pairs a worker with its bus client, per spec §4.F.
type Module struct {
	worker *worker.Worker
	client *bus.Client
	logger *slog.Logger
	schema Validator

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []inboundMessage
	closed bool
	done   chan struct{}
}

// New creates a Module. schema may be nil to skip payload validation.
func New(w *worker.Worker, client *bus.Client, schemaRegistry Validator, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Module{
		worker: w,
		client: client,
		schema: schemaRegistry,
		logger: logger.With("module", w.Name()),
		done:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start performs the steps in spec §4.F: bind the bus downlink to
// inbox.push, subscribe to the worker's own topic, bind the worker's
// uplink to bus.publish, then spawn the serial consumer (and the
// worker's Runner, if it has one).
func (m *Module) Start(ctx context.Context) error {
	m.client.SetDownlink(func(topic string, env bus.Envelope) {
		m.push(env.Header, env.Payload)
	})

	if err := m.client.Subscribe(ctx, m.worker.Name()); err != nil {
		return fmt.Errorf("module %s: subscribe: %w", m.worker.Name(), err)
	}

	m.worker.SetUplink(func(tail string, header, payload map[string]any, retain bool) {
		pubCtx := context.Background()
		if err := m.client.Publish(pubCtx, tail, header, payload, retain); err != nil {
			m.logger.Warn("publish failed", "to", tail, "error", err)
		}
	})

	go m.consume()

	if r := m.worker.Runner(); r != nil {
		go r(ctx)
	}
	return nil
}

// Stop reverses Start's order: signal the consumer to drain and exit,
// then stop accepting new pushes. Remaining queued messages are
// dropped, which is acceptable per spec §4.F.
func (m *Module) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	m.cond.Broadcast()
	<-m.done
}

// push appends an inbound message to the FIFO inbox and wakes the
// consumer. The inbox is unbounded, per spec §4.F.
func (m *Module) push(header, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, inboundMessage{header: header, payload: payload})
	m.cond.Signal()
}

// consume is the strictly-serial per-worker message loop: no two
// messages are processed concurrently within one worker (spec §4.F).
// A panic escaping worker.Handle is caught, logged, and swallowed — the
// consumer must not die (spec §4.F "Failure policy").
func (m *Module) consume() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed && len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.handle(msg)
	}
}

func (m *Module) handle(msg inboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked, message dropped", "panic", r)
		}
	}()

	if m.schema != nil && msg.header != nil {
		if msgType, _ := msg.header["type"].(string); msgType != "" {
			if err := m.schema.IsValid(msgType, msg.payload); err != nil && err != schema.ErrNoSchema {
				m.logger.Error("payload failed schema validation, dropping", "type", msgType, "error", err)
				return
			}
		}
	}

	m.worker.Handle(msg.header, msg.payload)
}
