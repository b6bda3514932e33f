package module

import (
	"sync"
	"testing"
	"time"

	"github.com/dabamos/openadms-node/internal/schema"
	"github.com/dabamos/openadms-node/internal/worker"
)

// fakeValidator lets tests control IsValid's verdict per schema name
// without spinning up a real schema.Registry.
type fakeValidator struct {
	invalid map[string]bool
}

func (f *fakeValidator) IsValid(name string, _ any) error {
	if f.invalid[name] {
		return errInvalid
	}
	return nil
}

var errInvalid = fakeErr("invalid")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestPushConsumeOrderIsSerial(t *testing.T) {
	w := worker.New("w", "modules.x.Y", nil)
	var order []int
	var mu sync.Mutex
	w.SetHandler("observation", func(h, p map[string]any) {
		mu.Lock()
		n, _ := p["n"].(int)
		order = append(order, n)
		mu.Unlock()
	})

	m := New(w, nil, nil, nil)
	for i := 0; i < 50; i++ {
		m.push(map[string]any{"type": "observation"}, map[string]any{"n": i})
	}
	go m.consume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("out-of-order delivery at %d: got %d", i, n)
		}
	}
	m.Stop()
}

func TestHandlePanicIsSwallowed(t *testing.T) {
	w := worker.New("w", "modules.x.Y", nil)
	w.SetHandler("observation", func(h, p map[string]any) {
		panic("boom")
	})

	m := New(w, nil, nil, nil)
	m.handle(inboundMessage{header: map[string]any{"type": "observation"}, payload: map[string]any{}})
	// reaching here means the panic did not escape handle.
}

func TestSchemaValidationDropsInvalidPayload(t *testing.T) {
	w := worker.New("w", "modules.x.Y", nil)
	called := false
	w.SetHandler("observation", func(h, p map[string]any) { called = true })

	v := &fakeValidator{invalid: map[string]bool{"observation": true}}
	m := New(w, nil, v, nil)
	m.handle(inboundMessage{header: map[string]any{"type": "observation"}, payload: map[string]any{}})

	if called {
		t.Fatal("handler should not have been called for an invalid payload")
	}
}

func TestSchemaValidationPassesValidPayload(t *testing.T) {
	w := worker.New("w", "modules.x.Y", nil)
	called := false
	w.SetHandler("observation", func(h, p map[string]any) { called = true })

	v := &fakeValidator{invalid: map[string]bool{}}
	m := New(w, nil, v, nil)
	m.handle(inboundMessage{header: map[string]any{"type": "observation"}, payload: map[string]any{}})

	if !called {
		t.Fatal("handler should have been called for a valid payload")
	}
}

// noSchemaValidator always reports ErrNoSchema, mirroring a registry with
// nothing registered under the requested name.
type noSchemaValidator struct{}

func (noSchemaValidator) IsValid(string, any) error { return schema.ErrNoSchema }

func TestMissingSchemaDoesNotBlockDispatch(t *testing.T) {
	w := worker.New("w", "modules.x.Y", nil)
	called := false
	w.SetHandler("observation", func(h, p map[string]any) { called = true })

	m := New(w, nil, noSchemaValidator{}, nil)
	m.handle(inboundMessage{header: map[string]any{"type": "observation"}, payload: map[string]any{}})
	if !called {
		t.Fatal("handler should fire when no schema is registered for the type")
	}
}

func TestStopDrainsAndExits(t *testing.T) {
	w := worker.New("w", "modules.x.Y", nil)
	m := New(w, nil, nil, nil)
	go m.consume()
	m.Stop()
	// Stop must return once the consumer has exited; a second Stop is a no-op.
	m.Stop()
}
