package observation

import "testing"

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := NewID()
		if len(id) != 32 {
			t.Fatalf("id %q has length %d, want 32", id, len(id))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q generated", id)
		}
		seen[id] = struct{}{}
	}
}

func TestCloneIsDeep(t *testing.T) {
	o := New()
	o.SetReceivers([]string{"a", "b"})
	o.SetResponseSet("temperature", NewResponseSet("float", "C", 21.5))

	clone := o.Clone()
	clone.SetReceivers([]string{"x"})
	clone.SetResponseSet("temperature", NewResponseSet("float", "C", 99.0))

	if got := o.Receivers(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("original receivers mutated by clone: %v", got)
	}
	rs, ok := o.ResponseSet("temperature")
	if !ok || rs.Value != 21.5 {
		t.Fatalf("original response set mutated by clone: %+v", rs)
	}
}

func TestGetValueMissingHop(t *testing.T) {
	o := New()
	if v := o.GetValue("responseSets", "missing", "value"); v != nil {
		t.Fatalf("expected nil for missing hop, got %v", v)
	}
}

func TestPrependReceiver(t *testing.T) {
	o := New()
	o.SetReceivers([]string{"e"})
	o.PrependReceiver("p")
	got := o.Receivers()
	if len(got) != 2 || got[0] != "p" || got[1] != "e" {
		t.Fatalf("unexpected receivers after prepend: %v", got)
	}
}
