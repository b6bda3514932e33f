// Package observation implements the self-routing Observation record: a
// typed document that carries its own ordered list of downstream
// recipients and advances through the pipeline one broker hop at a time.
package observation

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// RequestSet is one atomic sensor request/response pair.
type RequestSet struct {
	Request           string  `json:"request"`
	ResponsePattern   string  `json:"responsePattern"`
	ResponseDelimiter string  `json:"responseDelimiter"`
	Response          string  `json:"response"`
	Timeout           float64 `json:"timeout"`
	SleepTime         float64 `json:"sleepTime"`
	Enabled           bool    `json:"enabled"`
}

// ResponseSet is one named output value with a type and a unit.
type ResponseSet struct {
	Type  string `json:"type"`
	Unit  string `json:"unit"`
	Value any    `json:"value"`
}

// NewResponseSet is the canonical three-field factory named in §4.A.
func NewResponseSet(typ, unit string, value any) ResponseSet {
	return ResponseSet{Type: typ, Unit: unit, Value: value}
}

// Observation is the unit of work described in spec §3. The underlying
// store is a generic map, mirroring the flexible property bag the
// original project round-trips through JSON; typed accessors below give
// the fields the core dataflow actually depends on.
type Observation struct {
	data map[string]any
}

// New creates an empty observation with the defaults from the original
// project's constructor (core/observation.py).
func New() *Observation {
	return &Observation{data: map[string]any{
		"enabled":      true,
		"id":           NewID(),
		"name":         "default",
		"nextReceiver": 0,
		"onetime":      false,
		"portName":     nil,
		"receivers":    []any{},
		"responseSets": map[string]any{},
		"requestSets":  map[string]any{},
		"sleepTime":    0.0,
		"target":       "default",
		"timestamp":    nil,
	}}
}

// FromMap wraps an already-decoded map as an Observation, matching the
// original's Observation(data) constructor. The "description" key, if
// present, is stripped — it's template documentation, not wire data.
func FromMap(data map[string]any) *Observation {
	delete(data, "description")
	return &Observation{data: data}
}

// NewID returns a fresh 128-bit identifier, UUIDv4 in hex (no dashes),
// per spec §3.
func NewID() string {
	return hex(uuid.New())
}

func hex(id uuid.UUID) string {
	b := [16]byte(id)
	const digits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}

// Header returns the canonical observation message header.
func Header() map[string]string {
	return map[string]string{"type": "observation"}
}

// Get performs a shallow lookup on the top-level map, returning def if
// the key is absent.
func (o *Observation) Get(key string, def any) any {
	if v, ok := o.data[key]; ok {
		return v
	}
	return def
}

// Set stores key/value in the data set.
func (o *Observation) Set(key string, value any) {
	o.data[key] = value
}

// GetValue performs a nested lookup, returning nil on any missing hop —
// mirrors the original's Observation.get_value(*args).
func (o *Observation) GetValue(path ...string) any {
	var cur any = o.data
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

// ID returns the observation's identifier.
func (o *Observation) ID() string {
	v, _ := o.data["id"].(string)
	return v
}

// Name returns the template's logical name.
func (o *Observation) Name() string {
	v, _ := o.data["name"].(string)
	return v
}

// Enabled reports whether the template is active.
func (o *Observation) Enabled() bool {
	v, ok := o.data["enabled"].(bool)
	return !ok || v
}

// SetEnabled flips the enabled flag, used by the scheduler's onetime logic.
func (o *Observation) SetEnabled(v bool) {
	o.data["enabled"] = v
}

// Onetime reports whether this template disables itself after first dispatch.
func (o *Observation) Onetime() bool {
	v, _ := o.data["onetime"].(bool)
	return v
}

// SleepTime returns the cooperative post-dispatch delay, in seconds.
func (o *Observation) SleepTime() float64 {
	switch v := o.data["sleepTime"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Corrupted reports whether return-code inspection has barred further routing.
func (o *Observation) Corrupted() bool {
	v, _ := o.data["corrupted"].(bool)
	return v
}

// SetCorrupted marks the observation as corrupted.
func (o *Observation) SetCorrupted(v bool) {
	o.data["corrupted"] = v
}

// Attempts returns the retry counter.
func (o *Observation) Attempts() int {
	return intOf(o.data["attempts"])
}

// SetAttempts overwrites the retry counter.
func (o *Observation) SetAttempts(n int) {
	o.data["attempts"] = n
}

func intOf(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}

// Receivers returns the ordered downstream worker-topic list.
func (o *Observation) Receivers() []string {
	raw, _ := o.data["receivers"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SetReceivers overwrites the receivers list.
func (o *Observation) SetReceivers(receivers []string) {
	raw := make([]any, len(receivers))
	for i, r := range receivers {
		raw[i] = r
	}
	o.data["receivers"] = raw
}

// PrependReceiver inserts topic at the head of the receivers list — used
// by the scheduler to route through the originating port first.
func (o *Observation) PrependReceiver(topic string) {
	o.SetReceivers(append([]string{topic}, o.Receivers()...))
}

// NextReceiver returns the 0-based index of the next hop.
func (o *Observation) NextReceiver() int {
	return intOf(o.data["nextReceiver"])
}

// SetNextReceiver overwrites the next-hop index.
func (o *Observation) SetNextReceiver(n int) {
	o.data["nextReceiver"] = n
}

// PortName returns the originating port's worker name, if set.
func (o *Observation) PortName() string {
	v, _ := o.data["portName"].(string)
	return v
}

// ResponseSet returns the named response set, or ok=false if absent.
func (o *Observation) ResponseSet(name string) (ResponseSet, bool) {
	sets, _ := o.data["responseSets"].(map[string]any)
	if sets == nil {
		return ResponseSet{}, false
	}
	raw, ok := sets[name]
	if !ok {
		return ResponseSet{}, false
	}
	switch v := raw.(type) {
	case ResponseSet:
		return v, true
	case map[string]any:
		rs := ResponseSet{}
		if t, ok := v["type"].(string); ok {
			rs.Type = t
		}
		if u, ok := v["unit"].(string); ok {
			rs.Unit = u
		}
		rs.Value = v["value"]
		return rs, true
	default:
		return ResponseSet{}, false
	}
}

// SetResponseSet stores a response set under name.
func (o *Observation) SetResponseSet(name string, rs ResponseSet) {
	sets, _ := o.data["responseSets"].(map[string]any)
	if sets == nil {
		sets = map[string]any{}
	}
	sets[name] = rs
	o.data["responseSets"] = sets
}

// ResponseValue returns the value of a named response set, logging a
// warning if it's missing (mirrors get_response_value).
func (o *Observation) ResponseValue(logger *slog.Logger, name string) any {
	rs, ok := o.ResponseSet(name)
	if !ok {
		if logger != nil {
			logger.Warn("missing response set value", "responseSet", name, "observation", o.Name(), "target", o.Get("target", ""))
		}
		return nil
	}
	return rs.Value
}

// RequestSets returns the request-set map.
func (o *Observation) RequestSets() map[string]RequestSet {
	raw, _ := o.data["requestSets"].(map[string]any)
	out := make(map[string]RequestSet, len(raw))
	for k, v := range raw {
		switch rs := v.(type) {
		case RequestSet:
			out[k] = rs
		case map[string]any:
			out[k] = requestSetFromMap(rs)
		}
	}
	return out
}

func requestSetFromMap(m map[string]any) RequestSet {
	rs := RequestSet{Enabled: true}
	if s, ok := m["request"].(string); ok {
		rs.Request = s
	}
	if s, ok := m["responsePattern"].(string); ok {
		rs.ResponsePattern = s
	}
	if s, ok := m["responseDelimiter"].(string); ok {
		rs.ResponseDelimiter = s
	}
	if s, ok := m["response"].(string); ok {
		rs.Response = s
	}
	if f, ok := m["timeout"].(float64); ok {
		rs.Timeout = f
	}
	if f, ok := m["sleepTime"].(float64); ok {
		rs.SleepTime = f
	}
	if b, ok := m["enabled"]; ok {
		if bb, ok := b.(bool); ok {
			rs.Enabled = bb
		}
	}
	return rs
}

// RequestsOrder returns the ordered list of request-set names to send.
func (o *Observation) RequestsOrder() []string {
	raw, _ := o.data["requestsOrder"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy: receivers, requestSets, and responseSets are
// copied by value so downstream writes cannot mutate upstream state
// (spec §4.A).
func (o *Observation) Clone() *Observation {
	buf, err := json.Marshal(o.data)
	if err != nil {
		// The store only ever holds JSON-safe values; a marshal failure
		// here means a caller poked in something it shouldn't have.
		panic("observation: clone of non-JSON-safe data: " + err.Error())
	}
	var data map[string]any
	if err := json.Unmarshal(buf, &data); err != nil {
		panic("observation: clone round-trip failed: " + err.Error())
	}
	return &Observation{data: data}
}

// ToJSON returns the observation payload as a JSON object.
func (o *Observation) ToJSON() ([]byte, error) {
	return json.Marshal(o.data)
}

// Data returns the backing map. Callers must not assume exclusive
// ownership — use Clone first if the result will be mutated
// concurrently with routing.
func (o *Observation) Data() map[string]any {
	return o.data
}
