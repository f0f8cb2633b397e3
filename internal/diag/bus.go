// Package diag is the process-wide diagnostics fabric: a publish/subscribe
// bus with exact-topic and wildcard subscriptions, plus an in-memory ring
// buffer that serves read-side streaming of recent events.
//
// Emission is fail-safe. A panicking subscriber or an unserializable payload
// never propagates back into the publishing operation.
package diag

import (
	"sync"
	"time"
)

// Wildcard subscribes to every event regardless of name.
const Wildcard = "*"

// Envelope is the uniform event shape carried on the bus and persisted to
// the ndjson sink.
type Envelope struct {
	Event     string         `json:"event"`
	Component string         `json:"component"`
	Operation string         `json:"operation,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// requiredContextKeys are copied from call-site data into every envelope so
// stream consumers can correlate events without joining against session
// state.
var requiredContextKeys = []string{
	"session_id",
	"model_fingerprint",
	"discovery_fingerprint",
	"effective_config_fingerprint",
	"conflict_fingerprint",
	"job_id",
	"idempotency_key",
}

type Subscriber func(Envelope)

// Bus fans out envelopes to subscribers. One Bus per process, keyed by the
// Wizards root that owns it.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber

	// test hook: frozen clock when non-nil
	now func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: map[string][]Subscriber{}}
}

// Subscribe registers fn for the named event, or for every event when name
// is Wildcard. Subscribers must not block; slow consumers should buffer.
func (b *Bus) Subscribe(name string, fn Subscriber) {
	if b == nil || fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], fn)
}

// Publish constructs an envelope and delivers it to matching subscribers.
// Panics inside subscribers are swallowed; publishing never fails.
func (b *Bus) Publish(event, component, operation string, data map[string]any) {
	if b == nil {
		return
	}
	env := Envelope{
		Event:     event,
		Component: component,
		Operation: operation,
		Timestamp: b.timestamp(),
		Data:      withRequiredContext(data),
	}
	b.mu.RLock()
	targets := make([]Subscriber, 0, 4)
	targets = append(targets, b.subs[event]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.RUnlock()
	for _, fn := range targets {
		deliver(fn, env)
	}
}

func deliver(fn Subscriber, env Envelope) {
	defer func() { _ = recover() }()
	fn(env)
}

func (b *Bus) timestamp() string {
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	return now().UTC().Format("2006-01-02T15:04:05Z")
}

// withRequiredContext copies the correlation ids present in data into a
// fresh map, along with the rest of the payload. The original map is never
// retained or mutated.
func withRequiredContext(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	// Correlation ids must survive even when a caller nests them.
	if nested, ok := data["context"].(map[string]any); ok {
		for _, k := range requiredContextKeys {
			if _, present := out[k]; present {
				continue
			}
			if v, ok := nested[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}
