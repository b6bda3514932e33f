// Package events provides a non-blocking broadcast bus used to fan log
// records out to the alerter (spec §4.J): a custom slog.Handler feeds
// WARN-and-above records in here, and the Alerter worker drains them to
// produce alert messages. Adapted from a general-purpose pub/sub bus;
// slow or absent subscribers drop events rather than block the logger.
package events

import (
	"sync"
	"time"
)

// Record is one captured log record, carrying just enough to build an
// alert payload (spec §4.J "dt, level, name, message").
type Record struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Logger    string         `json:"name"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive records on
// buffered channels; slow subscribers miss records rather than blocking
// the publisher (the logger, in the alerter's case).
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Record]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Record view.
	recvToSend map[<-chan Record]chan Record
}

// New creates an empty bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Record]struct{}),
		recvToSend: make(map[<-chan Record]chan Record),
	}
}

// Publish sends r to every subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(r Record) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
			// Subscriber is full; drop rather than block the logger.
		}
	}
}

// Subscribe returns a channel that receives published records. The
// caller must eventually call Unsubscribe to avoid leaking the channel.
func (b *Bus) Subscribe(bufSize int) <-chan Record {
	ch := make(chan Record, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call on an already-unsubscribed channel.
func (b *Bus) Unsubscribe(ch <-chan Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
