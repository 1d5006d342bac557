package events

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"halloffame/core/types"
	"halloffame/observability"
)

const broadcastHistoryLimit = 1024

// Envelope is a sequenced copy of an emitted event.
type Envelope struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Event    *types.Event `json:"event"`
}

// Broadcaster fans emitted events out to live subscribers and keeps a bounded
// history so reconnecting clients can resume from a cursor. Slow subscribers
// miss events rather than stalling the emitter.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Envelope
	history []Envelope
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Envelope)}
}

func cloneEvent(evt *types.Event) *types.Event {
	if evt == nil {
		return nil
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return &types.Event{Type: evt.Type, Attributes: attrs, Timestamp: evt.Timestamp}
}

// Emit implements Emitter.
func (b *Broadcaster) Emit(e Event) {
	if b == nil || e == nil || e.Event() == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	env := Envelope{
		Sequence: b.seq,
		Cursor:   strconv.FormatUint(b.seq, 10),
		Event:    cloneEvent(e.Event()),
	}
	b.history = append(b.history, env)
	if len(b.history) > broadcastHistoryLimit {
		excess := len(b.history) - broadcastHistoryLimit
		trimmed := make([]Envelope, broadcastHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	metrics := observability.Events()
	metrics.RecordEmitted(env.Event.Type)
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			metrics.RecordDropped(env.Event.Type)
		}
	}
}

// Subscribe registers a subscriber. Events with a sequence above cursor that
// are still in history are returned as backlog. The subscription ends when
// ctx is done or cancel is called.
func (b *Broadcaster) Subscribe(ctx context.Context, cursor string) (<-chan Envelope, func(), []Envelope) {
	updates := make(chan Envelope, 32)
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Envelope, 0, len(b.history))
	for _, env := range b.history {
		if env.Sequence > since {
			backlog = append(backlog, env)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
