// Package events carries pipeline phase transitions to observers: in-process
// subscribers through a Bus, and external systems through an AMQP publisher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Type classifies an event.
type Type string

const (
	TypeTransition   Type = "transition"
	TypeAgentOutcome Type = "agent_outcome"
	TypeVerdict      Type = "verdict"
	TypeEscalation   Type = "escalation"
	TypeAnswer       Type = "answer"
	TypeModification Type = "modification"
	TypeComplete     Type = "complete"
	TypeFailed       Type = "failed"
)

// Event is one observable change in a pipeline run.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	SpecID    string            `json:"spec_id"`
	SessionID string            `json:"session_id,omitempty"`
	Step      string            `json:"step,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	From      pipeline.RunState `json:"from,omitempty"`
	To        pipeline.RunState `json:"to,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Time      time.Time         `json:"time"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	logger *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel receiving every event published from now on
// and a function that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish stamps e with an id and time if missing and delivers it.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event dropped for slow subscriber", logging.SpecID(e.SpecID), zap.String("type", string(e.Type)))
		}
	}
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Publisher delivers events outside the process.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Forward sends every event from sub to p until sub closes or ctx is done.
// Publish failures are logged and do not stop forwarding.
func Forward(ctx context.Context, sub <-chan Event, p Publisher, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := p.Publish(ctx, e); err != nil {
				logger.Warn("publish event failed", logging.SpecID(e.SpecID), zap.String("type", string(e.Type)), zap.Error(err))
			}
		}
	}
}
