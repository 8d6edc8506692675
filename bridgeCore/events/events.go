// Package events publishes structured operational events for an external
// monitoring collaborator.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names an operational event.
type Type string

const (
	TypeQuorumAtRisk          Type = "QuorumAtRisk"
	TypeSwapExpired           Type = "SwapExpired"
	TypeStuckTransferDetected Type = "StuckTransferDetected"
)

// Event is the common envelope delivered to subscribers.
type Event interface {
	Type() Type
	OccurredAt() time.Time
}

// QuorumAtRisk fires when fewer validators are active than the threshold.
type QuorumAtRisk struct {
	ActiveCount int
	Threshold   int
	Inactive    []string
	At          time.Time
}

func (e QuorumAtRisk) Type() Type            { return TypeQuorumAtRisk }
func (e QuorumAtRisk) OccurredAt() time.Time { return e.At }

// SwapExpired fires when a LOCKED swap is observed past its time lock.
type SwapExpired struct {
	SwapID        string
	TransactionID string
	TimeoutAt     time.Time
	At            time.Time
}

func (e SwapExpired) Type() Type            { return TypeSwapExpired }
func (e SwapExpired) OccurredAt() time.Time { return e.At }

// StuckTransferDetected fires for a transfer that has not progressed in time.
type StuckTransferDetected struct {
	TransactionID string
	Status        string
	Age           time.Duration
	At            time.Time
}

func (e StuckTransferDetected) Type() Type            { return TypeStuckTransferDetected }
func (e StuckTransferDetected) OccurredAt() time.Time { return e.At }

// Emitter publishes events. Implementations must not block the caller.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Bus fans events out to subscriber channels and logs each one.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewBus creates an event bus with a zerolog sink.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe returns a buffered channel of events and a cancel func that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit logs the event and delivers it to every subscriber without blocking.
func (b *Bus) Emit(e Event) {
	b.log(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) log(e Event) {
	ev := b.logger.Warn().Str("event", string(e.Type())).Time("occurred_at", e.OccurredAt())
	switch v := e.(type) {
	case QuorumAtRisk:
		ev.Int("active", v.ActiveCount).Int("threshold", v.Threshold).Strs("inactive", v.Inactive)
	case SwapExpired:
		ev.Str("swap_id", v.SwapID).Str("tx_id", v.TransactionID).Time("timeout_at", v.TimeoutAt)
	case StuckTransferDetected:
		ev.Str("tx_id", v.TransactionID).Str("status", v.Status).Dur("age", v.Age)
	}
	ev.Msg("operational event")
}
