package events

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(zerolog.New(&buf))

	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Emit(QuorumAtRisk{ActiveCount: 3, Threshold: 4, At: at})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			require.Equal(t, TypeQuorumAtRisk, e.Type())
			assert.Equal(t, 3, e.(QuorumAtRisk).ActiveCount)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	assert.Contains(t, buf.String(), `"event":"QuorumAtRisk"`)
	assert.Contains(t, buf.String(), `"active":3`)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.Emit(SwapExpired{SwapID: "s1"})
		bus.Emit(SwapExpired{SwapID: "s2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		bus.Emit(StuckTransferDetected{TransactionID: "tx", Age: 30 * time.Minute})
	})
}
