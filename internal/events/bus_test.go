package events

import (
	"testing"

	"chartsync/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	id := market.NewSeriesID("BTCUSDT", "1h")
	bus.Publish(Event{Kind: KindBatchProgress, Series: id, Count: 1000})

	evA := <-a
	evB := <-b
	assert.Equal(t, evA.Series, evB.Series)
	assert.Equal(t, 1000, evA.Count)
	assert.False(t, evA.At.IsZero())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()
	id := market.NewSeriesID("BTCUSDT", "1h")

	bus.Publish(Event{Kind: KindSaveComplete, Series: id, Count: 1})
	bus.Publish(Event{Kind: KindSaveComplete, Series: id, Error: "disk full"})

	got := <-ch
	require.Equal(t, 1, got.Count)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
