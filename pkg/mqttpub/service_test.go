package mqttpub

import (
	"testing"
	"time"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainQueue(p *Publisher) []Message {
	var msgs []Message
	for {
		select {
		case m := <-p.queue:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestQueue(t *testing.T) {
	t.Run("full queue drops the oldest message", func(t *testing.T) {
		p := NewPublisher(Options{Broker: "tcp://127.0.0.1:1883", QueueSize: 3})

		p.Publish("t/1", "a", false)
		p.Publish("t/2", "b", false)
		p.Publish("t/3", "c", false)
		p.Publish("t/4", "d", false)

		assert.Equal(t, uint64(1), p.Dropped())
		msgs := drainQueue(p)
		require.Len(t, msgs, 3)
		assert.Equal(t, "t/2", msgs[0].Topic, "oldest message was dropped")
		assert.Equal(t, "t/4", msgs[2].Topic)
	})

	t.Run("enqueue never blocks", func(t *testing.T) {
		p := NewPublisher(Options{Broker: "tcp://127.0.0.1:1883", QueueSize: 1})
		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				p.Publish("t", "x", false)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Publish blocked on a full queue")
		}
		assert.Equal(t, uint64(99), p.Dropped())
	})
}

func TestPublishShapes(t *testing.T) {
	t.Run("reading goes to delta and total topics", func(t *testing.T) {
		p := NewPublisher(Options{Broker: "tcp://127.0.0.1:1883", QueueSize: 10})
		p.PublishReading("s0pcm", types.Reading{
			Channel: types.Channel{ID: "M3", Name: "water", Unit: "L", PulsesPerUnit: 1},
			Delta:   decimal.NewFromInt(3),
			Total:   decimal.RequireFromString("770.123"),
		})

		msgs := drainQueue(p)
		require.Len(t, msgs, 2)
		assert.Equal(t, "s0pcm/water/delta", msgs[0].Topic)
		assert.Equal(t, "3", msgs[0].Payload)
		assert.False(t, msgs[0].Retain)
		assert.Equal(t, "s0pcm/water/total", msgs[1].Topic)
		assert.Equal(t, "770.123", msgs[1].Payload)
	})

	t.Run("availability is retained", func(t *testing.T) {
		p := NewPublisher(Options{
			Broker:            "tcp://127.0.0.1:1883",
			QueueSize:         10,
			AvailabilityTopic: "s0pcm/status",
		})
		p.SetAvailability(true)
		p.SetAvailability(false)

		msgs := drainQueue(p)
		require.Len(t, msgs, 2)
		assert.Equal(t, "s0pcm/status", msgs[0].Topic)
		assert.Equal(t, "online", msgs[0].Payload)
		assert.True(t, msgs[0].Retain)
		assert.Equal(t, "offline", msgs[1].Payload)
	})
}
