package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	totals  map[string]decimal.Decimal
	pulses  map[string]int64
	saves   int
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		totals: make(map[string]decimal.Decimal),
		pulses: make(map[string]int64),
	}
}

func (f *fakeStore) LoadTotals() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(f.totals))
	for k, v := range f.totals {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SaveTotal(channel string, total decimal.Decimal, rawPulses int64) error {
	if f.failing {
		return errors.New("disk full")
	}
	f.totals[channel] = total
	f.pulses[channel] = rawPulses
	f.saves++
	return nil
}

func testChannel() types.Channel {
	return types.Channel{ID: "M1", Name: "water", Kind: types.KindWater, Unit: "L", PulsesPerUnit: 1}
}

func telegramWith(pulses int64) *types.Telegram {
	now := time.Now()
	return &types.Telegram{
		DeviceID:  "21434",
		Interval:  10,
		Samples:   []types.RawSample{{Channel: "M1", PulseCount: pulses, Timestamp: now}},
		Timestamp: now,
	}
}

func TestReconciliation(t *testing.T) {
	t.Run("resumes persisted total and reconciles resets", func(t *testing.T) {
		store := newFakeStore()
		store.totals["M1"] = decimal.NewFromInt(1000)

		engine := NewEngine([]types.Channel{testChannel()}, store, false)
		require.NoError(t, engine.LoadTotals())

		// r=3 goes backward: device power-cycled, 3 pulses since reset
		inputs := []int64{5, 12, 3, 9}
		wantDeltas := []string{"0", "7", "3", "6"}
		wantTotals := []string{"1000", "1007", "1010", "1016"}

		for i, pulses := range inputs {
			readings := engine.HandleTelegram(telegramWith(pulses))
			require.Len(t, readings, 1, "input %d", i)
			assert.Equal(t, wantDeltas[i], readings[0].Delta.String(), "delta for input %d", i)
			assert.Equal(t, wantTotals[i], readings[0].Total.String(), "total for input %d", i)
		}

		state, ok := engine.State("M1")
		require.True(t, ok)
		assert.Equal(t, 1, state.LinkEpoch, "exactly one reset detected")
		assert.Equal(t, "1016", store.totals["M1"].String(), "write-through persisted")
	})

	t.Run("first sample after restart never invents a delta", func(t *testing.T) {
		store := newFakeStore()
		store.totals["M1"] = decimal.RequireFromString("770.123")

		engine := NewEngine([]types.Channel{testChannel()}, store, false)
		require.NoError(t, engine.LoadTotals())

		readings := engine.HandleTelegram(telegramWith(104647))
		require.Len(t, readings, 1)
		assert.True(t, readings[0].Delta.IsZero())
		assert.Equal(t, "770.123", readings[0].Total.String())
	})

	t.Run("zero delta is still emitted", func(t *testing.T) {
		engine := NewEngine([]types.Channel{testChannel()}, newFakeStore(), false)
		require.NoError(t, engine.LoadTotals())

		engine.HandleTelegram(telegramWith(42))
		readings := engine.HandleTelegram(telegramWith(42))
		require.Len(t, readings, 1, "idle period must be emitted")
		assert.True(t, readings[0].Delta.IsZero())
	})

	t.Run("skip_unchanged suppresses zero deltas", func(t *testing.T) {
		engine := NewEngine([]types.Channel{testChannel()}, newFakeStore(), true)
		require.NoError(t, engine.LoadTotals())

		assert.Empty(t, engine.HandleTelegram(telegramWith(42)))
		assert.Empty(t, engine.HandleTelegram(telegramWith(42)))
		readings := engine.HandleTelegram(telegramWith(50))
		require.Len(t, readings, 1)
		assert.Equal(t, "8", readings[0].Delta.String())
	})

	t.Run("total never regresses", func(t *testing.T) {
		engine := NewEngine([]types.Channel{testChannel()}, newFakeStore(), false)
		require.NoError(t, engine.LoadTotals())

		prev := decimal.Zero
		for _, pulses := range []int64{10, 50, 0, 7, 7, 3, 500, 2} {
			for _, r := range engine.HandleTelegram(telegramWith(pulses)) {
				assert.False(t, r.Total.LessThan(prev), "total regressed at pulses=%d", pulses)
				prev = r.Total
			}
		}
	})

	t.Run("scale factor divides pulses into units", func(t *testing.T) {
		ch := testChannel()
		ch.PulsesPerUnit = 1000 // 1000 pulses per kWh
		engine := NewEngine([]types.Channel{ch}, newFakeStore(), false)
		require.NoError(t, engine.LoadTotals())

		engine.HandleTelegram(telegramWith(0))
		readings := engine.HandleTelegram(telegramWith(2500))
		require.Len(t, readings, 1)
		assert.Equal(t, "2.5", readings[0].Delta.String())
		assert.Equal(t, "2.5", readings[0].Total.String())
	})

	t.Run("unconfigured channel in telegram is ignored", func(t *testing.T) {
		engine := NewEngine([]types.Channel{testChannel()}, newFakeStore(), false)
		require.NoError(t, engine.LoadTotals())

		telegram := telegramWith(5)
		telegram.Samples = append(telegram.Samples, types.RawSample{Channel: "M5", PulseCount: 99})
		readings := engine.HandleTelegram(telegram)
		require.Len(t, readings, 1)
		assert.Equal(t, "M1", readings[0].Channel.ID)
	})
}

func TestLinkDown(t *testing.T) {
	t.Run("first sample after an outage yields delta zero", func(t *testing.T) {
		engine := NewEngine([]types.Channel{testChannel()}, newFakeStore(), false)
		require.NoError(t, engine.LoadTotals())

		engine.HandleTelegram(telegramWith(100))
		engine.HandleTelegram(telegramWith(110))

		engine.MarkLinkDown()

		// Device kept counting during the outage; the gap is unknown
		readings := engine.HandleTelegram(telegramWith(250))
		require.Len(t, readings, 1)
		assert.True(t, readings[0].Delta.IsZero())
		assert.Equal(t, "10", readings[0].Total.String())

		// counting resumes from the new baseline
		readings = engine.HandleTelegram(telegramWith(260))
		require.Len(t, readings, 1)
		assert.Equal(t, "10", readings[0].Delta.String())
		assert.Equal(t, "20", readings[0].Total.String())
	})

	t.Run("in-window reset still detected without a link event", func(t *testing.T) {
		// The module can reset and come back inside one silence window,
		// so resets must be inferred from the raw sequence alone.
		engine := NewEngine([]types.Channel{testChannel()}, newFakeStore(), false)
		require.NoError(t, engine.LoadTotals())

		engine.HandleTelegram(telegramWith(1000))
		readings := engine.HandleTelegram(telegramWith(4))
		require.Len(t, readings, 1)
		assert.Equal(t, "4", readings[0].Delta.String())
		assert.Equal(t, 1, readings[0].LinkEpoch)
	})
}

func TestPersistence(t *testing.T) {
	t.Run("store failure keeps accumulating and retries", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine([]types.Channel{testChannel()}, store, false)
		require.NoError(t, engine.LoadTotals())

		engine.HandleTelegram(telegramWith(10))

		store.failing = true
		readings := engine.HandleTelegram(telegramWith(25))
		require.Len(t, readings, 1)
		assert.Equal(t, "15", readings[0].Total.String(), "memory total advances despite store failure")
		assert.True(t, engine.HasUnrecoveredPersistError())
		assert.Equal(t, "0", store.totals["M1"].String(), "store still holds pre-failure total")

		// store recovers; next update persists the full total
		store.failing = false
		engine.HandleTelegram(telegramWith(30))
		assert.False(t, engine.HasUnrecoveredPersistError())
		assert.Equal(t, "20", store.totals["M1"].String())
	})

	t.Run("flush persists every channel and reports failures", func(t *testing.T) {
		store := newFakeStore()
		channels := []types.Channel{
			testChannel(),
			{ID: "M3", Name: "jacuzzi", Kind: types.KindElectricity, Unit: "Wh", PulsesPerUnit: 1},
		}
		engine := NewEngine(channels, store, false)
		require.NoError(t, engine.LoadTotals())

		require.NoError(t, engine.FlushTotals())
		assert.Len(t, store.totals, 2)

		store.failing = true
		assert.Error(t, engine.FlushTotals())
		assert.True(t, engine.HasUnrecoveredPersistError())
	})
}
