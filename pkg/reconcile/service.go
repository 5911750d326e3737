// Package reconcile converts raw s0pcm pulse counts into cumulative
// totals that stay correct across device power-loss (the module's
// counters restart at zero) and bridge restarts (memory is lost while
// the module keeps counting).
package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Engine struct {
	mu       sync.Mutex
	channels map[string]types.Channel
	order    []string
	states   map[string]*ChannelState
	store    TotalsStore

	skipUnchanged bool

	// Channels whose last persist attempt failed; retried on the next
	// update and at flush. Non-empty at exit means a failed shutdown.
	dirty map[string]bool
}

func NewEngine(channels []types.Channel, store TotalsStore, skipUnchanged bool) *Engine {
	byID := make(map[string]types.Channel, len(channels))
	order := make([]string, 0, len(channels))
	states := make(map[string]*ChannelState, len(channels))
	for _, c := range channels {
		byID[c.ID] = c
		order = append(order, c.ID)
		states[c.ID] = &ChannelState{Total: decimal.Zero}
	}

	return &Engine{
		channels:      byID,
		order:         order,
		states:        states,
		store:         store,
		skipUnchanged: skipUnchanged,
		dirty:         make(map[string]bool),
	}
}

// LoadTotals seeds the cumulative totals from the store. A channel
// without a persisted record starts at zero; operators pre-seed actual
// meter standings in the database when they first install the bridge.
func (e *Engine) LoadTotals() error {
	persisted, err := e.store.LoadTotals()
	if err != nil {
		return fmt.Errorf("loading persisted totals: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, state := range e.states {
		if total, ok := persisted[id]; ok {
			state.Total = total
			log.Infof("Channel %s resumes at total %s", id, total)
		}
	}
	return nil
}

// step applies one raw sample to a channel state. Pure function, so
// reset detection is testable without a live s0pcm.
func step(prev ChannelState, ch types.Channel, s types.RawSample) (ChannelState, decimal.Decimal) {
	next := prev
	next.LastSeen = s.Timestamp

	if !prev.HasRaw {
		// First sample ever, or first after a link outage: the gap is
		// unknown, so the delta is zero by definition.
		next.HasRaw = true
		next.LastRaw = s.PulseCount
		return next, decimal.Zero
	}

	var deltaPulses int64
	if s.PulseCount >= prev.LastRaw {
		deltaPulses = s.PulseCount - prev.LastRaw
	} else {
		// Counter went backward: the module power-cycled mid-stream
		// and restarted at zero. Everything it counted since the
		// reset is the current raw value.
		deltaPulses = s.PulseCount
		next.LinkEpoch++
	}

	next.LastRaw = s.PulseCount
	delta := ch.ScalePulses(deltaPulses)
	next.Total = prev.Total.Add(delta)
	return next, delta
}

// HandleTelegram reconciles every sample of a telegram and returns the
// readings to publish. Totals are persisted write-through; a store
// failure is logged and retried on the next update, accumulation
// continues in memory either way.
func (e *Engine) HandleTelegram(t *types.Telegram) []types.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()

	readings := make([]types.Reading, 0, len(t.Samples))
	for _, sample := range t.Samples {
		ch, ok := e.channels[sample.Channel]
		if !ok {
			continue
		}
		state := e.states[sample.Channel]

		prev := *state
		next, delta := step(prev, ch, sample)
		if next.LinkEpoch > prev.LinkEpoch {
			log.Warnf("Power down detected for %s, counter restarted at %d", ch.ID, sample.PulseCount)
		}
		*state = next

		e.persist(ch.ID)

		if e.skipUnchanged && delta.IsZero() {
			continue
		}
		readings = append(readings, types.Reading{
			Channel:   ch,
			Delta:     delta,
			Total:     next.Total,
			LinkEpoch: next.LinkEpoch,
			Timestamp: sample.Timestamp,
		})
	}

	e.retryDirty()
	return readings
}

// MarkLinkDown clears the raw counter baseline of every channel. The
// module may have power-cycled during the outage, so the first sample
// afterwards must not be trusted to produce a delta.
func (e *Engine) MarkLinkDown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, state := range e.states {
		state.HasRaw = false
	}
}

// FlushTotals persists every channel, retried even for clean channels
// so shutdown leaves the store complete. Returns the combined error.
func (e *Engine) FlushTotals() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, id := range e.order {
		state := e.states[id]
		if err := e.store.SaveTotal(id, state.Total, state.LastRaw); err != nil {
			e.dirty[id] = true
			errs = append(errs, fmt.Errorf("channel %s: %w", id, err))
		} else {
			delete(e.dirty, id)
		}
	}
	return errors.Join(errs...)
}

// HasUnrecoveredPersistError reports whether any channel's last
// persist attempt failed. Feeds the process exit code.
func (e *Engine) HasUnrecoveredPersistError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty) > 0
}

// State returns a copy of one channel's state.
func (e *Engine) State(channel string) (ChannelState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[channel]
	if !ok {
		return ChannelState{}, false
	}
	return *state, true
}

// persist writes one channel through to the store; callers hold e.mu.
func (e *Engine) persist(id string) {
	state := e.states[id]
	if err := e.store.SaveTotal(id, state.Total, state.LastRaw); err != nil {
		log.Errorf("Persisting total for %s failed, keeping it in memory: %v", id, err)
		e.dirty[id] = true
	} else {
		delete(e.dirty, id)
	}
}

// retryDirty retries channels whose earlier persist failed; callers
// hold e.mu.
func (e *Engine) retryDirty() {
	for id := range e.dirty {
		state := e.states[id]
		if err := e.store.SaveTotal(id, state.Total, state.LastRaw); err != nil {
			continue
		}
		log.Infof("Persisted total for %s after earlier failure", id)
		delete(e.dirty, id)
	}
}
