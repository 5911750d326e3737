package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChannelState is the running reconciliation state for one channel,
// mutated only by the engine.
type ChannelState struct {
	// Raw s0pcm counter at the previous sample. Unset on the first
	// sample ever and after a link outage, so an unknown gap never
	// turns into an invented delta.
	LastRaw int64
	HasRaw  bool

	// Never decreases for the lifetime of the process.
	Total decimal.Decimal

	LastSeen time.Time

	// Incremented once per detected device reset.
	LinkEpoch int
}

// TotalsStore is the persistence boundary of the engine.
type TotalsStore interface {
	LoadTotals() (map[string]decimal.Decimal, error)
	SaveTotal(channel string, total decimal.Decimal, rawPulses int64) error
}
