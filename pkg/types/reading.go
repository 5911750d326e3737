package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawSample is one per-channel count extracted from a telegram.
// PulseCount is the S0PCM's own counter since its last power-up and
// resets to zero whenever the module loses power.
type RawSample struct {
	Channel        string
	IntervalPulses int64
	PulseCount     int64
	Timestamp      time.Time
}

// Telegram is one successfully parsed S0PCM data record.
// Samples holds only the channels present in configuration.
type Telegram struct {
	DeviceID  string
	Interval  int
	Counter   uint64
	Samples   []RawSample
	Timestamp time.Time
}

// Reading is a reconciled measurement ready for publication.
type Reading struct {
	Channel   Channel
	Delta     decimal.Decimal
	Total     decimal.Decimal
	LinkEpoch int
	Timestamp time.Time
}

type LinkStatus int

const (
	LinkDisconnected LinkStatus = iota
	LinkConnected
)

func (s LinkStatus) String() string {
	if s == LinkConnected {
		return "connected"
	}
	return "disconnected"
}
