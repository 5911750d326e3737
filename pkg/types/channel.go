package types

import "github.com/shopspring/decimal"

type ChannelKind string

const (
	KindElectricity ChannelKind = "electricity"
	KindWater       ChannelKind = "water"
	KindGas         ChannelKind = "gas"
)

// Channel is one configured S0PCM pulse input (M1..Mn).
// Built from configuration at startup; immutable during a run.
type Channel struct {
	ID            string
	Name          string
	Kind          ChannelKind
	Unit          string
	PulsesPerUnit int64
}

// ScalePulses converts a raw pulse count into physical units.
func (c Channel) ScalePulses(pulses int64) decimal.Decimal {
	return decimal.NewFromInt(pulses).Div(decimal.NewFromInt(c.PulsesPerUnit))
}
