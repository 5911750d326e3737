package totalsdb

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LoadTotals returns the persisted cumulative total per channel.
// A channel without a row is simply absent from the map; the caller
// treats that as a zero total.
func (s *Store) LoadTotals() (map[string]decimal.Decimal, error) {
	rows, err := s.db.Query("SELECT channel, total FROM channel_totals")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var channel, raw string
		if err := rows.Scan(&channel, &raw); err != nil {
			return nil, err
		}
		total, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("channel %s: bad stored total %q: %w", channel, raw, err)
		}
		totals[channel] = total
	}
	return totals, rows.Err()
}

// SaveTotal upserts a single channel's total. One row per channel, so
// a write interrupted mid-save can never corrupt the other channels.
func (s *Store) SaveTotal(channel string, total decimal.Decimal, rawPulses int64) error {
	_, err := s.db.Exec(
		"INSERT INTO channel_totals (channel, total, raw_pulses, updated_at) "+
			"VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(channel) DO UPDATE SET "+
			"total = excluded.total, raw_pulses = excluded.raw_pulses, updated_at = excluded.updated_at",
		channel,
		total.String(),
		rawPulses,
		time.Now().Unix(),
	)
	return err
}

func (s *Store) InsertLinkEvent(status string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO link_events (timestamp, status) VALUES (?, ?)",
		at.Unix(),
		status,
	)
	return err
}
