package totalsdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "totals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	t.Run("empty store loads no totals", func(t *testing.T) {
		store := openTestStore(t)
		totals, err := store.LoadTotals()
		require.NoError(t, err)
		assert.Empty(t, totals)
	})

	t.Run("totals round-trip exactly", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.SaveTotal("M1", decimal.RequireFromString("770.123"), 104647))

		totals, err := store.LoadTotals()
		require.NoError(t, err)
		require.Contains(t, totals, "M1")
		assert.Equal(t, "770.123", totals["M1"].String())
	})

	t.Run("saving one channel leaves the others untouched", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.SaveTotal("M1", decimal.NewFromInt(1000), 5))
		require.NoError(t, store.SaveTotal("M3", decimal.NewFromInt(42), 7))

		require.NoError(t, store.SaveTotal("M1", decimal.NewFromInt(1016), 9))

		totals, err := store.LoadTotals()
		require.NoError(t, err)
		assert.Equal(t, "1016", totals["M1"].String())
		assert.Equal(t, "42", totals["M3"].String())
	})

	t.Run("records link events", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.InsertLinkEvent("connected", time.Now()))
		require.NoError(t, store.InsertLinkEvent("disconnected", time.Now()))
	})
}
