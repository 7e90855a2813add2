package statestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradecore/internal/types"
)

func sampleState(id string) types.EngineState {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return types.EngineState{
		EngineID:    id,
		PlayID:      "ema_cross",
		Mode:        types.ModeDemo,
		Symbol:      "BTCUSDT",
		EquityUSDT:  decimal.NewFromInt(10000),
		RealizedPnL: decimal.NewFromFloat(12.5),
		TotalTrades: 3,
		LastBarTS:   &ts,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Save(sampleState("e1")))

	st, ok, err := m.Load("e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ema_cross", st.PlayID)
	assert.Equal(t, 3, st.TotalTrades)

	_, ok, err = m.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Delete("e1"))
	_, ok, _ = m.Load("e1")
	assert.False(t, ok)
}

func TestFileRoundTrip(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, f.Save(sampleState("engine_1")))
	st, ok, err := f.Load("engine_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.Equal(t, "10000", st.EquityUSDT.String())
	require.NotNil(t, st.LastBarTS)
}

func TestFileSanitizesEngineID(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)

	require.NoError(t, f.Save(sampleState("My Play/../X")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.Regexp(t, `^[a-z0-9_\-.]+\.json$`, name)
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, " ")
}

func TestFileWritesLFOnly(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Save(sampleState("lf_check")))

	data, err := os.ReadFile(filepath.Join(dir, "lf_check.json"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "\r"), "file must use LF line endings")
	assert.True(t, strings.HasSuffix(string(data), "\n"))
}

func TestFileLoadMissingIsNotError(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	_, ok, err := f.Load("never_saved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileDeleteIdempotent(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, f.Save(sampleState("e1")))
	require.NoError(t, f.Delete("e1"))
	assert.NoError(t, f.Delete("e1"))
}

func TestSaveOverwrites(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	st := sampleState("e1")
	require.NoError(t, f.Save(st))
	st.TotalTrades = 9
	require.NoError(t, f.Save(st))

	got, ok, err := f.Load("e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, got.TotalTrades)
}
