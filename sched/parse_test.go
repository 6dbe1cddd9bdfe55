package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseStrike(t *testing.T) {
	cases := []struct {
		question string
		want     string
	}{
		{"Will BTC be above $94,500 at 12:15 UTC?", "94500"},
		{"Will ETH be above $3,250.50 at 12:00 UTC?", "3250.5"},
		{"Will SOL be above $150 in 15 minutes?", "150"},
		{"Will BTC be above $1,234,567.89 at 09:45 UTC?", "1234567.89"},
		{"No dollar sign here", "0"},
		{"Trailing $", "0"},
	}
	for _, tc := range cases {
		got := ParseStrike(tc.question)
		assert.Equal(t, tc.want, got.String(), "question=%q", tc.question)
	}
}

func TestEpochDerivation(t *testing.T) {
	// 2026-08-25 12:07:30 UTC sits inside the 12:00-12:15 epoch.
	at := time.Date(2026, 8, 25, 12, 7, 30, 0, time.UTC)
	epoch := EpochFor(at)

	assert.Equal(t, int64(0), epoch%900)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).Unix(), epoch)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 15, 0, 0, time.UTC), CloseTimeFor(epoch).UTC())

	// An instant exactly on the boundary starts its own epoch.
	boundary := time.Date(2026, 8, 25, 12, 15, 0, 0, time.UTC)
	assert.Equal(t, boundary.Unix(), EpochFor(boundary))
}

func TestWindowIDFormat(t *testing.T) {
	assert.Equal(t, "btc-15m-1756123200", WindowIDFor("btc", 1756123200))
}

func TestSymbolFromQuestion(t *testing.T) {
	symbols := []string{"btc", "eth"}

	got, ok := SymbolFromQuestion("Will BTC be above $94,500 at 12:15 UTC?", symbols)
	assert.True(t, ok)
	assert.Equal(t, "btc", got)

	_, ok = SymbolFromQuestion("Will SOL be above $150?", symbols)
	assert.False(t, ok)
}

func TestTimingEligibleBoundaries(t *testing.T) {
	min, max := 30*time.Second, 600*time.Second

	assert.False(t, TimingEligible(29*time.Second, min, max))
	assert.True(t, TimingEligible(30*time.Second, min, max))
	assert.True(t, TimingEligible(600*time.Second, min, max))
	assert.False(t, TimingEligible(601*time.Second, min, max))
}
