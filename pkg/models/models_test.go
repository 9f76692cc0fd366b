package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want Price
	}{
		{"43000.10", 4_300_010_000_000},
		{"0.00000001", 1},
		{"0.000000019", 1},
		{" 7 ", 700_000_000},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParsePrice("12,5")
	assert.Error(t, err)
}

func TestPriceKeysAreExact(t *testing.T) {
	a, err := ParsePrice("0.3")
	require.NoError(t, err)
	assert.Equal(t, a, PriceFromFloat(0.1+0.2), "0.1+0.2 lands on the same key after truncation")
	assert.Equal(t, "0.3", a.String())
	assert.InDelta(t, 0.3, a.Float(), 1e-12)
}

func TestPriceJSON(t *testing.T) {
	p := PriceFromFloat(100.25)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, "100.25", string(b))

	var back Price
	require.NoError(t, json.Unmarshal([]byte(`"100.25"`), &back))
	assert.Equal(t, p, back)
}

func TestBookViewDerived(t *testing.T) {
	v := BookView{
		Bids: []Level{{Price: PriceFromFloat(99.99), Qty: 1}},
		Asks: []Level{{Price: PriceFromFloat(100.01), Qty: 1}},
	}
	assert.InDelta(t, 100.0, v.Mid(), 1e-9)
	assert.InDelta(t, 2.0, v.SpreadBps(), 1e-9)

	empty := BookView{Bids: v.Bids}
	assert.Zero(t, empty.Mid())
	assert.Zero(t, empty.SpreadBps())
	_, ok := empty.BestAsk()
	assert.False(t, ok)
}

func TestDiffCovers(t *testing.T) {
	d := DiffMessage{FirstUpdateID: 10, FinalUpdateID: 12}
	assert.True(t, d.Covers(10))
	assert.True(t, d.Covers(12))
	assert.False(t, d.Covers(13))
}

func TestDirectionAndRank(t *testing.T) {
	assert.Equal(t, DirectionShort, DirectionFor(SideBid))
	assert.Equal(t, DirectionLong, DirectionFor(SideAsk))
	assert.Greater(t, ClassFullRemove.Rank(), ClassMajorDrop.Rank())
	assert.Greater(t, ClassMajorDrop.Rank(), ClassDrop.Rank())

	ev := SignalEvent{Class: ClassFullRemove, BestBid: PriceFromFloat(99), BestAsk: PriceFromFloat(101)}
	assert.True(t, ev.FullRemove())
	assert.InDelta(t, 100.0, ev.Mid(), 1e-9)
}
