package models

import "time"

type Classification string

const (
	ClassDrop       Classification = "DROP"
	ClassMajorDrop  Classification = "MAJOR_DROP"
	ClassFullRemove Classification = "FULL_REMOVE"
)

// Rank orders classifications for tie-breaking; higher wins.
func (c Classification) Rank() int {
	switch c {
	case ClassFullRemove:
		return 2
	case ClassMajorDrop:
		return 1
	default:
		return 0
	}
}

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// DirectionFor maps a depleted side to its bias: bid depletion is short, ask depletion is long.
func DirectionFor(side Side) Direction {
	if side == SideBid {
		return DirectionShort
	}
	return DirectionLong
}

// SignalEvent describes one qualifying wall depletion. It is never mutated after emission.
type SignalEvent struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"ts"`
	Side       Side           `json:"side"`
	Direction  Direction      `json:"direction"`
	Class      Classification `json:"event_type"`
	Price      Price          `json:"price"`
	WallQty    float64        `json:"old_qty"`
	CurrentQty float64        `json:"current_qty"`
	DropPct    float64        `json:"drop_pct"`
	Imbalance  float64        `json:"imbalance"`
	SpreadBps  float64        `json:"spread_bps"`
	DistBps    float64        `json:"dist_bps"`
	TouchBps   float64        `json:"touch_bps"`
	AgeSec     float64        `json:"age_sec"`
	BestBid    Price          `json:"best_bid"`
	BestAsk    Price          `json:"best_ask"`
	Score      int            `json:"score"`
}

func (e SignalEvent) FullRemove() bool { return e.Class == ClassFullRemove }

// Mid is the mid price at emission time, 0 if either side was empty.
func (e SignalEvent) Mid() float64 {
	if e.BestBid <= 0 || e.BestAsk <= 0 {
		return 0
	}
	return (e.BestBid.Float() + e.BestAsk.Float()) / 2
}
