package models

import "time"

// PressureBand is the per-range contribution to the depth-pressure ratio.
type PressureBand struct {
	Center   float64 `json:"center"`
	RangeBps float64 `json:"range_bps"`
	Weight   float64 `json:"weight"`
	BuyQty   float64 `json:"buy_qty"`
	SellQty  float64 `json:"sell_qty"`
}

// ScoreSnapshot is recomputed on every book update and supersedes the previous one.
type ScoreSnapshot struct {
	Time      time.Time      `json:"ts"`
	PUp       float64        `json:"p_up"`
	PDown     float64        `json:"p_down"`
	BaseRaw   float64        `json:"base_raw"`
	BasePUp   float64        `json:"base_p_up"`
	Shock     float64        `json:"shock"`
	RefPrice  float64        `json:"ref_price"`
	RoundID   string         `json:"round_id"`
	Breakdown []PressureBand `json:"pressure_breakdown,omitempty"`
}
