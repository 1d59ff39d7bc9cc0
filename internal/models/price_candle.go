package models

import "time"

// Position says which side of the funding time a candle window sits on.
type Position string

const (
	PositionBefore Position = "before"
	PositionAfter  Position = "after"
)

// Granularity is the candle interval of a snapshot window.
type Granularity string

const (
	Granularity1m  Granularity = "1m"
	Granularity10m Granularity = "10m"
	Granularity1h  Granularity = "1h"
	Granularity1d  Granularity = "1d"
)

// Interval maps a granularity to the venue's kline interval name.
func (g Granularity) Interval() string {
	switch g {
	case Granularity1m:
		return "Min1"
	case Granularity10m:
		return "Min10"
	case Granularity1h:
		return "Min60"
	case Granularity1d:
		return "Day1"
	}
	return ""
}

// Duration is the wall-clock span one candle of this granularity covers.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Granularity1m:
		return time.Minute
	case Granularity10m:
		return 10 * time.Minute
	case Granularity1h:
		return time.Hour
	case Granularity1d:
		return 24 * time.Hour
	}
	return time.Minute
}

// PriceCandle is one OHLCV bar captured for a funding event's snapshot. The
// (Symbol, FundingTime, Timestamp, Granularity, Position) tuple identifies
// the bar; the same bar may legitimately appear under both positions when
// windows share the funding-time boundary.
type PriceCandle struct {
	Symbol      string      `json:"symbol"`
	FundingTime time.Time   `json:"funding_time"`
	Timestamp   time.Time   `json:"timestamp"`
	Granularity Granularity `json:"granularity"`
	Position    Position    `json:"position"`
	Open        float64     `json:"open"`
	High        float64     `json:"high"`
	Low         float64     `json:"low"`
	Close       float64     `json:"close"`
	Volume      float64     `json:"volume"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
}
