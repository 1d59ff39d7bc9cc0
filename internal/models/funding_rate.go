// Package models holds the data shapes shared by collection, storage and
// analysis.
package models

import "time"

// FundingRate is one settled funding event for a perpetual contract. A
// (Symbol, FundingTime) pair identifies the event; storing the same pair
// twice is a no-op.
type FundingRate struct {
	Symbol      string    `json:"symbol"`
	FundingTime time.Time `json:"funding_time"`
	FundingRate float64   `json:"funding_rate"`
	RecordedAt  time.Time `json:"recorded_at"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}
