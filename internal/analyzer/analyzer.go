// Package analyzer reads stored funding events and candle snapshots and
// summarizes them. It never writes; collection owns all mutation.
package analyzer

import (
	"context"
	"sort"
	"time"

	"fundingflow/internal/models"
	"fundingflow/logger"
)

// Storage is the read-only slice of the store the analyzer uses.
type Storage interface {
	FundingRates(ctx context.Context, symbol string, since, until time.Time) ([]models.FundingRate, error)
	TopFundingRates(ctx context.Context, limit int, since, until time.Time) ([]models.FundingRate, error)
	PriceCandles(ctx context.Context, symbol string, fundingTime time.Time) ([]models.PriceCandle, error)
}

// Analyzer computes summaries over the stored history.
type Analyzer struct {
	store Storage
	log   *logger.Log
	now   func() time.Time
}

func New(storage Storage) *Analyzer {
	return &Analyzer{
		store: storage,
		log:   logger.GetLogger(),
		now:   time.Now,
	}
}

// SymbolStats aggregates a symbol's funding behavior over a period.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	Events      int     `json:"events"`
	MeanAbsRate float64 `json:"mean_abs_rate"`
	MaxAbsRate  float64 `json:"max_abs_rate"`
	LastRate    float64 `json:"last_rate"`
}

// PriceImpact describes how price moved across one funding event, measured
// on the one-minute candles adjacent to the funding time.
type PriceImpact struct {
	Symbol      string    `json:"symbol"`
	FundingTime time.Time `json:"funding_time"`
	FundingRate float64   `json:"funding_rate"`
	CloseBefore float64   `json:"close_before"`
	CloseAfter  float64   `json:"close_after"`
	ChangePct   float64   `json:"change_pct"`
}

// PatternReport summarizes funding behavior across all symbols over a period.
type PatternReport struct {
	Days         int           `json:"days"`
	TotalSymbols int           `json:"total_symbols"`
	TotalEvents  int           `json:"total_events"`
	MostExtreme  *EventRef     `json:"most_extreme,omitempty"`
	TopMovers    []SymbolStats `json:"top_movers"`
}

// EventRef points at one funding event.
type EventRef struct {
	Symbol      string    `json:"symbol"`
	FundingTime time.Time `json:"funding_time"`
	FundingRate float64   `json:"funding_rate"`
}

// Patterns builds the period summary: symbol and event counts, the single
// most extreme event, and the symbols ranked by mean absolute rate.
func (a *Analyzer) Patterns(ctx context.Context, days, limit int) (*PatternReport, error) {
	until := a.now().UTC()
	since := until.Add(-time.Duration(days) * 24 * time.Hour)

	rates, err := a.store.FundingRates(ctx, "", since, until)
	if err != nil {
		return nil, err
	}

	report := &PatternReport{Days: days, TotalEvents: len(rates)}
	symbols := make(map[string]bool)
	for _, r := range rates {
		symbols[r.Symbol] = true
		if report.MostExtreme == nil || abs(r.FundingRate) > abs(report.MostExtreme.FundingRate) {
			report.MostExtreme = &EventRef{
				Symbol:      r.Symbol,
				FundingTime: r.FundingTime,
				FundingRate: r.FundingRate,
			}
		}
	}
	report.TotalSymbols = len(symbols)

	report.TopMovers, err = a.TopMovers(ctx, days, limit)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// TopMovers returns the symbols with the largest mean absolute funding rate
// over the past days, most extreme first.
func (a *Analyzer) TopMovers(ctx context.Context, days, limit int) ([]SymbolStats, error) {
	until := a.now().UTC()
	since := until.Add(-time.Duration(days) * 24 * time.Hour)

	rates, err := a.store.FundingRates(ctx, "", since, until)
	if err != nil {
		return nil, err
	}

	type acc struct {
		events int
		sumAbs float64
		maxAbs float64
		last   models.FundingRate
	}
	bySymbol := make(map[string]*acc)
	for _, r := range rates {
		s := bySymbol[r.Symbol]
		if s == nil {
			s = &acc{}
			bySymbol[r.Symbol] = s
		}
		s.events++
		s.sumAbs += abs(r.FundingRate)
		if v := abs(r.FundingRate); v > s.maxAbs {
			s.maxAbs = v
		}
		if !r.FundingTime.Before(s.last.FundingTime) {
			s.last = r
		}
	}

	stats := make([]SymbolStats, 0, len(bySymbol))
	for symbol, s := range bySymbol {
		stats = append(stats, SymbolStats{
			Symbol:      symbol,
			Events:      s.events,
			MeanAbsRate: s.sumAbs / float64(s.events),
			MaxAbsRate:  s.maxAbs,
			LastRate:    s.last.FundingRate,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].MeanAbsRate != stats[j].MeanAbsRate {
			return stats[i].MeanAbsRate > stats[j].MeanAbsRate
		}
		return stats[i].Symbol < stats[j].Symbol
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}

	a.log.WithComponent("analyzer").WithFields(logger.Fields{
		"days":    days,
		"symbols": len(bySymbol),
		"events":  len(rates),
	}).Info("computed top movers")
	return stats, nil
}

// Impact measures price movement across one funding event. ok is false when
// the event lacks one-minute candles on either side of the funding time.
func (a *Analyzer) Impact(ctx context.Context, event models.FundingRate) (PriceImpact, bool, error) {
	candles, err := a.store.PriceCandles(ctx, event.Symbol, event.FundingTime)
	if err != nil {
		return PriceImpact{}, false, err
	}
	closeBefore, closeAfter, ok := boundaryCloses(candles)
	if !ok {
		return PriceImpact{}, false, nil
	}
	impact := PriceImpact{
		Symbol:      event.Symbol,
		FundingTime: event.FundingTime,
		FundingRate: event.FundingRate,
		CloseBefore: closeBefore,
		CloseAfter:  closeAfter,
	}
	if closeBefore != 0 {
		impact.ChangePct = (closeAfter - closeBefore) / closeBefore * 100
	}
	return impact, true, nil
}

// Impacts measures price movement across the most extreme funding events of
// the past days. Events without one-minute candles on both sides of the
// funding time are dropped.
func (a *Analyzer) Impacts(ctx context.Context, days, limit int) ([]PriceImpact, error) {
	until := a.now().UTC()
	since := until.Add(-time.Duration(days) * 24 * time.Hour)

	top, err := a.store.TopFundingRates(ctx, limit, since, until)
	if err != nil {
		return nil, err
	}

	impacts := make([]PriceImpact, 0, len(top))
	for _, event := range top {
		impact, ok, err := a.Impact(ctx, event)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		impacts = append(impacts, impact)
	}
	return impacts, nil
}

// boundaryCloses picks the close of the last one-minute candle before the
// funding time and the close of the last one-minute candle after it.
func boundaryCloses(candles []models.PriceCandle) (before, after float64, ok bool) {
	var lastBefore, lastAfter *models.PriceCandle
	for i := range candles {
		c := &candles[i]
		if c.Granularity != models.Granularity1m {
			continue
		}
		switch c.Position {
		case models.PositionBefore:
			if lastBefore == nil || c.Timestamp.After(lastBefore.Timestamp) {
				lastBefore = c
			}
		case models.PositionAfter:
			if lastAfter == nil || c.Timestamp.After(lastAfter.Timestamp) {
				lastAfter = c
			}
		}
	}
	if lastBefore == nil || lastAfter == nil {
		return 0, 0, false
	}
	return lastBefore.Close, lastAfter.Close, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
