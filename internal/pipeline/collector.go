// Package pipeline orchestrates collection runs: fetch funding events, rank
// each funding-time cohort by absolute rate, and capture candle snapshots for
// the top ranked events.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"fundingflow/config"
	"fundingflow/internal/exchange"
	"fundingflow/internal/models"
	"fundingflow/internal/snapshot"
	"fundingflow/internal/store"
	"fundingflow/logger"
)

// updateLookback bounds the history fetched for symbols that have no stored
// funding events yet when running in update mode.
const updateLookback = 24 * time.Hour

// ExchangeClient is the venue surface the collector needs.
type ExchangeClient interface {
	ListSymbols(ctx context.Context) ([]string, error)
	FundingHistory(ctx context.Context, symbol string, since, until time.Time) ([]models.FundingRate, error)
	Candles(ctx context.Context, symbol string, granularity models.Granularity, start, end time.Time) ([]models.PriceCandle, error)
}

// Storage is the persistence surface the collector needs.
type Storage interface {
	UpsertFundingRates(ctx context.Context, rows []models.FundingRate) (int, error)
	UpsertPriceCandles(ctx context.Context, rows []models.PriceCandle) (int, error)
	HasPriceData(ctx context.Context, symbol string, fundingTime time.Time) (bool, error)
	LatestFundingTime(ctx context.Context, symbol string) (time.Time, bool, error)
}

// Collector drives one collection run at a time. A run proceeds symbol by
// symbol, window by window; rate limiting lives in the exchange client.
type Collector struct {
	client ExchangeClient
	store  Storage
	cfg    config.FundingConfig
	log    *logger.Log
	now    func() time.Time
}

// NewCollector wires a collector from its collaborators.
func NewCollector(client ExchangeClient, storage Storage, cfg config.FundingConfig) *Collector {
	return &Collector{
		client: client,
		store:  storage,
		cfg:    cfg,
		log:    logger.GetLogger(),
		now:    time.Now,
	}
}

// CollectHistorical fetches funding history for every tradable symbol over
// the past daysBack days, stores all funding events, and captures candle
// snapshots for the top ranked events of each funding-time cohort. It returns
// the number of new funding rate rows.
func (c *Collector) CollectHistorical(ctx context.Context, daysBack int) (int, error) {
	if daysBack <= 0 {
		daysBack = c.cfg.Historical.DaysBack
	}
	until := c.now().UTC()
	since := until.Add(-time.Duration(daysBack) * 24 * time.Hour)

	log := c.log.WithComponent("collector").WithFields(logger.Fields{
		"mode":      "historical",
		"days_back": daysBack,
	})
	log.Info("starting collection run")

	symbols, err := c.client.ListSymbols(ctx)
	if err != nil {
		return 0, err
	}
	log.WithFields(logger.Fields{"symbols": len(symbols)}).Info("listed tradable symbols")

	inserted, events := c.fetchAndStoreFunding(ctx, symbols, since, until, nil)
	c.processCohorts(ctx, events)

	log.WithFields(logger.Fields{"funding_rows": inserted}).Info("collection run finished")
	return inserted, nil
}

// CollectUpdate fetches only funding events newer than the latest stored one
// per symbol and runs the same cohort flow over them. Symbols without any
// stored events get a bounded initial backfill.
func (c *Collector) CollectUpdate(ctx context.Context) (int, error) {
	until := c.now().UTC()

	log := c.log.WithComponent("collector").WithFields(logger.Fields{"mode": "update"})
	log.Info("starting collection run")

	symbols, err := c.client.ListSymbols(ctx)
	if err != nil {
		return 0, err
	}

	sinceBySymbol := make(map[string]time.Time, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		latest, present, err := c.store.LatestFundingTime(ctx, symbol)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("latest funding time lookup failed, skipping symbol")
			continue
		}
		if present {
			// Strictly newer events only
			sinceBySymbol[symbol] = latest.Add(time.Millisecond)
		} else {
			sinceBySymbol[symbol] = until.Add(-updateLookback)
		}
	}

	inserted, events := c.fetchAndStoreFunding(ctx, symbols, time.Time{}, until, sinceBySymbol)
	c.processCohorts(ctx, events)

	log.WithFields(logger.Fields{"funding_rows": inserted}).Info("collection run finished")
	return inserted, nil
}

// fetchAndStoreFunding pulls funding history per symbol and stores it. When
// sinceBySymbol is non-nil it supplies a per-symbol range start; symbols
// missing from the map are skipped entirely. Fetch or storage failures skip
// the affected symbol and the run continues.
func (c *Collector) fetchAndStoreFunding(ctx context.Context, symbols []string, since, until time.Time, sinceBySymbol map[string]time.Time) (int, []models.FundingRate) {
	log := c.log.WithComponent("collector")

	inserted := 0
	var events []models.FundingRate
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}

		from := since
		if sinceBySymbol != nil {
			var ok bool
			if from, ok = sinceBySymbol[symbol]; !ok {
				continue
			}
		}

		rates, err := c.client.FundingHistory(ctx, symbol, from, until)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("funding history fetch failed, skipping symbol")
			continue
		}
		if len(rates) == 0 {
			continue
		}

		n, err := c.store.UpsertFundingRates(ctx, rates)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("funding rate batch failed, skipping symbol")
			continue
		}
		inserted += n
		events = append(events, rates...)
	}
	return inserted, events
}

// processCohorts groups events by funding time, ranks each cohort by
// absolute rate and captures snapshots for the top N. Rank order is also the
// processing order so the most significant events are safest under
// interruption.
func (c *Collector) processCohorts(ctx context.Context, events []models.FundingRate) {
	log := c.log.WithComponent("collector")

	cohorts := make(map[time.Time][]models.FundingRate)
	for _, event := range events {
		key := event.FundingTime.UTC()
		cohorts[key] = append(cohorts[key], event)
	}

	// Oldest cohort first
	times := make([]time.Time, 0, len(cohorts))
	for t := range cohorts {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	failedSymbols := make(map[string]bool)
	for _, fundingTime := range times {
		if ctx.Err() != nil {
			return
		}
		cohort := cohorts[fundingTime]
		for _, event := range c.rankCohort(cohort) {
			if ctx.Err() != nil {
				return
			}
			if failedSymbols[event.Symbol] {
				continue
			}
			if err := c.captureSnapshot(ctx, event); err != nil {
				var storageErr *store.StorageError
				if errors.As(err, &storageErr) {
					// Batch rolled back; give up on this symbol for the
					// rest of the run, keep going with the others.
					failedSymbols[event.Symbol] = true
					log.WithError(err).WithFields(logger.Fields{
						"symbol": event.Symbol,
					}).Error("snapshot batch failed, abandoning symbol for this run")
					continue
				}
				log.WithError(err).WithFields(logger.Fields{
					"symbol":       event.Symbol,
					"funding_time": event.FundingTime,
				}).Warn("snapshot capture failed")
			}
		}
	}
}

// rankCohort orders a cohort by absolute funding rate, largest first, and
// cuts it to the configured top N. Ties break on symbol for determinism.
func (c *Collector) rankCohort(cohort []models.FundingRate) []models.FundingRate {
	ranked := make([]models.FundingRate, len(cohort))
	copy(ranked, cohort)
	sort.Slice(ranked, func(i, j int) bool {
		iAbs, jAbs := abs(ranked[i].FundingRate), abs(ranked[j].FundingRate)
		if iAbs != jAbs {
			return iAbs > jAbs
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})

	topN := c.cfg.TopNSymbols
	if topN <= 0 {
		topN = 5
	}
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// captureSnapshot fetches and stores the candle windows for one funding
// event. A window that fails to fetch is skipped and logged; the remaining
// windows still land. Returns a StorageError when the candle batch could not
// be committed.
func (c *Collector) captureSnapshot(ctx context.Context, event models.FundingRate) error {
	log := c.log.WithComponent("collector").WithFields(logger.Fields{
		"symbol":       event.Symbol,
		"funding_time": event.FundingTime,
	})

	has, err := c.store.HasPriceData(ctx, event.Symbol, event.FundingTime)
	if err != nil {
		return err
	}
	if has {
		log.Debug("price data already present, skipping snapshot")
		return nil
	}

	var batch []models.PriceCandle
	for _, window := range snapshot.Plan(event.FundingTime, c.cfg.TimeWindows) {
		if err := ctx.Err(); err != nil {
			return err
		}

		candles, err := c.client.Candles(ctx, event.Symbol, window.Granularity, window.Start, window.End)
		if err != nil {
			logger.IncrementSkippedWindow()
			var malformed *exchange.MalformedResponseError
			if errors.As(err, &malformed) {
				log.WithError(err).WithFields(logger.Fields{
					"granularity": window.Granularity,
					"position":    window.Position,
				}).Warn("malformed candle payload, window skipped")
				continue
			}
			log.WithError(err).WithFields(logger.Fields{
				"granularity": window.Granularity,
				"position":    window.Position,
			}).Warn("candle fetch failed, window skipped")
			continue
		}

		for i := range candles {
			candles[i].FundingTime = event.FundingTime
			candles[i].Position = window.Position
		}
		batch = append(batch, candles...)
	}

	if len(batch) == 0 {
		log.Warn("no candles fetched for event")
		return nil
	}

	inserted, err := c.store.UpsertPriceCandles(ctx, batch)
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"candles": inserted}).Info("snapshot stored")
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
