package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
	"fundingflow/internal/exchange"
	"fundingflow/internal/models"
	"fundingflow/internal/store"
)

var testFundingTime = time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

type fakeClient struct {
	symbols map[string][]models.FundingRate

	// candleErr returns an error for a given symbol+granularity+position
	// probe, keyed "SYMBOL/1m" etc. Position is not known at fetch time so
	// the key uses granularity only.
	candleErr map[string]error

	candleCalls int
}

func (f *fakeClient) ListSymbols(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeClient) FundingHistory(ctx context.Context, symbol string, since, until time.Time) ([]models.FundingRate, error) {
	var out []models.FundingRate
	for _, r := range f.symbols[symbol] {
		if r.FundingTime.Before(since) || r.FundingTime.After(until) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeClient) Candles(ctx context.Context, symbol string, granularity models.Granularity, start, end time.Time) ([]models.PriceCandle, error) {
	f.candleCalls++
	if err := f.candleErr[symbol+"/"+string(granularity)]; err != nil {
		return nil, err
	}
	return []models.PriceCandle{{
		Symbol:      symbol,
		Timestamp:   start,
		Granularity: granularity,
		Open:        1, High: 2, Low: 0.5, Close: 1.5, Volume: 100,
	}}, nil
}

type fakeStore struct {
	funding map[string]models.FundingRate // symbol|funding_time
	candles map[string]models.PriceCandle // full identity tuple

	candleErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		funding: make(map[string]models.FundingRate),
		candles: make(map[string]models.PriceCandle),
	}
}

func (f *fakeStore) UpsertFundingRates(ctx context.Context, rows []models.FundingRate) (int, error) {
	n := 0
	for _, r := range rows {
		key := r.Symbol + "|" + r.FundingTime.UTC().String()
		if _, ok := f.funding[key]; !ok {
			f.funding[key] = r
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpsertPriceCandles(ctx context.Context, rows []models.PriceCandle) (int, error) {
	if f.candleErr != nil {
		return 0, f.candleErr
	}
	n := 0
	for _, c := range rows {
		key := fmt.Sprintf("%s|%s|%s|%s|%s", c.Symbol, c.FundingTime.UTC(), c.Timestamp.UTC(), c.Granularity, c.Position)
		if _, ok := f.candles[key]; !ok {
			f.candles[key] = c
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) HasPriceData(ctx context.Context, symbol string, fundingTime time.Time) (bool, error) {
	for _, c := range f.candles {
		if c.Symbol == symbol && c.FundingTime.Equal(fundingTime) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) LatestFundingTime(ctx context.Context, symbol string) (time.Time, bool, error) {
	var latest time.Time
	found := false
	for _, r := range f.funding {
		if r.Symbol == symbol && r.FundingTime.After(latest) {
			latest = r.FundingTime
			found = true
		}
	}
	return latest, found, nil
}

func testFundingConfig(topN int) config.FundingConfig {
	return config.FundingConfig{
		TopNSymbols: topN,
		Historical:  config.HistoricalConfig{DaysBack: 3},
		TimeWindows: config.TimeWindowsConfig{
			DailyDaysBack:       3,
			HourlyHoursBack:     24,
			TenMinHoursBefore:   4,
			OneMinMinutesBefore: 15,
			OneMinMinutesAfter:  15,
		},
	}
}

func newTestCollector(client *fakeClient, storage *fakeStore, topN int) *Collector {
	c := NewCollector(client, storage, testFundingConfig(topN))
	c.now = func() time.Time { return testFundingTime.Add(time.Hour) }
	return c
}

func cohortFixture(rates map[string]float64) map[string][]models.FundingRate {
	out := make(map[string][]models.FundingRate, len(rates))
	for symbol, rate := range rates {
		out[symbol] = []models.FundingRate{{
			Symbol:      symbol,
			FundingTime: testFundingTime,
			FundingRate: rate,
			RecordedAt:  testFundingTime,
		}}
	}
	return out
}

func capturedSymbols(s *fakeStore) map[string]bool {
	out := make(map[string]bool)
	for _, c := range s.candles {
		out[c.Symbol] = true
	}
	return out
}

func TestCollectHistoricalSelectsTopByAbsoluteRate(t *testing.T) {
	client := &fakeClient{symbols: cohortFixture(map[string]float64{
		"A_USDT": 0.01,
		"B_USDT": -0.05,
		"C_USDT": 0.02,
		"D_USDT": -0.08,
		"E_USDT": 0.001,
	})}
	storage := newFakeStore()

	inserted, err := newTestCollector(client, storage, 2).CollectHistorical(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 5, inserted, "funding rows land for every event, not only the top ranked")

	captured := capturedSymbols(storage)
	assert.Equal(t, map[string]bool{"D_USDT": true, "B_USDT": true}, captured)
}

func TestCollectHistoricalStoresAllFiveWindows(t *testing.T) {
	client := &fakeClient{symbols: cohortFixture(map[string]float64{"A_USDT": 0.03})}
	storage := newFakeStore()

	_, err := newTestCollector(client, storage, 5).CollectHistorical(context.Background(), 3)
	require.NoError(t, err)

	positions := make(map[string]int)
	for _, c := range storage.candles {
		positions[string(c.Granularity)+"/"+string(c.Position)]++
	}
	assert.Equal(t, map[string]int{
		"1d/before": 1,
		"1h/before": 1,
		"10m/before": 1,
		"1m/before": 1,
		"1m/after":  1,
	}, positions)
}

func TestCollectHistoricalMalformedWindowIsPartial(t *testing.T) {
	client := &fakeClient{
		symbols: cohortFixture(map[string]float64{"A_USDT": 0.03}),
		candleErr: map[string]error{
			"A_USDT/10m": &exchange.MalformedResponseError{Endpoint: "/kline", Reason: "column length mismatch"},
		},
	}
	storage := newFakeStore()

	_, err := newTestCollector(client, storage, 5).CollectHistorical(context.Background(), 3)
	require.NoError(t, err)

	granularities := make(map[models.Granularity]bool)
	for _, c := range storage.candles {
		granularities[c.Granularity] = true
	}
	assert.False(t, granularities[models.Granularity10m], "failed window must not land")
	assert.True(t, granularities[models.Granularity1d])
	assert.True(t, granularities[models.Granularity1h])
	assert.True(t, granularities[models.Granularity1m])
}

func TestCollectHistoricalSecondRunSkipsSnapshots(t *testing.T) {
	client := &fakeClient{symbols: cohortFixture(map[string]float64{"A_USDT": 0.03})}
	storage := newFakeStore()
	collector := newTestCollector(client, storage, 5)

	inserted, err := collector.CollectHistorical(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	firstCalls := client.candleCalls

	inserted, err = collector.CollectHistorical(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted, "re-run inserts no duplicate funding rows")
	assert.Equal(t, firstCalls, client.candleCalls, "existing snapshots are not refetched")
}

func TestCollectHistoricalStorageFailureAbandonsSymbolOnly(t *testing.T) {
	symbols := cohortFixture(map[string]float64{"A_USDT": 0.05, "B_USDT": 0.04})
	client := &fakeClient{symbols: symbols}
	storage := newFakeStore()
	storage.candleErr = &store.StorageError{Op: "upsert price_candles", Err: fmt.Errorf("disk full")}
	collector := newTestCollector(client, storage, 5)

	inserted, err := collector.CollectHistorical(context.Background(), 3)
	require.NoError(t, err, "a storage failure on one symbol does not abort the run")
	assert.Equal(t, 2, inserted)
	assert.Empty(t, storage.candles)
}

func TestCollectUpdateFetchesOnlyNewEvents(t *testing.T) {
	older := testFundingTime.Add(-8 * time.Hour)
	client := &fakeClient{symbols: map[string][]models.FundingRate{
		"A_USDT": {
			{Symbol: "A_USDT", FundingTime: older, FundingRate: 0.01, RecordedAt: older},
			{Symbol: "A_USDT", FundingTime: testFundingTime, FundingRate: 0.02, RecordedAt: testFundingTime},
		},
	}}
	storage := newFakeStore()
	collector := newTestCollector(client, storage, 5)

	// Seed the older event as already stored.
	_, err := storage.UpsertFundingRates(context.Background(), []models.FundingRate{
		{Symbol: "A_USDT", FundingTime: older, FundingRate: 0.01},
	})
	require.NoError(t, err)

	inserted, err := collector.CollectUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inserted, "only the event newer than the stored high-water mark lands")
}

func TestRankCohortTieBreaksOnSymbol(t *testing.T) {
	collector := newTestCollector(&fakeClient{}, newFakeStore(), 1)
	ranked := collector.rankCohort([]models.FundingRate{
		{Symbol: "B_USDT", FundingRate: -0.05},
		{Symbol: "A_USDT", FundingRate: 0.05},
	})
	require.Len(t, ranked, 1)
	assert.Equal(t, "A_USDT", ranked[0].Symbol)
}
