package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
	"fundingflow/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := config.DatabaseConfig{
		Type:   "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fundingRate(symbol string, fundingTime time.Time, rate float64) models.FundingRate {
	return models.FundingRate{
		Symbol:      symbol,
		FundingTime: fundingTime,
		FundingRate: rate,
		RecordedAt:  fundingTime.Add(time.Minute),
	}
}

func candle(symbol string, fundingTime, ts time.Time, g models.Granularity, p models.Position, close float64) models.PriceCandle {
	return models.PriceCandle{
		Symbol:      symbol,
		FundingTime: fundingTime,
		Timestamp:   ts,
		Granularity: g,
		Position:    p,
		Open:        close - 1,
		High:        close + 1,
		Low:         close - 2,
		Close:       close,
		Volume:      10,
	}
}

func TestUpsertFundingRatesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	rows := []models.FundingRate{
		fundingRate("BTC_USDT", t1, 0.0001),
		fundingRate("ETH_USDT", t1, -0.0005),
	}

	inserted, err := s.UpsertFundingRates(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Second run over the same range inserts nothing.
	inserted, err = s.UpsertFundingRates(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	stored, err := s.FundingRates(ctx, "", t1.Add(-time.Hour), t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestUpsertPriceCandlesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	rows := []models.PriceCandle{
		candle("BTC_USDT", event, event.Add(-time.Minute), models.Granularity1m, models.PositionBefore, 100),
		candle("BTC_USDT", event, event, models.Granularity1m, models.PositionBefore, 101),
		// Same market candle, opposite position: a distinct row by design.
		candle("BTC_USDT", event, event, models.Granularity1m, models.PositionAfter, 101),
	}

	inserted, err := s.UpsertPriceCandles(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	inserted, err = s.UpsertPriceCandles(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	stored, err := s.PriceCandles(ctx, "BTC_USDT", event)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestHasPriceData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	has, err := s.HasPriceData(ctx, "BTC_USDT", event)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.UpsertPriceCandles(ctx, []models.PriceCandle{
		candle("BTC_USDT", event, event, models.Granularity1h, models.PositionBefore, 100),
	})
	require.NoError(t, err)

	has, err = s.HasPriceData(ctx, "BTC_USDT", event)
	require.NoError(t, err)
	assert.True(t, has)

	// Another symbol's event is unaffected.
	has, err = s.HasPriceData(ctx, "ETH_USDT", event)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLatestFundingTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, present, err := s.LatestFundingTime(ctx, "BTC_USDT")
	require.NoError(t, err)
	assert.False(t, present)

	t1 := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(8 * time.Hour)
	t3 := t2.Add(8 * time.Hour)
	_, err = s.UpsertFundingRates(ctx, []models.FundingRate{
		fundingRate("BTC_USDT", t2, 0.0002),
		fundingRate("BTC_USDT", t1, 0.0001),
		fundingRate("BTC_USDT", t3, 0.0003),
	})
	require.NoError(t, err)

	latest, present, err := s.LatestFundingTime(ctx, "BTC_USDT")
	require.NoError(t, err)
	require.True(t, present)
	assert.True(t, latest.Equal(t3), "latest = %s, want %s", latest, t3)
}

func TestTopFundingRatesOrdersByAbsoluteValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err := s.UpsertFundingRates(ctx, []models.FundingRate{
		fundingRate("A_USDT", base, 0.01),
		fundingRate("B_USDT", base, -0.05),
		fundingRate("C_USDT", base, 0.02),
		fundingRate("D_USDT", base, -0.08),
		fundingRate("E_USDT", base, 0.001),
	})
	require.NoError(t, err)

	top, err := s.TopFundingRates(ctx, 2, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "D_USDT", top[0].Symbol)
	assert.Equal(t, "B_USDT", top[1].Symbol)
}

func TestFundingRatesSymbolFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err := s.UpsertFundingRates(ctx, []models.FundingRate{
		fundingRate("BTC_USDT", base, 0.0001),
		fundingRate("ETH_USDT", base, 0.0002),
		fundingRate("BTC_USDT", base.Add(8*time.Hour), 0.0003),
	})
	require.NoError(t, err)

	rows, err := s.FundingRates(ctx, "BTC_USDT", base.Add(-time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "BTC_USDT", r.Symbol)
	}
	assert.True(t, rows[0].FundingTime.Before(rows[1].FundingTime))
}
