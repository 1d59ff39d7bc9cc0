package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fundingflow/config"
	"fundingflow/internal/models"
)

func testConfig(baseURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			BurstSize:         100,
		},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

func TestListSymbolsFiltersDisabledContracts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/contract/detail" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"code":0,"data":[
			{"symbol":"BTC_USDT","state":0},
			{"symbol":"DELISTED_USDT","state":2},
			{"symbol":"ETH_USDT","state":0}
		]}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	symbols, err := client.ListSymbols(context.Background())
	if err != nil {
		t.Fatalf("ListSymbols failed: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "BTC_USDT" || symbols[1] != "ETH_USDT" {
		t.Fatalf("unexpected symbols: %v", symbols)
	}
}

func TestFundingHistoryPaginatesAndFilters(t *testing.T) {
	// Venue pages newest-first: page 1 has the two newest events, page 2 the
	// two oldest. One event on page 2 falls before the requested range.
	pages := map[string]string{
		"1": `{"success":true,"code":0,"data":{"pageSize":2,"totalCount":4,"totalPage":2,"currentPage":1,"resultList":[
			{"symbol":"BTC_USDT","fundingRate":0.0003,"settleTime":1700064000000},
			{"symbol":"BTC_USDT","fundingRate":-0.0001,"settleTime":1700035200000}
		]}}`,
		"2": `{"success":true,"code":0,"data":{"pageSize":2,"totalCount":4,"totalPage":2,"currentPage":2,"resultList":[
			{"symbol":"BTC_USDT","fundingRate":0.0002,"settleTime":1700006400000},
			{"symbol":"BTC_USDT","fundingRate":0.0005,"settleTime":1699977600000}
		]}}`,
	}

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(pages[r.URL.Query().Get("page_num")]))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	since := time.UnixMilli(1700000000000).UTC()
	until := time.UnixMilli(1700100000000).UTC()

	rates, err := client.FundingHistory(context.Background(), "BTC_USDT", since, until)
	if err != nil {
		t.Fatalf("FundingHistory failed: %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("expected 2 page requests, got %d", got)
	}
	if len(rates) != 3 {
		t.Fatalf("expected 3 events in range, got %d", len(rates))
	}
	for i := 1; i < len(rates); i++ {
		if !rates[i-1].FundingTime.Before(rates[i].FundingTime) {
			t.Errorf("events not in ascending funding time order: %v", rates)
		}
	}
	if rates[0].FundingRate != 0.0002 {
		t.Errorf("unexpected oldest event rate: %f", rates[0].FundingRate)
	}
}

func TestCandlesZipsColumnArrays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/contract/kline/BTC_USDT" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("interval") != "Min1" {
			t.Errorf("unexpected interval: %s", r.URL.Query().Get("interval"))
		}
		w.Write([]byte(`{"success":true,"code":0,"data":{
			"time":[1700000000,1700000060],
			"open":[100.0,101.0],
			"high":[102.0,103.0],
			"low":[99.0,100.5],
			"close":[101.0,102.5],
			"vol":[10.5,12.0]
		}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	candles, err := client.Candles(context.Background(), "BTC_USDT", models.Granularity1m,
		time.Unix(1700000000, 0), time.Unix(1700000120, 0))
	if err != nil {
		t.Fatalf("Candles failed: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	first := candles[0]
	if first.Open != 100.0 || first.High != 102.0 || first.Low != 99.0 || first.Close != 101.0 || first.Volume != 10.5 {
		t.Errorf("unexpected first candle: %+v", first)
	}
	if first.Position != "" {
		t.Errorf("position must be unset by the client, got %q", first.Position)
	}
}

func TestCandlesUnknownGranularityIsRejected(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Candles(context.Background(), "BTC_USDT", models.Granularity("5m"),
		time.Unix(1700000000, 0), time.Unix(1700000120, 0))

	if err == nil {
		t.Fatal("expected an error for an unknown granularity")
	}
	if got := atomic.LoadInt32(&requests); got != 0 {
		t.Errorf("unknown granularity must not reach the venue, saw %d requests", got)
	}
}

func TestCandlesMismatchedColumnsIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"code":0,"data":{
			"time":[1700000000,1700000060],
			"open":[100.0],
			"high":[102.0,103.0],
			"low":[99.0,100.5],
			"close":[101.0,102.5],
			"vol":[10.5,12.0]
		}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Candles(context.Background(), "BTC_USDT", models.Granularity1m,
		time.Unix(1700000000, 0), time.Unix(1700000120, 0))

	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestRateLimitedRequestIsRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"success":true,"code":0,"data":[{"symbol":"BTC_USDT","state":0}]}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	symbols, err := client.ListSymbols(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(symbols) != 1 {
		t.Fatalf("unexpected symbols: %v", symbols)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestMalformedResponseIsNotRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.ListSymbols(context.Background())

	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("malformed response must not be retried, saw %d requests", got)
	}
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.ListSymbols(context.Background())

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestVenueBusinessErrorIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"code":1002,"message":"contract not found"}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.FundingHistory(context.Background(), "NOPE_USDT", time.Unix(0, 0), time.Now())

	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}
