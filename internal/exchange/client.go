package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

const (
	pathContractDetail     = "/api/v1/contract/detail"
	pathFundingRateHistory = "/api/v1/contract/funding_rate/history"
	pathKline              = "/api/v1/contract/kline"

	fundingHistoryPageSize = 100
)

// Client calls the MEXC contract REST API. All calls share one rate limiter
// so a collection run never exceeds the configured requests-per-second
// budget, regardless of which endpoint is being hit.
type Client struct {
	cfg        config.ExchangeConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
	now        func() time.Time
}

// NewClient builds a client from the exchange configuration. Credentials are
// optional; the endpoints used by the collector are public, but authenticated
// requests get signature headers attached.
func NewClient(cfg config.ExchangeConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

type contractDetailResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    []struct {
		Symbol string `json:"symbol"`
		State  int    `json:"state"`
	} `json:"data"`
}

// ListSymbols returns the symbols currently tradable on the contract venue.
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	var resp contractDetailResponse
	if err := c.getJSON(ctx, pathContractDetail, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &MalformedResponseError{
			Endpoint: pathContractDetail,
			Reason:   fmt.Sprintf("venue error code %d: %s", resp.Code, resp.Message),
		}
	}

	symbols := make([]string, 0, len(resp.Data))
	for _, contract := range resp.Data {
		// state 0 is "enabled" on the contract venue
		if contract.State == 0 && contract.Symbol != "" {
			symbols = append(symbols, contract.Symbol)
		}
	}
	sort.Strings(symbols)

	c.log.WithComponent("exchange").WithFields(logger.Fields{
		"symbols": len(symbols),
	}).Debug("listed tradable contracts")
	return symbols, nil
}

type fundingHistoryResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		PageSize    int `json:"pageSize"`
		TotalCount  int `json:"totalCount"`
		TotalPage   int `json:"totalPage"`
		CurrentPage int `json:"currentPage"`
		ResultList  []struct {
			Symbol      string  `json:"symbol"`
			FundingRate float64 `json:"fundingRate"`
			SettleTime  int64   `json:"settleTime"`
		} `json:"resultList"`
	} `json:"data"`
}

// FundingHistory fetches funding payout events for a symbol within
// [since, until]. The venue pages newest-first; the client walks pages until
// the range is covered or the venue reports exhaustion, and returns events in
// ascending funding time order.
func (c *Client) FundingHistory(ctx context.Context, symbol string, since, until time.Time) ([]models.FundingRate, error) {
	recordedAt := c.now().UTC()
	var out []models.FundingRate

	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("symbol", symbol)
		query.Set("page_num", strconv.Itoa(page))
		query.Set("page_size", strconv.Itoa(fundingHistoryPageSize))

		var resp fundingHistoryResponse
		if err := c.getJSON(ctx, pathFundingRateHistory, query, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, &MalformedResponseError{
				Endpoint: pathFundingRateHistory,
				Reason:   fmt.Sprintf("venue error code %d: %s", resp.Code, resp.Message),
			}
		}

		pastRange := false
		for _, entry := range resp.Data.ResultList {
			fundingTime := time.UnixMilli(entry.SettleTime).UTC()
			if fundingTime.Before(since) {
				pastRange = true
				continue
			}
			if fundingTime.After(until) {
				continue
			}
			sym := entry.Symbol
			if sym == "" {
				sym = symbol
			}
			out = append(out, models.FundingRate{
				Symbol:      sym,
				FundingTime: fundingTime,
				FundingRate: entry.FundingRate,
				RecordedAt:  recordedAt,
			})
		}

		if pastRange || len(resp.Data.ResultList) == 0 {
			break
		}
		if resp.Data.TotalPage > 0 && page >= resp.Data.TotalPage {
			break
		}
	}

	// Newest-first pages, oldest-first result
	sort.Slice(out, func(i, j int) bool { return out[i].FundingTime.Before(out[j].FundingTime) })

	c.log.WithComponent("exchange").WithFields(logger.Fields{
		"symbol": symbol,
		"events": len(out),
	}).Debug("fetched funding history")
	return out, nil
}

type klineResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Time  []int64   `json:"time"`
		Open  []float64 `json:"open"`
		High  []float64 `json:"high"`
		Low   []float64 `json:"low"`
		Close []float64 `json:"close"`
		Vol   []float64 `json:"vol"`
	} `json:"data"`
}

// Candles fetches OHLCV candles for the symbol between start and end at the
// given granularity. The venue returns column arrays; the client zips them
// into rows. Position and FundingTime are left unset, assigned by the caller
// based on which snapshot window produced the call. Windows that reach before
// the symbol's listing or beyond now simply come back short or empty.
func (c *Client) Candles(ctx context.Context, symbol string, granularity models.Granularity, start, end time.Time) ([]models.PriceCandle, error) {
	interval := granularity.Interval()
	if interval == "" {
		return nil, fmt.Errorf("unsupported granularity: %s", granularity)
	}

	query := url.Values{}
	query.Set("interval", interval)
	query.Set("start", strconv.FormatInt(start.Unix(), 10))
	query.Set("end", strconv.FormatInt(end.Unix(), 10))

	endpoint := pathKline + "/" + symbol
	var resp klineResponse
	if err := c.getJSON(ctx, endpoint, query, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &MalformedResponseError{
			Endpoint: endpoint,
			Reason:   fmt.Sprintf("venue error code %d: %s", resp.Code, resp.Message),
		}
	}

	data := resp.Data
	n := len(data.Time)
	if len(data.Open) != n || len(data.High) != n || len(data.Low) != n || len(data.Close) != n || len(data.Vol) != n {
		return nil, &MalformedResponseError{
			Endpoint: endpoint,
			Reason:   "kline column arrays have mismatched lengths",
		}
	}

	candles := make([]models.PriceCandle, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, models.PriceCandle{
			Symbol:      symbol,
			Timestamp:   time.Unix(data.Time[i], 0).UTC(),
			Granularity: granularity,
			Open:        data.Open[i],
			High:        data.High[i],
			Low:         data.Low[i],
			Close:       data.Close[i],
			Volume:      data.Vol[i],
		})
	}
	return candles, nil
}

// getJSON performs a GET with rate limiting, bounded retries and error
// classification, decoding the body into out on success.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	retry := c.cfg.Retry
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt, lastErr)
			c.log.WithComponent("exchange").WithFields(logger.Fields{
				"endpoint": path,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			}).Warn("retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &NetworkError{Endpoint: path, Err: ctx.Err()}
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return &NetworkError{Endpoint: path, Err: err}
		}

		err := c.doOnce(ctx, path, query, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var netErr *NetworkError
		var rateErr *RateLimitError
		if !errors.As(err, &netErr) && !errors.As(err, &rateErr) {
			// Malformed payloads do not become valid on retry
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, query url.Values, out interface{}) error {
	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &NetworkError{Endpoint: path, Err: err}
	}
	c.sign(req, query)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	logger.IncrementAPIRequest()
	if err != nil {
		return &NetworkError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("exchange"), "exchange", "api_request", c.now().Sub(start), logger.Fields{
		"endpoint": path,
	})

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return &RateLimitError{Endpoint: path, RetryAfter: parseRetryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return &NetworkError{Endpoint: path, Err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return &MalformedResponseError{Endpoint: path, Reason: fmt.Sprintf("unexpected status %s", resp.Status)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &MalformedResponseError{Endpoint: path, Reason: "invalid JSON body", Err: err}
	}
	return nil
}

// sign attaches the contract API authentication headers when credentials are
// configured. Signature is HMAC-SHA256 over key, request time and the encoded
// query string.
func (c *Client) sign(req *http.Request, query url.Values) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return
	}

	requestTime := strconv.FormatInt(c.now().UnixMilli(), 10)
	payload := c.cfg.APIKey + requestTime + query.Encode()

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))

	req.Header.Set("ApiKey", c.cfg.APIKey)
	req.Header.Set("Request-Time", requestTime)
	req.Header.Set("Signature", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) backoffDelay(attempt int, lastErr error) time.Duration {
	retry := c.cfg.Retry
	base := retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := retry.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(multiplier)
	}
	if retry.MaxDelay > 0 && delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}

	// Rate limited responses honor the server advised wait when longer
	var rateErr *RateLimitError
	if errors.As(lastErr, &rateErr) && rateErr.RetryAfter > delay {
		delay = rateErr.RetryAfter
	}
	return delay
}

func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
