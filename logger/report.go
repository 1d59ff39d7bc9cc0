package logger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	apiRequests     int64
	fundingRows     int64
	candleRows      int64
	skippedWindows  int64
	collectorErrors int64
	collectorWarns  int64
)

func recordWarn() {
	atomic.AddInt64(&collectorWarns, 1)
}

func recordError() {
	atomic.AddInt64(&collectorErrors, 1)
}

// IncrementAPIRequest counts one REST call against the exchange.
func IncrementAPIRequest() {
	atomic.AddInt64(&apiRequests, 1)
}

// IncrementFundingRows counts newly inserted funding rate rows.
func IncrementFundingRows(n int) {
	atomic.AddInt64(&fundingRows, int64(n))
}

// IncrementCandleRows counts newly inserted price candle rows.
func IncrementCandleRows(n int) {
	atomic.AddInt64(&candleRows, int64(n))
}

// IncrementSkippedWindow counts a snapshot window that failed and was skipped.
func IncrementSkippedWindow() {
	atomic.AddInt64(&skippedWindows, 1)
}

// StartReport periodically logs a collection summary and publishes the
// counters to CloudWatch. Counters are reset after every report.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	requests := atomic.SwapInt64(&apiRequests, 0)
	funding := atomic.SwapInt64(&fundingRows, 0)
	candles := atomic.SwapInt64(&candleRows, 0)
	skipped := atomic.SwapInt64(&skippedWindows, 0)
	errs := atomic.SwapInt64(&collectorErrors, 0)
	warns := atomic.SwapInt64(&collectorWarns, 0)

	log.WithComponent("report").WithFields(Fields{
		"api_requests":    requests,
		"funding_rows":    funding,
		"candle_rows":     candles,
		"skipped_windows": skipped,
		"errors":          errs,
		"warnings":        warns,
	}).Info("collection report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("APIRequests"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(requests))},
		{MetricName: aws.String("FundingRowsInserted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(funding))},
		{MetricName: aws.String("CandleRowsInserted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(candles))},
		{MetricName: aws.String("SkippedWindows"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(skipped))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errs))},
	}
	publishMetrics(ctx, data)
}
