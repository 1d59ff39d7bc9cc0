// Package archive exports stored history to S3 as parquet objects, one
// object per table per export run, partitioned by date.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

// fundingRecord is the parquet row shape for funding events.
type fundingRecord struct {
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingTime int64   `parquet:"name=funding_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	FundingRate float64 `parquet:"name=funding_rate, type=DOUBLE"`
	RecordedAt  int64   `parquet:"name=recorded_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// candleRecord is the parquet row shape for snapshot candles.
type candleRecord struct {
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingTime int64   `parquet:"name=funding_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Timestamp   int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Granularity string  `parquet:"name=granularity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Position    string  `parquet:"name=position, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open        float64 `parquet:"name=open, type=DOUBLE"`
	High        float64 `parquet:"name=high, type=DOUBLE"`
	Low         float64 `parquet:"name=low, type=DOUBLE"`
	Close       float64 `parquet:"name=close, type=DOUBLE"`
	Volume      float64 `parquet:"name=volume, type=DOUBLE"`
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Storage is the read surface the exporter uses.
type Storage interface {
	FundingRates(ctx context.Context, symbol string, since, until time.Time) ([]models.FundingRate, error)
	PriceCandles(ctx context.Context, symbol string, fundingTime time.Time) ([]models.PriceCandle, error)
}

// objectPutter is satisfied by *s3.Client.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter writes funding and candle history to S3 as parquet.
type Exporter struct {
	cfg      appconfig.S3Config
	store    Storage
	s3Client objectPutter
	log      *logger.Log
	now      func() time.Time
}

// NewExporter builds an exporter with its own S3 client. Static credentials
// from the config win over the default provider chain when present.
func NewExporter(ctx context.Context, cfg appconfig.S3Config, storage Storage) (*Exporter, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Exporter{
		cfg:      cfg,
		store:    storage,
		s3Client: s3.NewFromConfig(awsCfg),
		log:      logger.GetLogger(),
		now:      time.Now,
	}, nil
}

// Export uploads all funding events of the past days, plus the snapshot
// candles attached to them, as two parquet objects. Returns the uploaded
// object keys.
func (e *Exporter) Export(ctx context.Context, days int) ([]string, error) {
	until := e.now().UTC()
	since := until.Add(-time.Duration(days) * 24 * time.Hour)
	log := e.log.WithComponent("archive").WithFields(logger.Fields{"days": days})

	rates, err := e.store.FundingRates(ctx, "", since, until)
	if err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		log.Warn("no funding events in export range")
		return nil, nil
	}

	var candles []models.PriceCandle
	for _, r := range rates {
		rows, err := e.store.PriceCandles(ctx, r.Symbol, r.FundingTime)
		if err != nil {
			return nil, err
		}
		candles = append(candles, rows...)
	}

	runID := uuid.New().String()
	var keys []string

	fundingData, err := writeParquet(new(fundingRecord), func(pw *writer.ParquetWriter) error {
		for _, r := range rates {
			rec := fundingRecord{
				Symbol:      r.Symbol,
				FundingTime: r.FundingTime.UnixMilli(),
				FundingRate: r.FundingRate,
				RecordedAt:  r.RecordedAt.UnixMilli(),
			}
			if err := pw.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encode funding rates: %w", err)
	}
	key := e.objectKey("funding_rates", until, runID)
	if err := e.upload(ctx, key, fundingData); err != nil {
		return nil, err
	}
	keys = append(keys, key)
	log.WithFields(logger.Fields{"s3_key": key, "records": len(rates), "bytes": len(fundingData)}).Info("funding rates uploaded")

	if len(candles) > 0 {
		candleData, err := writeParquet(new(candleRecord), func(pw *writer.ParquetWriter) error {
			for _, c := range candles {
				rec := candleRecord{
					Symbol:      c.Symbol,
					FundingTime: c.FundingTime.UnixMilli(),
					Timestamp:   c.Timestamp.UnixMilli(),
					Granularity: string(c.Granularity),
					Position:    string(c.Position),
					Open:        c.Open,
					High:        c.High,
					Low:         c.Low,
					Close:       c.Close,
					Volume:      c.Volume,
				}
				if err := pw.Write(rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("encode candles: %w", err)
		}
		key = e.objectKey("price_candles", until, runID)
		if err := e.upload(ctx, key, candleData); err != nil {
			return nil, err
		}
		keys = append(keys, key)
		log.WithFields(logger.Fields{"s3_key": key, "records": len(candles), "bytes": len(candleData)}).Info("price candles uploaded")
	}

	return keys, nil
}

func writeParquet(schema interface{}, fill func(pw *writer.ParquetWriter) error) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, schema, 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	if err := fill(pw); err != nil {
		return nil, err
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (e *Exporter) objectKey(table string, ts time.Time, runID string) string {
	datePath := fmt.Sprintf("year=%04d/month=%02d/day=%02d", ts.Year(), int(ts.Month()), ts.Day())
	filename := fmt.Sprintf("%s_%d_%s.parquet", table, ts.UnixNano(), runID)
	return path.Join(e.cfg.Prefix, fmt.Sprintf("table=%s", table), datePath, filename)
}

func (e *Exporter) upload(ctx context.Context, key string, data []byte) error {
	_, err := e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
