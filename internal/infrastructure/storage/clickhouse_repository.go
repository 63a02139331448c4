package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

// ClickHouseRepository implements ReadingStore on ClickHouse for server
// deployments that aggregate many devices. Both tables are ReplacingMergeTree
// keyed by identity, and reads use FINAL so the newest version of a row wins.
type ClickHouseRepository struct {
	conn driver.Conn
}

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Timeout  int
}

func NewClickHouseRepository(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseRepository, error) {
	database := cfg.Database
	if database == "" {
		database = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: time.Duration(cfg.Timeout) * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping clickhouse: %w", model.ErrStoreUnavailable, err)
	}

	if err := createTablesIfNotExist(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &ClickHouseRepository{conn: conn}, nil
}

var _ repository.ReadingStore = (*ClickHouseRepository)(nil)

func createTablesIfNotExist(ctx context.Context, conn driver.Conn) error {
	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS readings (
			device_id String,
			timestamp_utc Int64,
			id String,
			volume_liters Float64,
			source LowCardinality(String),
			seq Int64,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (device_id, timestamp_utc)
	`)
	if err != nil {
		return err
	}

	return conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS buckets (
			device_id String,
			bucket_size_ms Int64,
			bucket_start_utc Int64,
			total_liters Decimal(38, 6),
			reading_count Int64,
			last_updated_utc Int64,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (device_id, bucket_size_ms, bucket_start_utc)
	`)
}

func (r *ClickHouseRepository) Close() error {
	return r.conn.Close()
}

func chUnavailable(op string, err error) error {
	return fmt.Errorf("%w: clickhouse %s: %w", model.ErrStoreUnavailable, op, err)
}

func version() uint64 {
	return uint64(time.Now().UnixNano())
}

// Append is read-then-write. Callers serialize writes per device, which is
// what makes the check race free.
func (r *ClickHouseRepository) Append(ctx context.Context, reading model.Reading) (model.AppendResult, error) {
	var stored *model.Reading
	row := r.conn.QueryRow(ctx, `
		SELECT id, device_id, timestamp_utc, volume_liters, source, seq
		FROM readings FINAL
		WHERE device_id = ? AND timestamp_utc = ?
	`, reading.DeviceID, reading.TimestampUTC)
	prev, err := scanReading(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return model.AppendResult{}, chUnavailable("read reading", err)
	default:
		stored = &prev
	}

	res := model.ResolveAppend(reading, stored)
	if res.Outcome == model.AppendDuplicate {
		return res, nil
	}

	err = r.conn.AsyncInsert(ctx, `
		INSERT INTO readings (
			device_id, timestamp_utc, id, volume_liters, source, seq, version
		) VALUES (
			?, ?, ?, ?, ?, ?, ?
		)
	`, true,
		reading.DeviceID,
		reading.TimestampUTC,
		reading.ID,
		reading.VolumeLiters,
		string(reading.Source),
		reading.Seq,
		version(),
	)
	if err != nil {
		return model.AppendResult{}, chUnavailable("insert reading", err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(s scanner) (model.Reading, error) {
	var (
		rd     model.Reading
		source string
	)
	if err := s.Scan(&rd.ID, &rd.DeviceID, &rd.TimestampUTC, &rd.VolumeLiters, &source, &rd.Seq); err != nil {
		return model.Reading{}, err
	}
	rd.Source = model.Source(source)
	return rd, nil
}

func scanBucket(s scanner) (model.Bucket, error) {
	var b model.Bucket
	if err := s.Scan(&b.DeviceID, &b.BucketSizeMs, &b.BucketStartUTC, &b.TotalLiters, &b.ReadingCount, &b.LastUpdatedUTC); err != nil {
		return model.Bucket{}, err
	}
	return b, nil
}

func (r *ClickHouseRepository) QueryReadings(ctx context.Context, deviceID string, from, to int64) ([]model.Reading, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, device_id, timestamp_utc, volume_liters, source, seq
		FROM readings FINAL
		WHERE device_id = ? AND timestamp_utc >= ? AND timestamp_utc < ?
		ORDER BY timestamp_utc
	`, deviceID, from, to)
	if err != nil {
		return nil, chUnavailable("query readings", err)
	}
	defer rows.Close()

	var results []model.Reading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan reading: %w", model.ErrStoreCorrupted, err)
		}
		results = append(results, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, chUnavailable("query readings", err)
	}
	return results, nil
}

func (r *ClickHouseRepository) UpsertBucket(ctx context.Context, b model.Bucket) error {
	err := r.conn.AsyncInsert(ctx, `
		INSERT INTO buckets (
			device_id, bucket_size_ms, bucket_start_utc,
			total_liters, reading_count, last_updated_utc, version
		) VALUES (
			?, ?, ?, ?, ?, ?, ?
		)
	`, true,
		b.DeviceID,
		b.BucketSizeMs,
		b.BucketStartUTC,
		b.TotalLiters,
		b.ReadingCount,
		b.LastUpdatedUTC,
		version(),
	)
	if err != nil {
		return chUnavailable("upsert bucket", err)
	}
	return nil
}

const bucketColumns = `device_id, bucket_size_ms, bucket_start_utc, total_liters, reading_count, last_updated_utc`

func (r *ClickHouseRepository) GetOpenBucket(ctx context.Context, deviceID string, sizeMs, bucketStart int64) (*model.Bucket, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+bucketColumns+`
		FROM buckets FINAL
		WHERE device_id = ? AND bucket_size_ms = ? AND bucket_start_utc = ?
	`, deviceID, sizeMs, bucketStart)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, chUnavailable("get bucket", err)
	}
	return &b, nil
}

func (r *ClickHouseRepository) QueryBuckets(ctx context.Context, deviceID string, sizeMs, from, to int64) ([]model.Bucket, error) {
	return r.queryBuckets(ctx, `
		SELECT `+bucketColumns+`
		FROM buckets FINAL
		WHERE device_id = ? AND bucket_size_ms = ? AND bucket_start_utc >= ? AND bucket_start_utc < ?
		ORDER BY bucket_start_utc
	`, deviceID, sizeMs, from, to)
}

func (r *ClickHouseRepository) LatestBuckets(ctx context.Context, sizeMs int64) ([]model.Bucket, error) {
	return r.queryBuckets(ctx, `
		SELECT `+bucketColumns+`
		FROM buckets FINAL
		WHERE bucket_size_ms = ?
		ORDER BY device_id, bucket_start_utc DESC
		LIMIT 1 BY device_id
	`, sizeMs)
}

func (r *ClickHouseRepository) queryBuckets(ctx context.Context, query string, args ...any) ([]model.Bucket, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, chUnavailable("query buckets", err)
	}
	defer rows.Close()

	var results []model.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan bucket: %w", model.ErrStoreCorrupted, err)
		}
		results = append(results, b)
	}
	if err := rows.Err(); err != nil {
		return nil, chUnavailable("query buckets", err)
	}
	return results, nil
}
