package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

// SQLiteRepository is the durable on-device store. Besides readings and
// buckets it keeps the sync cursors and the outbound write queue, so one
// file holds all local state.
type SQLiteRepository struct {
	db *sqlx.DB
}

var (
	_ repository.ReadingStore = (*SQLiteRepository)(nil)
	_ repository.CursorStore  = (*SQLiteRepository)(nil)
	_ repository.WriteQueue   = (*SQLiteRepository)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS readings (
	device_id     TEXT    NOT NULL,
	timestamp_utc INTEGER NOT NULL,
	id            TEXT    NOT NULL,
	volume_liters REAL    NOT NULL,
	source        TEXT    NOT NULL,
	seq           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, timestamp_utc)
);
CREATE TABLE IF NOT EXISTS buckets (
	device_id        TEXT    NOT NULL,
	bucket_size_ms   INTEGER NOT NULL,
	bucket_start_utc INTEGER NOT NULL,
	total_liters     TEXT    NOT NULL,
	reading_count    INTEGER NOT NULL,
	last_updated_utc INTEGER NOT NULL,
	PRIMARY KEY (device_id, bucket_size_ms, bucket_start_utc)
);
CREATE TABLE IF NOT EXISTS sync_cursors (
	device_id      TEXT PRIMARY KEY,
	seq            INTEGER NOT NULL,
	timestamp_utc  INTEGER NOT NULL,
	updated_at_utc INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS write_queue (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL
);
`

type readingRow struct {
	DeviceID     string  `db:"device_id"`
	TimestampUTC int64   `db:"timestamp_utc"`
	ID           string  `db:"id"`
	VolumeLiters float64 `db:"volume_liters"`
	Source       string  `db:"source"`
	Seq          int64   `db:"seq"`
}

func (r readingRow) toModel() model.Reading {
	return model.Reading{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		TimestampUTC: r.TimestampUTC,
		VolumeLiters: r.VolumeLiters,
		Source:       model.Source(r.Source),
		Seq:          r.Seq,
	}
}

type bucketRow struct {
	DeviceID       string          `db:"device_id"`
	BucketSizeMs   int64           `db:"bucket_size_ms"`
	BucketStartUTC int64           `db:"bucket_start_utc"`
	TotalLiters    decimal.Decimal `db:"total_liters"`
	ReadingCount   int64           `db:"reading_count"`
	LastUpdatedUTC int64           `db:"last_updated_utc"`
}

func (b bucketRow) toModel() model.Bucket {
	return model.Bucket{
		DeviceID:       b.DeviceID,
		BucketStartUTC: b.BucketStartUTC,
		BucketSizeMs:   b.BucketSizeMs,
		TotalLiters:    b.TotalLiters,
		ReadingCount:   b.ReadingCount,
		LastUpdatedUTC: b.LastUpdatedUTC,
	}
}

type cursorRow struct {
	DeviceID     string `db:"device_id"`
	Seq          int64  `db:"seq"`
	TimestampUTC int64  `db:"timestamp_utc"`
	UpdatedAtUTC int64  `db:"updated_at_utc"`
}

// NewSQLiteRepository opens (and migrates) the database file at path.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection keeps writes ordered
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %w", model.ErrStoreUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", model.ErrStoreUnavailable, op, err)
}

func (s *SQLiteRepository) Append(ctx context.Context, r model.Reading) (model.AppendResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.AppendResult{}, unavailable("begin append", err)
	}
	defer tx.Rollback()

	var row readingRow
	var stored *model.Reading
	err = tx.GetContext(ctx, &row,
		`SELECT device_id, timestamp_utc, id, volume_liters, source, seq
		 FROM readings WHERE device_id = ? AND timestamp_utc = ?`,
		r.DeviceID, r.TimestampUTC)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return model.AppendResult{}, unavailable("read reading", err)
	default:
		prev := row.toModel()
		stored = &prev
	}

	res := model.ResolveAppend(r, stored)
	if res.Outcome == model.AppendDuplicate {
		return res, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO readings (device_id, timestamp_utc, id, volume_liters, source, seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_id, timestamp_utc) DO UPDATE SET
			id = excluded.id,
			volume_liters = excluded.volume_liters,
			source = excluded.source,
			seq = excluded.seq`,
		r.DeviceID, r.TimestampUTC, r.ID, r.VolumeLiters, string(r.Source), r.Seq)
	if err != nil {
		return model.AppendResult{}, unavailable("write reading", err)
	}
	if err := tx.Commit(); err != nil {
		return model.AppendResult{}, unavailable("commit append", err)
	}
	return res, nil
}

func (s *SQLiteRepository) QueryReadings(ctx context.Context, deviceID string, from, to int64) ([]model.Reading, error) {
	var rows []readingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, timestamp_utc, id, volume_liters, source, seq
		 FROM readings
		 WHERE device_id = ? AND timestamp_utc >= ? AND timestamp_utc < ?
		 ORDER BY timestamp_utc`,
		deviceID, from, to)
	if err != nil {
		return nil, unavailable("query readings", err)
	}
	out := make([]model.Reading, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (s *SQLiteRepository) UpsertBucket(ctx context.Context, b model.Bucket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (device_id, bucket_size_ms, bucket_start_utc, total_liters, reading_count, last_updated_utc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_id, bucket_size_ms, bucket_start_utc) DO UPDATE SET
			total_liters = excluded.total_liters,
			reading_count = excluded.reading_count,
			last_updated_utc = excluded.last_updated_utc`,
		b.DeviceID, b.BucketSizeMs, b.BucketStartUTC, b.TotalLiters.String(), b.ReadingCount, b.LastUpdatedUTC)
	if err != nil {
		return unavailable("upsert bucket", err)
	}
	return nil
}

func (s *SQLiteRepository) GetOpenBucket(ctx context.Context, deviceID string, sizeMs, bucketStart int64) (*model.Bucket, error) {
	var row bucketRow
	err := s.db.GetContext(ctx, &row,
		`SELECT device_id, bucket_size_ms, bucket_start_utc, total_liters, reading_count, last_updated_utc
		 FROM buckets WHERE device_id = ? AND bucket_size_ms = ? AND bucket_start_utc = ?`,
		deviceID, sizeMs, bucketStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get bucket", err)
	}
	b := row.toModel()
	return &b, nil
}

func (s *SQLiteRepository) QueryBuckets(ctx context.Context, deviceID string, sizeMs, from, to int64) ([]model.Bucket, error) {
	var rows []bucketRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, bucket_size_ms, bucket_start_utc, total_liters, reading_count, last_updated_utc
		 FROM buckets
		 WHERE device_id = ? AND bucket_size_ms = ? AND bucket_start_utc >= ? AND bucket_start_utc < ?
		 ORDER BY bucket_start_utc`,
		deviceID, sizeMs, from, to)
	if err != nil {
		return nil, unavailable("query buckets", err)
	}
	return bucketsFromRows(rows), nil
}

func (s *SQLiteRepository) LatestBuckets(ctx context.Context, sizeMs int64) ([]model.Bucket, error) {
	var rows []bucketRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT b.device_id, b.bucket_size_ms, b.bucket_start_utc, b.total_liters, b.reading_count, b.last_updated_utc
		 FROM buckets b
		 JOIN (
			SELECT device_id, MAX(bucket_start_utc) AS latest
			FROM buckets WHERE bucket_size_ms = ? GROUP BY device_id
		 ) l ON b.device_id = l.device_id AND b.bucket_start_utc = l.latest
		 WHERE b.bucket_size_ms = ?
		 ORDER BY b.device_id`,
		sizeMs, sizeMs)
	if err != nil {
		return nil, unavailable("latest buckets", err)
	}
	return bucketsFromRows(rows), nil
}

func bucketsFromRows(rows []bucketRow) []model.Bucket {
	out := make([]model.Bucket, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out
}

func (s *SQLiteRepository) GetCursor(ctx context.Context, deviceID string) (model.SyncCursor, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row,
		`SELECT device_id, seq, timestamp_utc, updated_at_utc FROM sync_cursors WHERE device_id = ?`,
		deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncCursor{DeviceID: deviceID}, nil
	}
	if err != nil {
		return model.SyncCursor{}, unavailable("get cursor", err)
	}
	return model.SyncCursor(row), nil
}

func (s *SQLiteRepository) CommitCursor(ctx context.Context, c model.SyncCursor) error {
	if c.UpdatedAtUTC == 0 {
		c.UpdatedAtUTC = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (device_id, seq, timestamp_utc, updated_at_utc)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET
			seq = excluded.seq,
			timestamp_utc = excluded.timestamp_utc,
			updated_at_utc = excluded.updated_at_utc`,
		c.DeviceID, c.Seq, c.TimestampUTC, c.UpdatedAtUTC)
	if err != nil {
		return unavailable("commit cursor", err)
	}
	return nil
}

func (s *SQLiteRepository) Enqueue(ctx context.Context, r model.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal queued reading: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO write_queue (payload) VALUES (?)`, string(payload)); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

func (s *SQLiteRepository) Peek(ctx context.Context, n int) ([]model.Reading, error) {
	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM write_queue ORDER BY id LIMIT ?`, n); err != nil {
		return nil, unavailable("peek", err)
	}
	out := make([]model.Reading, 0, len(payloads))
	for _, p := range payloads {
		var r model.Reading
		if err := json.Unmarshal([]byte(p), &r); err != nil {
			return nil, fmt.Errorf("%w: queued reading: %w", model.ErrStoreCorrupted, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLiteRepository) Ack(ctx context.Context, n int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM write_queue WHERE id IN (SELECT id FROM write_queue ORDER BY id LIMIT ?)`, n)
	if err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (s *SQLiteRepository) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM write_queue`); err != nil {
		return 0, unavailable("len", err)
	}
	return n, nil
}
