package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modelforge/internal/model"
	"modelforge/pkg/logger"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const candleSchema = `
CREATE TABLE IF NOT EXISTS candles (
	dataset_id TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	volume     REAL    NOT NULL,
	PRIMARY KEY (dataset_id, open_time)
)`

// CandleCache stores ingested candles per dataset in a local SQLite file
type CandleCache struct {
	db *sql.DB
}

// OpenCandleCache opens (or creates) the cache database at path
func OpenCandleCache(path string) (*CandleCache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", candleSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize candle cache: %w", err)
		}
	}
	logger.Infof("candle cache initialized: %s", path)
	return &CandleCache{db: db}, nil
}

// Close closes the database
func (c *CandleCache) Close() error {
	return c.db.Close()
}

// Save replaces the candles of a dataset in one transaction
func (c *CandleCache) Save(ctx context.Context, datasetID uuid.UUID, candles []model.Candle) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM candles WHERE dataset_id = ?`, datasetID.String()); err != nil {
		return fmt.Errorf("failed to clear candles: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO candles (dataset_id, open_time, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, k := range candles {
		if _, err := stmt.ExecContext(ctx, datasetID.String(), k.OpenTime.UnixMilli(),
			k.Open, k.High, k.Low, k.Close, k.Volume); err != nil {
			return fmt.Errorf("failed to insert candle: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candles: %w", err)
	}
	return nil
}

// Load returns the candles of a dataset ordered by open time
func (c *CandleCache) Load(ctx context.Context, datasetID uuid.UUID) ([]model.Candle, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT open_time, open, high, low, close, volume FROM candles WHERE dataset_id = ? ORDER BY open_time`,
		datasetID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var ms int64
		var k model.Candle
		if err := rows.Scan(&ms, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, err
		}
		k.OpenTime = time.UnixMilli(ms).UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}

// Count returns the number of cached candles of a dataset
func (c *CandleCache) Count(ctx context.Context, datasetID uuid.UUID) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candles WHERE dataset_id = ?`, datasetID.String()).Scan(&n)
	return n, err
}

// Delete removes the candles of a dataset
func (c *CandleCache) Delete(ctx context.Context, datasetID uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM candles WHERE dataset_id = ?`, datasetID.String())
	return err
}
