// Package marketdata fetches OHLCV candles and caches ingested series.
package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"modelforge/internal/model"

	"github.com/shopspring/decimal"
)

// Request candle window for one instrument; End is exclusive
type Request struct {
	Exchange string
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
}

// Validate checks the request bounds and interval
func (r Request) Validate() error {
	if strings.TrimSpace(r.Exchange) == "" || strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: exchange and symbol are required", model.ErrInvalidArgument)
	}
	if _, ok := model.SupportedIntervals[r.Interval]; !ok {
		return fmt.Errorf("%w: unsupported interval %q", model.ErrInvalidArgument, r.Interval)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("%w: endTime must be after startTime", model.ErrInvalidArgument)
	}
	return nil
}

// Source provides candles ordered by open time
type Source interface {
	FetchCandles(ctx context.Context, req Request) ([]model.Candle, error)
}

// CSVSource reads <dir>/<exchange>/<symbol>_<interval>.csv with the columns
// openTime,open,high,low,close,volume. openTime is epoch milliseconds or
// RFC3339. A header row is skipped.
type CSVSource struct {
	dir string
}

// NewCSVSource creates a CSV source rooted at dir
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir}
}

func (s *CSVSource) path(req Request) string {
	name := fmt.Sprintf("%s_%s.csv", strings.ToUpper(req.Symbol), req.Interval)
	return filepath.Join(s.dir, strings.ToLower(req.Exchange), name)
}

// FetchCandles returns candles with Start <= openTime < End
func (s *CSVSource) FetchCandles(ctx context.Context, req Request) ([]model.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(req))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no data for %s %s %s", model.ErrNotFound, req.Exchange, req.Symbol, req.Interval)
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var candles []model.Candle
	for line := 1; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("line %d: expected 6 columns, got %d", line, len(rec))
		}
		openTime, err := parseTime(rec[0])
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if openTime.Before(req.Start) || !openTime.Before(req.End) {
			continue
		}
		c, err := parseCandle(openTime, rec[1:6])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		candles = append(candles, c)
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid openTime %q", v)
	}
	return t.UTC(), nil
}

// parseCandle reads prices as decimals so that values like "0.1" survive
// the text round trip exactly before conversion.
func parseCandle(openTime time.Time, fields []string) (model.Candle, error) {
	vals := make([]float64, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f))
		if err != nil {
			return model.Candle{}, fmt.Errorf("invalid number %q", f)
		}
		vals[i] = d.InexactFloat64()
	}
	return model.Candle{
		OpenTime: openTime,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
