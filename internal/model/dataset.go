package model

import (
	"time"

	"github.com/google/uuid"
)

// Dataset a bounded window of OHLCV candles for one instrument
type Dataset struct {
	ID              uuid.UUID     `json:"id"`
	Exchange        string        `json:"exchange"`
	Symbol          string        `json:"symbol"`
	Interval        string        `json:"interval"` // e.g. 1m, 1h, 1d
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	Status          DatasetStatus `json:"status"`
	RecordCount     int64         `json:"recordCount"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	IngestionTaskID *uuid.UUID    `json:"ingestionTaskId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// CreateDatasetRequest dataset registration request
type CreateDatasetRequest struct {
	Exchange  string    `json:"exchange" binding:"required"`
	Symbol    string    `json:"symbol" binding:"required"`
	Interval  string    `json:"interval" binding:"required"`
	StartTime time.Time `json:"startTime" binding:"required"`
	EndTime   time.Time `json:"endTime" binding:"required"`
}

// Candle one OHLCV bar, ordered by OpenTime within a dataset
type Candle struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// SupportedIntervals candle intervals accepted for datasets
var SupportedIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}
