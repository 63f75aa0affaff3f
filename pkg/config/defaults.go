package config

import "time"

const (
	DefaultPort                = 8080
	DefaultDatabaseDriver      = "mysql"
	DefaultStorageBaseDir      = "data"
	DefaultWeightsExt          = "bin"
	DefaultCandleCachePath     = "data/candles.db"
	DefaultMaxConcurrency      = 4
	DefaultBatchSize           = 10
	DefaultBatchWindow         = 100 * time.Millisecond
	DefaultRetryDelay          = time.Second
	DefaultReconcileLookback   = 24 * time.Hour
	DefaultProgressThrottle    = 500 * time.Millisecond
	DefaultPausePollInterval   = 100 * time.Millisecond
	DefaultDatasetPollInterval = 2 * time.Second
	DefaultQueueMaxJobs        = 1
	DefaultAnnualization       = 8760 // hourly bars
	DefaultCheckpointCleanup   = time.Hour
	DefaultTaskPruneInterval   = 6 * time.Hour
	DefaultTaskRetention       = 7 * 24 * time.Hour
	DefaultLogMaxSizeMB        = 100
	DefaultLogMaxBackups       = 5
	DefaultLogMaxAgeDays       = 30
)

// applyDefaults replaces missing or out-of-range values so the process
// can always start.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}

	switch cfg.Database.Driver {
	case "mysql", "postgres":
	default:
		cfg.Database.Driver = DefaultDatabaseDriver
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.Logger.File.MaxSizeMB <= 0 {
		cfg.Logger.File.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Logger.File.MaxBackups <= 0 {
		cfg.Logger.File.MaxBackups = DefaultLogMaxBackups
	}
	if cfg.Logger.File.MaxAgeDays <= 0 {
		cfg.Logger.File.MaxAgeDays = DefaultLogMaxAgeDays
	}

	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = DefaultStorageBaseDir
	}
	if cfg.Storage.WeightsExt == "" {
		cfg.Storage.WeightsExt = DefaultWeightsExt
	}
	if cfg.MarketData.CachePath == "" {
		cfg.MarketData.CachePath = DefaultCandleCachePath
	}

	d := &cfg.Dispatcher
	if d.MaxConcurrency <= 0 {
		d.MaxConcurrency = DefaultMaxConcurrency
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.BatchWindow <= 0 {
		d.BatchWindow = DefaultBatchWindow
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.ReconcileLookback <= 0 {
		d.ReconcileLookback = DefaultReconcileLookback
	}

	t := &cfg.Training
	if t.ProgressThrottle <= 0 {
		t.ProgressThrottle = DefaultProgressThrottle
	}
	if t.PausePollInterval <= 0 {
		t.PausePollInterval = DefaultPausePollInterval
	}
	if t.DatasetPollInterval <= 0 {
		t.DatasetPollInterval = DefaultDatasetPollInterval
	}
	if t.DefaultQueueMaxJobs <= 0 {
		t.DefaultQueueMaxJobs = DefaultQueueMaxJobs
	}
	if t.AnnualizationFactor <= 0 {
		t.AnnualizationFactor = DefaultAnnualization
	}

	j := &cfg.Jobs
	if j.CheckpointCleanupInterval <= 0 {
		j.CheckpointCleanupInterval = DefaultCheckpointCleanup
	}
	if j.TaskPruneInterval <= 0 {
		j.TaskPruneInterval = DefaultTaskPruneInterval
	}
	if j.TaskRetention <= 0 {
		j.TaskRetention = DefaultTaskRetention
	}
}
