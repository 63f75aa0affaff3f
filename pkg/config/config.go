package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Logger       LoggerConfig       `yaml:"logger"`
	Storage      StorageConfig      `yaml:"storage"`
	Mirror       MirrorConfig       `yaml:"mirror"`
	MarketData   MarketDataConfig   `yaml:"market_data"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Training     TrainingConfig     `yaml:"training"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Notification NotificationConfig `yaml:"notification"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // empty disables auth
}

// DatabaseConfig store of record
type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // mysql, postgres
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"sslmode"` // postgres only
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig local checkpoint storage
type StorageConfig struct {
	BaseDir    string `yaml:"base_dir"`
	WeightsExt string `yaml:"weights_ext"`
}

// MirrorConfig optional object storage replica of checkpoints
type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MarketDataConfig candle source and local cache
type MarketDataConfig struct {
	CSVDir    string `yaml:"csv_dir"`
	CachePath string `yaml:"cache_path"`
}

// DispatcherConfig background task dispatcher
type DispatcherConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	BatchWindow       time.Duration `yaml:"batch_window"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ReconcileLookback time.Duration `yaml:"reconcile_lookback"`
}

// TrainingConfig job orchestrator
type TrainingConfig struct {
	ProgressThrottle    time.Duration `yaml:"progress_throttle"`
	PausePollInterval   time.Duration `yaml:"pause_poll_interval"`
	DatasetPollInterval time.Duration `yaml:"dataset_poll_interval"`
	DefaultQueueMaxJobs int           `yaml:"default_queue_max_jobs"`
	AnnualizationFactor float64       `yaml:"annualization_factor"` // bars per year
}

// JobsConfig periodic maintenance jobs
type JobsConfig struct {
	CheckpointCleanupInterval time.Duration `yaml:"checkpoint_cleanup_interval"`
	TaskPruneInterval         time.Duration `yaml:"task_prune_interval"`
	TaskRetention             time.Duration `yaml:"task_retention"`
}

// NotificationConfig job completion notifications
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"` // falls back to FEISHU_WEBHOOK_URL
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}
