package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig       `yaml:"app"`
	Feed         FeedConfig      `yaml:"feed"`
	Contracts    ContractsConfig `yaml:"contracts"`
	Watchlist    WatchlistConfig `yaml:"watchlist"`
	Ingest       IngestConfig    `yaml:"ingest"`
	Snapshot     SnapshotConfig  `yaml:"snapshot"`
	Publish      PublishConfig   `yaml:"publish"`
	Market       MarketConfig    `yaml:"market"`
	Storage      StorageConfig   `yaml:"storage"`
	Metrics      MetricsConfig   `yaml:"metrics"`
	Logging      LoggingConfig   `yaml:"logging"`
	PollInterval time.Duration   `yaml:"poll_interval"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	Kind              string        `yaml:"kind"`
	URL               string        `yaml:"url"`
	SessionURL        string        `yaml:"session_url"`
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	SessionToken      string        `yaml:"session_token"`
	ConnectRetries    int           `yaml:"connect_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	SubscribeInterval time.Duration `yaml:"subscribe_interval"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	Buffer            int           `yaml:"buffer"`
	ReplayFile        string        `yaml:"replay_file"`
	ReplayInterval    time.Duration `yaml:"replay_interval"`
}

type ContractsConfig struct {
	File           string `yaml:"file"`
	InstrumentType string `yaml:"instrument_type"`
	RolloverDays   int    `yaml:"rollover_days"`
}

type WatchlistConfig struct {
	File string `yaml:"file"`
}

type IngestConfig struct {
	MaxBufferSize  int `yaml:"max_buffer_size"`
	BatchWriteSize int `yaml:"batch_write_size"`
	StatusEvery    int `yaml:"status_every"`
}

type SnapshotConfig struct {
	Dir        string        `yaml:"dir"`
	Prefix     string        `yaml:"prefix"`
	LatestFile string        `yaml:"latest_file"`
	Interval   time.Duration `yaml:"interval"`
}

type PublishConfig struct {
	Kind       string        `yaml:"kind"`
	Interval   time.Duration `yaml:"interval"`
	RepoDir    string        `yaml:"repo_dir"`
	Remote     string        `yaml:"remote"`
	Branch     string        `yaml:"branch"`
	URLFile    string        `yaml:"url_file"`
	IncludeCSV bool          `yaml:"include_csv"`
}

type MarketConfig struct {
	Timezone    string `yaml:"timezone"`
	Open        string `yaml:"open"`
	Close       string `yaml:"close"`
	WaitForOpen bool   `yaml:"wait_for_open"`
}

type StorageConfig struct {
	CSVDir        string        `yaml:"csv_dir"`
	CSVMode       string        `yaml:"csv_mode"`
	GlobalCSVFile string        `yaml:"global_csv_file"`
	Archive       ArchiveConfig `yaml:"archive"`
	S3            S3Config      `yaml:"s3"`
	Kafka         KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig streams every flushed batch to a topic, keyed by symbol.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Buffer       int           `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Buffer   int    `yaml:"buffer"`
	Metadata bool   `yaml:"metadata"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Listen         string           `yaml:"listen"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any key the YAML file omits.
func Default() Config {
	return Config{
		App: AppConfig{Name: "tickflow", Version: "dev"},
		Feed: FeedConfig{
			Kind:              "websocket",
			ConnectRetries:    3,
			RetryBackoff:      5 * time.Second,
			ReconnectDelay:    5 * time.Second,
			SubscribeInterval: time.Second,
			KeepAlive:         20 * time.Second,
			Buffer:            1024,
		},
		Contracts: ContractsConfig{
			File:           "FONSEScripMaster.txt",
			InstrumentType: "FUTSTK",
			RolloverDays:   4,
		},
		Watchlist: WatchlistConfig{File: "watchlist.txt"},
		Ingest: IngestConfig{
			MaxBufferSize:  600,
			BatchWriteSize: 60,
			StatusEvery:    10,
		},
		Snapshot: SnapshotConfig{
			Dir:        "snapshots",
			Prefix:     "fut_snapshot",
			LatestFile: "latest.json",
			Interval:   60 * time.Second,
		},
		Publish: PublishConfig{
			Kind:     "none",
			Interval: 300 * time.Second,
			RepoDir:  ".",
			Remote:   "origin",
			Branch:   "main",
			URLFile:  "latest_snapshot_url.txt",
		},
		Market: MarketConfig{
			Timezone: "Asia/Kolkata",
			Open:     "09:15",
			Close:    "15:30",
		},
		Storage: StorageConfig{
			CSVDir:        "ticks",
			CSVMode:       "per_token",
			GlobalCSVFile: "all_ticks_FUTURES.csv",
			Archive:       ArchiveConfig{Dir: "archive", Buffer: 64},
			Kafka:         KafkaConfig{Topic: "nse-futures-ticks", Buffer: 64, WriteTimeout: 10 * time.Second},
		},
		Metrics: MetricsConfig{ReportInterval: 30 * time.Second},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		PollInterval: 250 * time.Millisecond,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Feed.APIKey, "TICKFLOW_API_KEY")
	set(&cfg.Feed.APISecret, "TICKFLOW_API_SECRET")
	set(&cfg.Feed.SessionToken, "TICKFLOW_SESSION_TOKEN")
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Storage.Kafka.Brokers = strings.Split(v, ",")
	}

	if cfg.Storage.S3.Enabled || cfg.Publish.Kind == "s3" {
		set(&cfg.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		set(&cfg.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		set(&cfg.Storage.S3.Region, "AWS_REGION")
		set(&cfg.Storage.S3.Bucket, "S3_BUCKET")
	}
}

var clockRegexp = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	switch cfg.Feed.Kind {
	case "websocket":
		if cfg.Feed.URL == "" {
			return fmt.Errorf("feed.url is required for the websocket feed")
		}
	case "replay":
		if cfg.Feed.ReplayFile == "" {
			return fmt.Errorf("feed.replay_file is required for the replay feed")
		}
	default:
		return fmt.Errorf("feed.kind '%s' is not supported", cfg.Feed.Kind)
	}
	if cfg.Feed.ConnectRetries <= 0 {
		return fmt.Errorf("feed.connect_retries must be greater than 0")
	}
	if cfg.Feed.Buffer <= 0 {
		return fmt.Errorf("feed.buffer must be greater than 0")
	}

	if cfg.Contracts.RolloverDays < 0 {
		return fmt.Errorf("contracts.rollover_days must not be negative")
	}
	if cfg.Watchlist.File == "" {
		return fmt.Errorf("watchlist.file is required")
	}

	if cfg.Ingest.MaxBufferSize <= 0 {
		return fmt.Errorf("ingest.max_buffer_size must be greater than 0")
	}
	if cfg.Ingest.BatchWriteSize <= 0 {
		return fmt.Errorf("ingest.batch_write_size must be greater than 0")
	}
	if cfg.Ingest.BatchWriteSize > cfg.Ingest.MaxBufferSize {
		return fmt.Errorf("ingest.batch_write_size must not exceed ingest.max_buffer_size")
	}
	if cfg.Ingest.StatusEvery <= 0 {
		return fmt.Errorf("ingest.status_every must be greater than 0")
	}

	if cfg.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be greater than 0")
	}
	if cfg.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir is required")
	}

	switch cfg.Publish.Kind {
	case "none", "git", "s3":
	default:
		return fmt.Errorf("publish.kind '%s' is not supported", cfg.Publish.Kind)
	}
	if cfg.Publish.Kind != "none" && cfg.Publish.Interval < cfg.Snapshot.Interval {
		return fmt.Errorf("publish.interval must be at least snapshot.interval")
	}

	if _, err := time.LoadLocation(cfg.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone '%s' is invalid: %w", cfg.Market.Timezone, err)
	}
	if !clockRegexp.MatchString(cfg.Market.Open) || !clockRegexp.MatchString(cfg.Market.Close) {
		return fmt.Errorf("market.open and market.close must be HH:MM")
	}
	if cfg.Market.Open >= cfg.Market.Close {
		return fmt.Errorf("market.open must be before market.close")
	}

	switch cfg.Storage.CSVMode {
	case "per_token", "global":
	default:
		return fmt.Errorf("storage.csv_mode '%s' is not supported", cfg.Storage.CSVMode)
	}

	if cfg.Storage.S3.Enabled || cfg.Publish.Kind == "s3" {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is used")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is used")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		for _, b := range cfg.Storage.Kafka.Brokers {
			if strings.TrimSpace(b) == "" {
				return fmt.Errorf("storage.kafka.brokers contains an empty address")
			}
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be greater than 0")
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// Location returns the market timezone. validateConfig guarantees it loads.
func (m MarketConfig) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// CloseAt returns the market close instant on the calendar day of now.
func (m MarketConfig) CloseAt(now time.Time) time.Time {
	return m.clockAt(now, m.Close)
}

// OpenAt returns the market open instant on the calendar day of now.
func (m MarketConfig) OpenAt(now time.Time) time.Time {
	return m.clockAt(now, m.Open)
}

func (m MarketConfig) clockAt(now time.Time, hhmm string) time.Time {
	loc := m.Location()
	local := now.In(loc)
	var h, min int
	fmt.Sscanf(hhmm, "%d:%d", &h, &min)
	return time.Date(local.Year(), local.Month(), local.Day(), h, min, 0, 0, loc)
}
