package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/t77yq/pricewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Trend     TrendConfig     `mapstructure:"trend"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Products  []ProductConfig `mapstructure:"products"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// NATSConfig covers the JetStream connection and streams.
type NATSConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URLs              []string      `mapstructure:"urls"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	StreamStorage     string        `mapstructure:"stream_storage"`
	StreamMaxAge      time.Duration `mapstructure:"stream_max_age"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RemotePrices      bool          `mapstructure:"remote_prices"`
	AwaitAppReports   bool          `mapstructure:"await_app_reports"`
}

// StorageConfig locates the SQLite archive.
type StorageConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs the task queue and its periodic jobs.
type SchedulerConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	RefreshCron     string        `mapstructure:"refresh_cron"`
	CleanupCron     string        `mapstructure:"cleanup_cron"`
	RefreshPriority int           `mapstructure:"refresh_priority"`
}

// WorkersConfig sizes the scrape worker pool.
type WorkersConfig struct {
	ID              string        `mapstructure:"id"`
	Count           int           `mapstructure:"count"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	StatsInterval   time.Duration `mapstructure:"stats_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// AlertsConfig tunes rule evaluation and delivery.
type AlertsConfig struct {
	EvalWorkers       int           `mapstructure:"eval_workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	DispatchWorkers   int           `mapstructure:"dispatch_workers"`
	DispatchTimeout   time.Duration `mapstructure:"dispatch_timeout"`
	DefaultCooldown   int           `mapstructure:"default_cooldown_minutes"`
	AnomalyWindow     int           `mapstructure:"anomaly_window"`
	AnomalyK          float64       `mapstructure:"anomaly_k"`
	AnomalyMinSamples int           `mapstructure:"anomaly_min_samples"`
}

// FanoutConfig sizes per-connection buffers.
type FanoutConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// TrendConfig holds trend defaults.
type TrendConfig struct {
	Granularity string  `mapstructure:"granularity"`
	MAWindow    int     `mapstructure:"ma_window"`
	Bands       bool    `mapstructure:"bb_on"`
	BandK       float64 `mapstructure:"bb_k"`
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// SMTPConfig enables email delivery when Host is set.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// WebhookConfig signs and bounds webhook calls.
type WebhookConfig struct {
	Secret    string        `mapstructure:"secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// FetcherConfig controls page downloads.
type FetcherConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultCurrency string        `mapstructure:"default_currency"`
	Sites           []SiteConfig  `mapstructure:"sites"`
}

// SiteConfig binds CSS selectors to a host.
type SiteConfig struct {
	Host     string `mapstructure:"host"`
	Price    string `mapstructure:"price"`
	Attr     string `mapstructure:"attr"`
	Currency string `mapstructure:"currency"`
}

// ProductConfig is one entry of the static catalog.
type ProductConfig struct {
	ID  int64  `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.stream_storage", "file")
	v.SetDefault("nats.stream_max_age", "24h")
	v.SetDefault("nats.heartbeat_interval", "10s")

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", "pricewatch.db")
	v.SetDefault("storage.retention", "720h")

	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.backoff_base", "30s")
	v.SetDefault("scheduler.backoff_factor", 2.0)
	v.SetDefault("scheduler.backoff_max", "30m")
	v.SetDefault("scheduler.liveness_timeout", "5m")
	v.SetDefault("scheduler.reap_interval", "30s")
	v.SetDefault("scheduler.refresh_cron", "0 0 * * * *")
	v.SetDefault("scheduler.cleanup_cron", "0 30 3 * * *")
	v.SetDefault("scheduler.refresh_priority", 1)

	v.SetDefault("workers.id", "pool-1")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.fetch_timeout", "30s")
	v.SetDefault("workers.stats_interval", "10s")
	v.SetDefault("workers.metrics_interval", "15s")

	v.SetDefault("alerts.eval_workers", 4)
	v.SetDefault("alerts.queue_size", 1024)
	v.SetDefault("alerts.dispatch_workers", 4)
	v.SetDefault("alerts.dispatch_timeout", "10s")
	v.SetDefault("alerts.default_cooldown_minutes", 60)
	v.SetDefault("alerts.anomaly_window", 30)
	v.SetDefault("alerts.anomaly_k", 3.0)
	v.SetDefault("alerts.anomaly_min_samples", 10)

	v.SetDefault("fanout.buffer", 64)

	v.SetDefault("trend.granularity", "daily")
	v.SetDefault("trend.ma_window", 7)
	v.SetDefault("trend.bb_on", false)
	v.SetDefault("trend.bb_k", 2.0)

	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.webhook.timeout", "10s")
	v.SetDefault("notify.webhook.user_agent", "pricewatch/1.0")

	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; pricewatch/1.0)")
	v.SetDefault("fetcher.timeout", "20s")
	v.SetDefault("fetcher.default_currency", "CNY")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be greater than zero")
	}
	if c.Workers.ID == "" {
		return fmt.Errorf("workers.id must be set")
	}
	if c.Workers.FetchTimeout <= 0 {
		return fmt.Errorf("workers.fetch_timeout must be greater than zero")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be greater than zero")
	}
	if c.Scheduler.BackoffFactor < 1 {
		return fmt.Errorf("scheduler.backoff_factor must be at least 1")
	}
	if c.Scheduler.BackoffMax > 0 && c.Scheduler.BackoffMax < c.Scheduler.BackoffBase {
		return fmt.Errorf("scheduler.backoff_max cannot be below scheduler.backoff_base")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"scheduler.refresh_cron": c.Scheduler.RefreshCron,
		"scheduler.cleanup_cron": c.Scheduler.CleanupCron,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Alerts.DefaultCooldown < 0 {
		return fmt.Errorf("alerts.default_cooldown_minutes cannot be negative")
	}
	if c.Alerts.AnomalyK < 0 {
		return fmt.Errorf("alerts.anomaly_k cannot be negative")
	}
	switch c.Trend.Granularity {
	case "", "hourly", "daily":
	default:
		return fmt.Errorf("trend.granularity must be hourly or daily, got %q", c.Trend.Granularity)
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set when storage is enabled")
	}
	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			return fmt.Errorf("nats.urls must be set when nats is enabled")
		}
		switch c.NATS.StreamStorage {
		case "file", "memory":
		default:
			return fmt.Errorf("nats.stream_storage must be file or memory, got %q", c.NATS.StreamStorage)
		}
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		return fmt.Errorf("notify.smtp.from must be set when smtp is configured")
	}
	seen := make(map[int64]struct{}, len(c.Products))
	for _, p := range c.Products {
		if p.ID <= 0 || p.URL == "" {
			return fmt.Errorf("products: every entry needs a positive id and a url")
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("products: duplicate id %d", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// ProductURLs returns the static catalog as an id to URL map.
func (c *Config) ProductURLs() map[int64]string {
	products := make(map[int64]string, len(c.Products))
	for _, p := range c.Products {
		products[p.ID] = p.URL
	}
	return products
}
