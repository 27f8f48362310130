package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for exchanged.
type Config struct {
	ListenAddress  string         `yaml:"listen" toml:"listen"`
	MaxConnections int            `yaml:"max_connections" toml:"max_connections"`
	DatabasePath   string         `yaml:"database" toml:"database"`
	Environment    string         `yaml:"environment" toml:"environment"`
	FeeCollector   string         `yaml:"fee_collector" toml:"fee_collector"`
	Custodian      string         `yaml:"custodian" toml:"custodian"`
	FeeBasisPoints *uint32        `yaml:"fee_bps" toml:"fee_bps"`
	Paused         bool           `yaml:"paused" toml:"paused"`
	Assets         []Asset        `yaml:"assets" toml:"assets"`
	Auth           AuthConfig     `yaml:"auth" toml:"auth"`
	Oracle         OracleConfig   `yaml:"oracle" toml:"oracle"`
	Rail           RailConfig     `yaml:"rail" toml:"rail"`
	Webhook        WebhookConfig  `yaml:"webhook" toml:"webhook"`
	Payout         PayoutConfig   `yaml:"payout" toml:"payout"`
	Workers        WorkersConfig  `yaml:"workers" toml:"workers"`
	RateFeed       RateFeedConfig `yaml:"rate_feed" toml:"rate_feed"`
	Events         EventsConfig   `yaml:"events" toml:"events"`
	Logging        LoggingConfig  `yaml:"logging" toml:"logging"`
}

// Asset seeds a stablecoin registration. Amounts are whole units.
type Asset struct {
	Symbol     string `yaml:"symbol" toml:"symbol"`
	Token      string `yaml:"token" toml:"token"`
	Decimals   uint8  `yaml:"decimals" toml:"decimals"`
	MinAmount  string `yaml:"min_amount" toml:"min_amount"`
	MaxAmount  string `yaml:"max_amount" toml:"max_amount"`
	DailyLimit string `yaml:"daily_limit" toml:"daily_limit"`
	Rate       string `yaml:"rate" toml:"rate"`
	Active     *bool  `yaml:"active" toml:"active"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer" toml:"jwt_issuer"`
	Tokens      []StaticToken `yaml:"tokens" toml:"tokens"`
	RateLimit   float64       `yaml:"rate_limit" toml:"rate_limit"`
	Burst       int           `yaml:"burst" toml:"burst"`
	CORSOrigins []string      `yaml:"cors_origins" toml:"cors_origins"`
}

// StaticToken binds a bearer token to a subject and its roles.
type StaticToken struct {
	Token   string   `yaml:"token" toml:"token"`
	Subject string   `yaml:"subject" toml:"subject"`
	Roles   []string `yaml:"roles" toml:"roles"`
}

// OracleConfig tunes report/confirm separation.
type OracleConfig struct {
	RequireDistinctParties bool `yaml:"require_distinct_parties" toml:"require_distinct_parties"`
}

// RailConfig points at the PIX provider.
type RailConfig struct {
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	Token        string   `yaml:"token" toml:"token"`
	ReceiverKey  string   `yaml:"receiver_key" toml:"receiver_key"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries   int      `yaml:"max_retries" toml:"max_retries"`
	ChargeExpiry Duration `yaml:"charge_expiry" toml:"charge_expiry"`
}

// Enabled reports whether a rail endpoint is configured.
func (r RailConfig) Enabled() bool {
	return strings.TrimSpace(r.BaseURL) != ""
}

// WebhookConfig configures provider notifications.
type WebhookConfig struct {
	Secret    string `yaml:"secret" toml:"secret"`
	StorePath string `yaml:"store" toml:"store"`
}

// PayoutConfig configures outbound transfers.
type PayoutConfig struct {
	JournalPath string   `yaml:"journal" toml:"journal"`
	Interval    Duration `yaml:"interval" toml:"interval"`
	Retention   Duration `yaml:"retention" toml:"retention"`
	Paused      bool     `yaml:"paused" toml:"paused"`
}

// WorkersConfig tunes the background loops.
type WorkersConfig struct {
	ConversionTTL     Duration `yaml:"conversion_ttl" toml:"conversion_ttl"`
	ConfirmedTTL      Duration `yaml:"confirmed_ttl" toml:"confirmed_ttl"`
	SweepInterval     Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SettleInterval    Duration `yaml:"settle_interval" toml:"settle_interval"`
	ConfirmInterval   Duration `yaml:"confirm_interval" toml:"confirm_interval"`
	ReconcileSchedule string   `yaml:"reconcile_schedule" toml:"reconcile_schedule"`
}

// RateFeedConfig tunes the aggregation loop.
type RateFeedConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	MaxAge   Duration `yaml:"max_age" toml:"max_age"`
	MinFeeds int      `yaml:"min_feeds" toml:"min_feeds"`
	Sources  []Source `yaml:"sources" toml:"sources"`
}

// Source describes an upstream price feed.
type Source struct {
	Name      string            `yaml:"name" toml:"name"`
	Type      string            `yaml:"type" toml:"type"`
	Endpoint  string            `yaml:"endpoint" toml:"endpoint"`
	Field     string            `yaml:"field" toml:"field"`
	TimeField string            `yaml:"time_field" toml:"time_field"`
	Assets    map[string]string `yaml:"assets" toml:"assets"`
}

// EventsConfig configures remote event sinks.
type EventsConfig struct {
	QueueSize int         `yaml:"queue_size" toml:"queue_size"`
	Kafka     KafkaConfig `yaml:"kafka" toml:"kafka"`
	Redis     RedisConfig `yaml:"redis" toml:"redis"`
}

// KafkaConfig enables the Kafka sink when brokers are set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// RedisConfig enables the Redis pub/sub sink when an address is set.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs" toml:"addrs"`
	Password string   `yaml:"password" toml:"password"`
	Channel  string   `yaml:"channel" toml:"channel"`
}

// LoggingConfig controls log level and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"EXCHANGED_JWT_SECRET":     &cfg.Auth.JWTSecret,
		"EXCHANGED_WEBHOOK_SECRET": &cfg.Webhook.Secret,
		"EXCHANGED_DATABASE":       &cfg.DatabasePath,
		"PIX_RAIL_TOKEN":           &cfg.Rail.Token,
		"REDIS_PASSWORD":           &cfg.Events.Redis.Password,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/exchanged.sqlite"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Custodian == "" {
		cfg.Custodian = "exchange"
	}
	if cfg.Auth.RateLimit == 0 {
		cfg.Auth.RateLimit = 20
	}
	if cfg.Auth.Burst == 0 {
		cfg.Auth.Burst = 40
	}
	if cfg.Rail.Timeout.Duration == 0 {
		cfg.Rail.Timeout.Duration = 30 * time.Second
	}
	if cfg.Rail.MaxRetries == 0 {
		cfg.Rail.MaxRetries = 3
	}
	if cfg.Rail.ChargeExpiry.Duration == 0 {
		cfg.Rail.ChargeExpiry.Duration = time.Hour
	}
	if cfg.Webhook.StorePath == "" {
		cfg.Webhook.StorePath = "/var/data/exchanged-webhooks.db"
	}
	if cfg.Payout.JournalPath == "" {
		cfg.Payout.JournalPath = "/var/data/exchanged-payouts"
	}
	if cfg.Payout.Interval.Duration == 0 {
		cfg.Payout.Interval.Duration = 15 * time.Second
	}
	if cfg.Workers.ConversionTTL.Duration == 0 {
		cfg.Workers.ConversionTTL.Duration = 30 * time.Minute
	}
	if cfg.Workers.SweepInterval.Duration == 0 {
		cfg.Workers.SweepInterval.Duration = time.Minute
	}
	if cfg.Workers.SettleInterval.Duration == 0 {
		cfg.Workers.SettleInterval.Duration = 30 * time.Second
	}
	if cfg.Workers.ConfirmInterval.Duration == 0 {
		cfg.Workers.ConfirmInterval.Duration = 20 * time.Second
	}
	if cfg.Workers.ReconcileSchedule == "" {
		cfg.Workers.ReconcileSchedule = "0 */5 * * * *"
	}
	if cfg.RateFeed.Interval.Duration == 0 {
		cfg.RateFeed.Interval.Duration = time.Minute
	}
	if cfg.RateFeed.MaxAge.Duration == 0 {
		cfg.RateFeed.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.RateFeed.MinFeeds <= 0 {
		cfg.RateFeed.MinFeeds = 1
	}
	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = 1024
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "pix.conversions"
	}
	if cfg.Events.Redis.Channel == "" {
		cfg.Events.Redis.Channel = "pix:conversions"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Assets {
		cfg.Assets[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Assets[i].Symbol))
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.FeeCollector) == "" {
		return fmt.Errorf("fee_collector must be configured")
	}
	if cfg.FeeBasisPoints != nil && *cfg.FeeBasisPoints > 1000 {
		return fmt.Errorf("fee_bps must not exceed 1000")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" && len(cfg.Auth.Tokens) == 0 {
		return fmt.Errorf("auth requires a jwt_secret or at least one static token")
	}
	for i, tok := range cfg.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" || strings.TrimSpace(tok.Subject) == "" {
			return fmt.Errorf("auth.tokens[%d] requires token and subject", i)
		}
		if len(tok.Roles) == 0 {
			return fmt.Errorf("auth.tokens[%d] requires at least one role", i)
		}
	}
	if cfg.Rail.Enabled() && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("webhook.secret must be configured when the rail is enabled")
	}
	seen := make(map[string]struct{}, len(cfg.Assets))
	for i, asset := range cfg.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("assets[%d]: symbol required", i)
		}
		if _, dup := seen[asset.Symbol]; dup {
			return fmt.Errorf("assets[%d]: duplicate symbol %s", i, asset.Symbol)
		}
		seen[asset.Symbol] = struct{}{}
		if asset.Decimals > 18 {
			return fmt.Errorf("assets[%d]: decimals must be at most 18", i)
		}
		for field, raw := range map[string]string{"min_amount": asset.MinAmount, "max_amount": asset.MaxAmount, "daily_limit": asset.DailyLimit, "rate": asset.Rate} {
			if _, err := decimal.NewFromString(strings.TrimSpace(raw)); err != nil {
				return fmt.Errorf("assets[%d].%s: %w", i, field, err)
			}
		}
	}
	for i, src := range cfg.RateFeed.Sources {
		if strings.TrimSpace(src.Type) == "" {
			return fmt.Errorf("rate_feed.sources[%d]: type required", i)
		}
	}
	return nil
}

// Units converts a whole-unit decimal string into base units at decimals,
// truncating extra precision.
func Units(raw string, decimals uint8) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return value.Shift(int32(decimals)).BigInt(), nil
}

// RateUnits converts a decimal rate into 18-decimal fixed point.
func RateUnits(raw string) (*big.Int, error) {
	return Units(raw, 18)
}
