package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Environment string            `yaml:"environment"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Credentials CredentialsConfig `yaml:"credentials"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	Risk        RiskConfig        `yaml:"risk"`
	Rest        RestConfig        `yaml:"rest"`
	Stream      StreamConfig      `yaml:"stream"`
	Paper       PaperConfig       `yaml:"paper"`
	Journal     JournalConfig     `yaml:"journal"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`

	env Environment
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	RecvWindow     time.Duration        `yaml:"recv_window"`
	Symbols        []string             `yaml:"symbols"`
	LocalIP        string               `yaml:"local_ip"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Endpoints      EndpointsConfig      `yaml:"endpoints"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type EndpointsConfig struct {
	Production EndpointConfig `yaml:"production"`
	Testnet    EndpointConfig `yaml:"testnet"`
}

type EndpointConfig struct {
	RestURL   string `yaml:"rest_url"`
	StreamURL string `yaml:"stream_url"`
}

type CredentialsConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type RateLimitConfig struct {
	RequestWeightPerMinute int           `yaml:"request_weight_per_minute"`
	OrdersPer10s           int           `yaml:"orders_per_10s"`
	OrdersPerDay           int           `yaml:"orders_per_day"`
	WSConnectionsPer5m     int           `yaml:"ws_connections_per_5m"`
	WeightAccounting       string        `yaml:"weight_accounting"`
	BanPolicy              string        `yaml:"ban_policy"`
	DefaultBan             time.Duration `yaml:"default_ban"`
	TicketTTL              time.Duration `yaml:"ticket_ttl"`
	SyncFromExchange       bool          `yaml:"sync_from_exchange"`
}

type RiskConfig struct {
	MaxPositionUSD  float64 `yaml:"max_position_usd"`
	MaxDailyLossUSD float64 `yaml:"max_daily_loss_usd"`
	MinOrderUSD     float64 `yaml:"min_order_usd"`
	// MaxOrderUSD caps one order's notional; 0 means half of MaxPositionUSD.
	MaxOrderUSD float64 `yaml:"max_order_usd"`
	// MaxDailyVolumeUSD caps filled notional per UTC day; 0 disables it.
	MaxDailyVolumeUSD float64 `yaml:"max_daily_volume_usd"`
	// ReserveOpenOrders counts unfilled open orders toward the position limit.
	ReserveOpenOrders bool `yaml:"reserve_open_orders"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type RestConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	MaxAcquireAttempts int           `yaml:"max_acquire_attempts"`
	MaxWait            time.Duration `yaml:"max_wait"`
	Backoff            BackoffConfig `yaml:"backoff"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
}

type StreamConfig struct {
	PingInterval             time.Duration `yaml:"ping_interval"`
	PongTimeout              time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout         time.Duration `yaml:"handshake_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
	Reconnect                BackoffConfig `yaml:"reconnect"`
	DispatchBudget           time.Duration `yaml:"dispatch_budget"`
	MailboxSize              int           `yaml:"mailbox_size"`
	ControlMessagesPerSecond float64       `yaml:"control_messages_per_second"`
	UserData                 bool          `yaml:"user_data"`
	ListenKeyKeepAlive       time.Duration `yaml:"listen_key_keepalive"`
}

type PaperConfig struct {
	Balances    map[string]float64 `yaml:"balances"`
	Prices      map[string]float64 `yaml:"prices"`
	QuoteAssets []string           `yaml:"quote_assets"`
	LivePrices  bool               `yaml:"live_prices"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffer       int           `yaml:"max_buffer"`
	Compression     string        `yaml:"compression"`
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

// Env returns the resolved trading environment.
func (c *Config) Env() Environment { return c.env }

// PrivateKeyPEM reads the Ed25519 key referenced by the credentials, if any.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.Credentials.PrivateKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Credentials.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return data, nil
}

// Default returns the configuration used when a file omits a value.
func Default() Config {
	return Config{
		App:         AppConfig{Name: "tradegate", Version: "dev"},
		Environment: string(EnvTestnet),
		Exchange: ExchangeConfig{
			RecvWindow: 5 * time.Second,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    16,
				MaxConnsPerHost: 16,
				IdleConnTimeout: 90 * time.Second,
			},
			Endpoints: EndpointsConfig{
				Production: EndpointConfig{
					RestURL:   "https://api.binance.com",
					StreamURL: "wss://stream.binance.com:9443",
				},
				Testnet: EndpointConfig{
					RestURL:   "https://testnet.binance.vision",
					StreamURL: "wss://testnet.binance.vision",
				},
			},
		},
		RateLimits: RateLimitConfig{
			RequestWeightPerMinute: 1200,
			OrdersPer10s:           50,
			OrdersPerDay:           160000,
			WSConnectionsPer5m:     300,
			WeightAccounting:       "sliding",
			BanPolicy:              "override",
			DefaultBan:             2 * time.Minute,
			TicketTTL:              5 * time.Second,
			SyncFromExchange:       true,
		},
		Risk: RiskConfig{
			MaxPositionUSD:    10000,
			MaxDailyLossUSD:   1000,
			MinOrderUSD:       10,
			MaxDailyVolumeUSD: 50000,
		},
		Rest: RestConfig{
			Timeout:            10 * time.Second,
			MaxAttempts:        3,
			MaxAcquireAttempts: 5,
			MaxWait:            30 * time.Second,
			Backoff:            BackoffConfig{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true},
			ReconcileInterval:  30 * time.Second,
		},
		Stream: StreamConfig{
			PingInterval:             20 * time.Second,
			PongTimeout:              10 * time.Second,
			HandshakeTimeout:         10 * time.Second,
			WriteTimeout:             5 * time.Second,
			Reconnect:                BackoffConfig{Min: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: true},
			DispatchBudget:           50 * time.Millisecond,
			MailboxSize:              256,
			ControlMessagesPerSecond: 5,
			ListenKeyKeepAlive:       30 * time.Minute,
		},
		Paper: PaperConfig{
			Balances:    map[string]float64{"USDT": 10000},
			QuoteAssets: []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "BNB"},
		},
		Journal: JournalConfig{
			Prefix:        "orders",
			FlushInterval: time.Minute,
			MaxBuffer:     1000,
			Compression:   "snappy",
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			CloudWatch:     CloudWatchConfig{Namespace: "TradeGate", Dashboard: "TradeGate"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	env, err := ParseEnvironment(config.Environment)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	config.env = env
	config.Environment = string(env)
	config.Journal.Bucket = strings.TrimSpace(config.Journal.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := environmentFromEnv(); ok {
		cfg.Environment = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Credentials.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Credentials.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_PRIVATE_KEY_PATH"); v != "" {
		cfg.Credentials.PrivateKeyPath = strings.TrimSpace(v)
	}

	floats := []struct {
		env string
		dst *float64
	}{
		{"BINANCE_MAX_POSITION_SIZE_USD", &cfg.Risk.MaxPositionUSD},
		{"BINANCE_MAX_DAILY_LOSS_USD", &cfg.Risk.MaxDailyLossUSD},
		{"BINANCE_MIN_ORDER_SIZE_USD", &cfg.Risk.MinOrderUSD},
		{"BINANCE_MAX_ORDER_SIZE_USD", &cfg.Risk.MaxOrderUSD},
		{"BINANCE_MAX_DAILY_VOLUME_USD", &cfg.Risk.MaxDailyVolumeUSD},
	}
	for _, f := range floats {
		v := strings.TrimSpace(os.Getenv(f.env))
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.env, err)
		}
		*f.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("BINANCE_RATE_LIMIT_REQUESTS_PER_MIN")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BINANCE_RATE_LIMIT_REQUESTS_PER_MIN: %w", err)
		}
		cfg.RateLimits.RequestWeightPerMinute = parsed
	}

	if cfg.Journal.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Journal.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Journal.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Journal.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("JOURNAL_S3_BUCKET"); v != "" {
			cfg.Journal.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if !cfg.env.IsPaper() {
		if cfg.Credentials.APIKey == "" {
			return fmt.Errorf("credentials.api_key is required for %s", cfg.env)
		}
		hasSecret := cfg.Credentials.APISecret != ""
		hasKey := cfg.Credentials.PrivateKeyPath != ""
		if hasSecret == hasKey {
			return fmt.Errorf("exactly one of credentials.api_secret and credentials.private_key_path must be set")
		}
		ep := cfg.Exchange.EndpointsFor(cfg.env)
		if ep.RestURL == "" || ep.StreamURL == "" {
			return fmt.Errorf("exchange.endpoints.%s must define rest_url and stream_url", cfg.env)
		}
	}

	if cfg.Exchange.RecvWindow <= 0 || cfg.Exchange.RecvWindow > 60*time.Second {
		return fmt.Errorf("exchange.recv_window must be between 0 and 60s")
	}

	limits := []struct {
		name  string
		value int
	}{
		{"rate_limits.request_weight_per_minute", cfg.RateLimits.RequestWeightPerMinute},
		{"rate_limits.orders_per_10s", cfg.RateLimits.OrdersPer10s},
		{"rate_limits.orders_per_day", cfg.RateLimits.OrdersPerDay},
		{"rate_limits.ws_connections_per_5m", cfg.RateLimits.WSConnectionsPer5m},
		{"rest.max_attempts", cfg.Rest.MaxAttempts},
		{"rest.max_acquire_attempts", cfg.Rest.MaxAcquireAttempts},
		{"stream.mailbox_size", cfg.Stream.MailboxSize},
	}
	for _, l := range limits {
		if l.value <= 0 {
			return fmt.Errorf("%s must be greater than 0", l.name)
		}
	}

	if cfg.Risk.MaxPositionUSD <= 0 {
		return fmt.Errorf("risk.max_position_usd must be greater than 0")
	}
	if cfg.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be greater than 0")
	}
	if cfg.Risk.MinOrderUSD < 0 {
		return fmt.Errorf("risk.min_order_usd must not be negative")
	}
	if cfg.Risk.MinOrderUSD > cfg.Risk.MaxPositionUSD {
		return fmt.Errorf("risk.min_order_usd must not exceed risk.max_position_usd")
	}
	if cfg.Risk.MaxOrderUSD < 0 || cfg.Risk.MaxDailyVolumeUSD < 0 {
		return fmt.Errorf("risk.max_order_usd and risk.max_daily_volume_usd must not be negative")
	}
	if cfg.Risk.MaxOrderUSD > 0 && cfg.Risk.MaxOrderUSD < cfg.Risk.MinOrderUSD {
		return fmt.Errorf("risk.max_order_usd must not be below risk.min_order_usd")
	}

	if cfg.Rest.Timeout <= 0 {
		return fmt.Errorf("rest.timeout must be greater than 0")
	}
	if cfg.Stream.PingInterval <= 0 || cfg.Stream.PongTimeout <= 0 {
		return fmt.Errorf("stream.ping_interval and stream.pong_timeout must be greater than 0")
	}
	if cfg.Stream.ControlMessagesPerSecond <= 0 {
		return fmt.Errorf("stream.control_messages_per_second must be greater than 0")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Bucket == "" {
			return fmt.Errorf("journal.bucket is required when the journal is enabled")
		}
		if cfg.Journal.Region == "" {
			return fmt.Errorf("journal.region is required when the journal is enabled")
		}
		if !isValidS3Bucket(cfg.Journal.Bucket) {
			return fmt.Errorf("journal.bucket '%s' is invalid", cfg.Journal.Bucket)
		}
		if cfg.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be greater than 0")
		}
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
