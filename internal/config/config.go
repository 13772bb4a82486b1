package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// WSConfig represents broadcast hub and websocket configuration
type WSConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" json:"write_buffer_size"`
	SendBuffer      int           `yaml:"send_buffer" json:"send_buffer"`
	SendTimeout     time.Duration `yaml:"send_timeout" json:"send_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" json:"max_message_size"`
}

// ScoutConfig represents OSINT scout configuration
type ScoutConfig struct {
	NewsBaseURL      string        `yaml:"news_base_url" json:"news_base_url"`
	NewsAPIKey       string        `yaml:"news_api_key" json:"news_api_key"`
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	ScanInterval     time.Duration `yaml:"scan_interval" json:"scan_interval"`
	MonitoredSectors []string      `yaml:"monitored_sectors" json:"monitored_sectors"`
	ResultsPerSector int           `yaml:"results_per_sector" json:"results_per_sector"`
	StoragePath      string        `yaml:"storage_path" json:"storage_path"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RunInitialScan   bool          `yaml:"run_initial_scan" json:"run_initial_scan"`
	SchedulerEnabled bool          `yaml:"scheduler_enabled" json:"scheduler_enabled"`
}

// AuditConfig represents forensic auditor configuration.
// Tier breakpoints are treated as configuration constants, not business logic:
// inclusive lower bounds, evaluated highest-first.
type AuditConfig struct {
	LedgerPath         string          `yaml:"ledger_path" json:"ledger_path"`
	CriticalBreakpoint decimal.Decimal `yaml:"critical_breakpoint" json:"critical_breakpoint"`
	HighBreakpoint     decimal.Decimal `yaml:"high_breakpoint" json:"high_breakpoint"`
	MediumBreakpoint   decimal.Decimal `yaml:"medium_breakpoint" json:"medium_breakpoint"`
}

// PolicyConfig represents policy brain storage configuration
type PolicyConfig struct {
	PolicyFile  string `yaml:"policy_file" json:"policy_file"`
	ReasoningDB string `yaml:"reasoning_db" json:"reasoning_db"`
	WatchPolicy bool   `yaml:"watch_policy" json:"watch_policy"`
}

// TreasuryConfig represents treasury commander configuration
type TreasuryConfig struct {
	TradingBaseURL string          `yaml:"trading_base_url" json:"trading_base_url"`
	TradingAPIKey  string          `yaml:"trading_api_key" json:"trading_api_key"`
	PortfolioValue decimal.Decimal `yaml:"portfolio_value" json:"portfolio_value"`
	MaxRetries     int             `yaml:"max_retries" json:"max_retries"`
	RetryBase      time.Duration   `yaml:"retry_base" json:"retry_base"`
	RequestTimeout time.Duration   `yaml:"request_timeout" json:"request_timeout"`
}

// Config represents the application configuration
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	LogLevel    string         `yaml:"log_level" json:"log_level"`
	Server      ServerConfig   `yaml:"server" json:"server"`
	WS          WSConfig       `yaml:"websocket" json:"websocket"`
	Scout       ScoutConfig    `yaml:"scout" json:"scout"`
	Audit       AuditConfig    `yaml:"audit" json:"audit"`
	Policy      PolicyConfig   `yaml:"policy" json:"policy"`
	Treasury    TreasuryConfig `yaml:"treasury" json:"treasury"`
}

// LoadConfig loads the application configuration from defaults, environment
// variables, and an optional config.yaml, in that order of precedence.
func LoadConfig() (*Config, error) {
	config := &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WS: WSConfig{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			SendBuffer:      256,
			SendTimeout:     5 * time.Second,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512 * 1024,
		},
		Scout: ScoutConfig{
			NewsBaseURL:  "https://ydc-index.io/v1",
			CacheTTL:     time.Hour,
			ScanInterval: 15 * time.Minute,
			MonitoredSectors: []string{
				"Middle East energy",
				"Latin America currency volatility",
				"sovereign debt default",
				"geopolitical crisis",
			},
			ResultsPerSector: 5,
			StoragePath:      "data",
			RequestTimeout:   30 * time.Second,
			RunInitialScan:   true,
			SchedulerEnabled: true,
		},
		Audit: AuditConfig{
			LedgerPath:         "data/ledger.csv",
			CriticalBreakpoint: decimal.NewFromInt(10_000_000),
			HighBreakpoint:     decimal.NewFromInt(5_000_000),
			MediumBreakpoint:   decimal.NewFromInt(1_000_000),
		},
		Policy: PolicyConfig{
			PolicyFile:  "data/policy.json",
			ReasoningDB: "data/reasoning_bank.db",
			WatchPolicy: true,
		},
		Treasury: TreasuryConfig{
			TradingBaseURL: "https://trading.example.com/v1",
			PortfolioValue: decimal.NewFromInt(10_000_000),
			MaxRetries:     3,
			RetryBase:      500 * time.Millisecond,
			RequestTimeout: 10 * time.Second,
		},
	}

	// Environment variable overrides
	if env := os.Getenv("SENTINEL_ENVIRONMENT"); env != "" {
		config.Environment = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = strings.ToLower(level)
	}
	if port, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil {
		config.Server.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	if key := os.Getenv("NEWS_API_KEY"); key != "" {
		config.Scout.NewsAPIKey = key
	}
	if base := os.Getenv("NEWS_BASE_URL"); base != "" {
		config.Scout.NewsBaseURL = base
	}
	if mins, err := strconv.Atoi(os.Getenv("SCAN_INTERVAL_MINUTES")); err == nil {
		config.Scout.ScanInterval = time.Duration(mins) * time.Minute
	}
	if secs, err := strconv.Atoi(os.Getenv("CACHE_TTL_SECONDS")); err == nil {
		config.Scout.CacheTTL = time.Duration(secs) * time.Second
	}
	if path := os.Getenv("LEDGER_PATH"); path != "" {
		config.Audit.LedgerPath = path
	}
	if file := os.Getenv("POLICY_FILE"); file != "" {
		config.Policy.PolicyFile = file
	}
	if db := os.Getenv("REASONING_DB"); db != "" {
		config.Policy.ReasoningDB = db
	}
	if base := os.Getenv("TRADING_BASE_URL"); base != "" {
		config.Treasury.TradingBaseURL = base
	}
	if key := os.Getenv("TRADING_API_KEY"); key != "" {
		config.Treasury.TradingAPIKey = key
	}
	if v := os.Getenv("PORTFOLIO_VALUE"); v != "" {
		value, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORTFOLIO_VALUE %q: %w", v, err)
		}
		config.Treasury.PortfolioValue = value
	}

	// Config file overrides
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/sentinel")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if viper.IsSet("environment") {
			config.Environment = viper.GetString("environment")
		}
		if viper.IsSet("log_level") {
			config.LogLevel = viper.GetString("log_level")
		}
		if viper.IsSet("server.port") {
			config.Server.Port = viper.GetInt("server.port")
		}
		if viper.IsSet("server.allowed_origins") {
			config.Server.AllowedOrigins = viper.GetStringSlice("server.allowed_origins")
		}
		if viper.IsSet("websocket.send_buffer") {
			config.WS.SendBuffer = viper.GetInt("websocket.send_buffer")
		}
		if viper.IsSet("websocket.send_timeout") {
			config.WS.SendTimeout = viper.GetDuration("websocket.send_timeout")
		}
		if viper.IsSet("scout.news_base_url") {
			config.Scout.NewsBaseURL = viper.GetString("scout.news_base_url")
		}
		if viper.IsSet("scout.news_api_key") {
			config.Scout.NewsAPIKey = viper.GetString("scout.news_api_key")
		}
		if viper.IsSet("scout.scan_interval") {
			config.Scout.ScanInterval = viper.GetDuration("scout.scan_interval")
		}
		if viper.IsSet("scout.monitored_sectors") {
			config.Scout.MonitoredSectors = viper.GetStringSlice("scout.monitored_sectors")
		}
		if viper.IsSet("scout.scheduler_enabled") {
			config.Scout.SchedulerEnabled = viper.GetBool("scout.scheduler_enabled")
		}
		if viper.IsSet("audit.ledger_path") {
			config.Audit.LedgerPath = viper.GetString("audit.ledger_path")
		}
		if viper.IsSet("audit.critical_breakpoint") {
			config.Audit.CriticalBreakpoint = decimal.NewFromFloat(viper.GetFloat64("audit.critical_breakpoint"))
		}
		if viper.IsSet("audit.high_breakpoint") {
			config.Audit.HighBreakpoint = decimal.NewFromFloat(viper.GetFloat64("audit.high_breakpoint"))
		}
		if viper.IsSet("audit.medium_breakpoint") {
			config.Audit.MediumBreakpoint = decimal.NewFromFloat(viper.GetFloat64("audit.medium_breakpoint"))
		}
		if viper.IsSet("policy.policy_file") {
			config.Policy.PolicyFile = viper.GetString("policy.policy_file")
		}
		if viper.IsSet("policy.reasoning_db") {
			config.Policy.ReasoningDB = viper.GetString("policy.reasoning_db")
		}
		if viper.IsSet("treasury.trading_base_url") {
			config.Treasury.TradingBaseURL = viper.GetString("treasury.trading_base_url")
		}
		if viper.IsSet("treasury.portfolio_value") {
			config.Treasury.PortfolioValue = decimal.NewFromFloat(viper.GetFloat64("treasury.portfolio_value"))
		}
		if viper.IsSet("treasury.max_retries") {
			config.Treasury.MaxRetries = viper.GetInt("treasury.max_retries")
		}
	}

	return config, nil
}
