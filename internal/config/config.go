// Package config provides configuration management for the eHash engine.
// Values come from flags, environment variables and an optional config file,
// in that order of precedence, with sensible defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the global configuration for ehashd
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Metrics endpoint
	MetricsAddr string

	// Mint policy
	MinLeadingZeros uint32
	MintUnit        string
	AuditZeroAmount bool
	DedupWindow     time.Duration

	// Coordinator loops
	QueueSize        int
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       int
	RecoveryInterval time.Duration
	ShutdownTimeout  time.Duration

	// Keyset lifecycle
	PayoutWindow        time.Duration
	KeysetSweepInterval time.Duration
	DeferredRetryEvery  time.Duration

	// Bitcoin Core connection
	BitcoinNetwork     string
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinZMQAddr     string

	// Kafka configuration
	KafkaBrokers []string
	KafkaGroupID string

	// Database connections. An empty URL disables that backend.
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service-name", "ehashd")
	v.SetDefault("version", "dev")
	v.SetDefault("environment", "development")

	v.SetDefault("metrics-addr", ":9100")

	v.SetDefault("min-leading-zeros", 32)
	v.SetDefault("mint-unit", "HASH")
	v.SetDefault("audit-zero-amount", false)
	v.SetDefault("dedup-window", 24*time.Hour)

	v.SetDefault("queue-size", 1024)
	v.SetDefault("max-retries", 5)
	v.SetDefault("backoff-base", time.Second)
	v.SetDefault("backoff-cap", 6)
	v.SetDefault("recovery-interval", time.Second)
	v.SetDefault("shutdown-timeout", 30*time.Second)

	v.SetDefault("payout-window", 72*time.Hour)
	v.SetDefault("keyset-sweep-interval", time.Minute)
	v.SetDefault("deferred-retry-interval", 30*time.Second)

	v.SetDefault("bitcoin-network", "mainnet")
	v.SetDefault("bitcoin-rpc-host", "localhost")
	v.SetDefault("bitcoin-rpc-port", 8332)
	v.SetDefault("bitcoin-rpc-user", "")
	v.SetDefault("bitcoin-rpc-password", "")
	v.SetDefault("bitcoin-zmq-addr", "tcp://localhost:28332")

	v.SetDefault("kafka-brokers", "")
	v.SetDefault("kafka-group-id", "ehashd")

	v.SetDefault("postgres-url", "")
	v.SetDefault("redis-url", "")
	v.SetDefault("influx-url", "")
	v.SetDefault("influx-token", "")
	v.SetDefault("influx-org", "ehash")
	v.SetDefault("influx-bucket", "ehash")

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
}

// Load merges flags, environment variables and the config file into Config.
// Keys map to environment variables by upper-casing and replacing dashes, so
// "bitcoin-rpc-host" is read from BITCOIN_RPC_HOST.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("ehashd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		ServiceName: v.GetString("service-name"),
		Version:     v.GetString("version"),
		Environment: v.GetString("environment"),

		MetricsAddr: v.GetString("metrics-addr"),

		MinLeadingZeros: v.GetUint32("min-leading-zeros"),
		MintUnit:        v.GetString("mint-unit"),
		AuditZeroAmount: v.GetBool("audit-zero-amount"),
		DedupWindow:     v.GetDuration("dedup-window"),

		QueueSize:        v.GetInt("queue-size"),
		MaxRetries:       v.GetInt("max-retries"),
		BackoffBase:      v.GetDuration("backoff-base"),
		BackoffCap:       v.GetInt("backoff-cap"),
		RecoveryInterval: v.GetDuration("recovery-interval"),
		ShutdownTimeout:  v.GetDuration("shutdown-timeout"),

		PayoutWindow:        v.GetDuration("payout-window"),
		KeysetSweepInterval: v.GetDuration("keyset-sweep-interval"),
		DeferredRetryEvery:  v.GetDuration("deferred-retry-interval"),

		BitcoinNetwork:     v.GetString("bitcoin-network"),
		BitcoinRPCHost:     v.GetString("bitcoin-rpc-host"),
		BitcoinRPCPort:     v.GetInt("bitcoin-rpc-port"),
		BitcoinRPCUser:     v.GetString("bitcoin-rpc-user"),
		BitcoinRPCPassword: v.GetString("bitcoin-rpc-password"),
		BitcoinZMQAddr:     v.GetString("bitcoin-zmq-addr"),

		KafkaBrokers: getStringSlice(v, "kafka-brokers"),
		KafkaGroupID: v.GetString("kafka-group-id"),

		PostgresURL:  v.GetString("postgres-url"),
		RedisURL:     v.GetString("redis-url"),
		InfluxURL:    v.GetString("influx-url"),
		InfluxToken:  v.GetString("influx-token"),
		InfluxOrg:    v.GetString("influx-org"),
		InfluxBucket: v.GetString("influx-bucket"),

		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.MintUnit == "" {
		return fmt.Errorf("MINT_UNIT cannot be empty")
	}

	if c.MinLeadingZeros > 256 {
		return fmt.Errorf("MIN_LEADING_ZEROS must be at most 256")
	}

	if c.DedupWindow < time.Second {
		return fmt.Errorf("DEDUP_WINDOW must be at least 1s")
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}

	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive")
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive")
	}

	if c.BackoffCap < 0 || c.BackoffCap > 30 {
		return fmt.Errorf("BACKOFF_CAP must be between 0 and 30")
	}

	if c.RecoveryInterval <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL and SHUTDOWN_TIMEOUT must be positive")
	}

	if c.PayoutWindow <= 0 {
		return fmt.Errorf("PAYOUT_WINDOW must be positive")
	}

	if c.KeysetSweepInterval <= 0 || c.DeferredRetryEvery <= 0 {
		return fmt.Errorf("KEYSET_SWEEP_INTERVAL and DEFERRED_RETRY_INTERVAL must be positive")
	}

	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	return nil
}

// SettlementEnabled reports whether Bitcoin Core RPC credentials were supplied.
func (c *Config) SettlementEnabled() bool {
	return c.BitcoinRPCUser != ""
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	switch typed := v.Get(key).(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return cleanStrings(strings.Split(typed, ","))
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
