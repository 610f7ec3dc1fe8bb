package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every runtime setting of the FilBeam backend. Values come
// from defaults, then an optional yaml file (CONFIG_PATH), then environment
// variables, each layer overriding the previous one.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`

	ListenAddr         string `yaml:"listen_addr"`
	InternalListenAddr string `yaml:"internal_listen_addr"`

	DNSRoot       string `yaml:"dns_root"`
	LegacyDNSRoot string `yaml:"legacy_dns_root"`
	MarketingURL  string `yaml:"marketing_url"`

	RPCURL               string `yaml:"rpc_url"`
	OperatorContractAddr string `yaml:"operator_contract_address"`
	ControllerPrivateKey string `yaml:"controller_private_key"`
	GenesisUnixMS        int64  `yaml:"genesis_unix_ms"`

	WebhookSecret       string `yaml:"webhook_secret"`
	WebhookSecretHeader string `yaml:"webhook_secret_header"`

	SubgraphURL     string `yaml:"subgraph_url"`
	ScreeningAPIURL string `yaml:"screening_api_url"`
	ScreeningAPIKey string `yaml:"screening_api_key"`

	EnforceQuotas bool `yaml:"enforce_quotas"`

	// BotTokens maps bearer tokens to bot names.
	BotTokens map[string]string `yaml:"bot_tokens"`

	ClientCacheTTLSeconds int           `yaml:"client_cache_ttl_seconds"`
	OriginCacheTTL        time.Duration `yaml:"origin_cache_ttl"`
	OriginFetchTimeout    time.Duration `yaml:"origin_fetch_timeout"`
	MaxCacheObjectBytes   int64         `yaml:"max_cache_object_bytes"`
	CSPExtraSources       string        `yaml:"csp_extra_sources"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	IndexerCronInterval time.Duration `yaml:"indexer_cron_interval"`
	ScreeningBatchSize  int           `yaml:"screening_batch_size"`
	ScreeningStaleAfter time.Duration `yaml:"screening_stale_after"`
	LockupPeriodDays    int           `yaml:"lockup_period_days"`

	ReporterCronInterval time.Duration `yaml:"reporter_cron_interval"`

	MonitorPollInterval    time.Duration `yaml:"monitor_poll_interval"`
	MonitorStalenessWindow time.Duration `yaml:"monitor_staleness_window"`
	MonitorMaxAttempts     int           `yaml:"monitor_max_attempts"`

	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`
	QueueLease        time.Duration `yaml:"queue_lease"`
	QueueMaxAttempts  int           `yaml:"queue_max_attempts"`
}

// Load builds the configuration: defaults, then CONFIG_PATH yaml if set,
// then environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	net := Net()
	return &Config{
		RedisAddr:              "localhost:6379",
		ListenAddr:             ":8080",
		InternalListenAddr:     ":8081",
		DNSRoot:                "filbeam.io",
		LegacyDNSRoot:          "filcdn.io",
		MarketingURL:           "https://filbeam.com",
		RPCURL:                 net.DefaultRPCURL,
		GenesisUnixMS:          net.GenesisUnixMS,
		WebhookSecretHeader:    "X-Webhook-Secret",
		EnforceQuotas:          true,
		ClientCacheTTLSeconds:  86400,
		OriginCacheTTL:         30 * time.Minute,
		OriginFetchTimeout:     5 * time.Minute,
		MaxCacheObjectBytes:    32 << 20,
		RateLimitRPS:           50,
		RateLimitBurst:         100,
		IndexerCronInterval:    5 * time.Minute,
		ScreeningBatchSize:     25,
		ScreeningStaleAfter:    45 * 24 * time.Hour,
		LockupPeriodDays:       10,
		ReporterCronInterval:   time.Hour,
		MonitorPollInterval:    15 * time.Second,
		MonitorStalenessWindow: 10 * time.Minute,
		MonitorMaxAttempts:     40,
		QueuePollInterval:      2 * time.Second,
		QueueLease:             5 * time.Minute,
		QueueMaxAttempts:       20,
	}
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	setDur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.RedisAddr, "REDIS_ADDR")
	setInt(&c.RedisDB, "REDIS_DB")
	setStr(&c.ListenAddr, "LISTEN_ADDR")
	setStr(&c.InternalListenAddr, "INTERNAL_LISTEN_ADDR")
	setStr(&c.DNSRoot, "DNS_ROOT")
	setStr(&c.LegacyDNSRoot, "LEGACY_DNS_ROOT")
	setStr(&c.MarketingURL, "MARKETING_URL")
	setStr(&c.RPCURL, "GLIF_RPC_URL")
	setStr(&c.OperatorContractAddr, "OPERATOR_CONTRACT_ADDRESS")
	setStr(&c.ControllerPrivateKey, "CONTROLLER_PRIVATE_KEY")
	setInt64(&c.GenesisUnixMS, "GENESIS_UNIX_MS")
	setStr(&c.WebhookSecret, "WEBHOOK_SECRET")
	setStr(&c.WebhookSecretHeader, "WEBHOOK_SECRET_HEADER")
	setStr(&c.SubgraphURL, "SUBGRAPH_URL")
	setStr(&c.ScreeningAPIURL, "SCREENING_API_URL")
	setStr(&c.ScreeningAPIKey, "SCREENING_API_KEY")
	setBool(&c.EnforceQuotas, "ENFORCE_QUOTAS")
	setInt(&c.ClientCacheTTLSeconds, "CLIENT_CACHE_TTL_SECONDS")
	setDur(&c.OriginCacheTTL, "ORIGIN_CACHE_TTL")
	setDur(&c.OriginFetchTimeout, "ORIGIN_FETCH_TIMEOUT")
	setInt64(&c.MaxCacheObjectBytes, "MAX_CACHE_OBJECT_BYTES")
	setStr(&c.CSPExtraSources, "CSP_EXTRA_SOURCES")
	setFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS")
	setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST")
	setDur(&c.IndexerCronInterval, "INDEXER_CRON_INTERVAL")
	setInt(&c.ScreeningBatchSize, "SCREENING_BATCH_SIZE")
	setDur(&c.ScreeningStaleAfter, "SCREENING_STALE_AFTER")
	setInt(&c.LockupPeriodDays, "LOCKUP_PERIOD_DAYS")
	setDur(&c.ReporterCronInterval, "REPORTER_CRON_INTERVAL")
	setDur(&c.MonitorPollInterval, "MONITOR_POLL_INTERVAL")
	setDur(&c.MonitorStalenessWindow, "MONITOR_STALENESS_WINDOW")
	setInt(&c.MonitorMaxAttempts, "MONITOR_MAX_ATTEMPTS")
	setDur(&c.QueuePollInterval, "QUEUE_POLL_INTERVAL")
	setDur(&c.QueueLease, "QUEUE_LEASE")
	setInt(&c.QueueMaxAttempts, "QUEUE_MAX_ATTEMPTS")

	if v := os.Getenv("BOT_TOKENS"); v != "" {
		c.BotTokens = ParseBotTokens(v)
	}
}

// ParseBotTokens parses "token=name,token2=name2" pairs. Malformed pairs are
// skipped.
func ParseBotTokens(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, name, ok := strings.Cut(pair, "=")
		if !ok || tok == "" || name == "" {
			continue
		}
		out[tok] = name
	}
	return out
}
