package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr       = ":8081"
	defaultMetricsAddr    = ":9092"
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultSQLitePath     = "data/modelgate.db"
	defaultFleetConfig    = "config/fleet.yaml"
	defaultIntrospectURL  = "http://localhost:8089/introspect"
	defaultDispatchWait   = 300 * time.Second
	defaultTokenTTL       = 5 * time.Minute
	defaultNegativeTTL    = 30 * time.Second
	defaultStatusTTL      = 60 * time.Second
	defaultReadinessTTL   = 30 * time.Second
	defaultSentinelTTL    = 30 * time.Second
	defaultBatchGrace     = 10 * time.Minute
	defaultSweepInterval  = 30 * time.Second
	defaultCancelAttempts = 5
	defaultSummaryChunks  = 20
	defaultSummaryWait    = 5 * time.Minute
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
)

const (
	envHTTPAddr        = "GATEWAY_HTTP_ADDR"
	envMetricsAddr     = "GATEWAY_METRICS_ADDR"
	envNATSURL         = "NATS_URL"
	envRedisURL        = "REDIS_URL"
	envSQLitePath      = "SQLITE_PATH"
	envFleetConfigPath = "FLEET_CONFIG_PATH"
	envIntrospectURL   = "INTROSPECTION_URL"
	envIntrospectToken = "INTROSPECTION_TOKEN"
	envServiceAccounts = "SERVICE_ACCOUNT_SUBJECTS"
	envAllowedDomains  = "ALLOWED_IDP_DOMAINS"
	envAssurancePolicy = "HIGH_ASSURANCE_POLICY"
	envAdminGroup      = "ADMIN_GROUP"
	envDispatchWait    = "DISPATCH_TIMEOUT"
	envTokenTTL        = "TOKEN_CACHE_TTL"
	envNegativeTTL     = "TOKEN_NEGATIVE_TTL"
	envStatusTTL       = "STATUS_CACHE_TTL"
	envReadinessTTL    = "READINESS_CACHE_TTL"
	envSentinelTTL     = "COLDSTART_SENTINEL_TTL"
	envBatchGrace      = "BATCH_LOST_GRACE_WINDOW"
	envSweepInterval   = "BATCH_SWEEP_INTERVAL"
	envCancelAttempts  = "BATCH_CANCEL_MAX_ATTEMPTS"
	envSummaryChunks   = "STREAM_SUMMARY_MAX_CHUNKS"
	envSummaryWait     = "STREAM_SUMMARY_MAX_WAIT"
	envRateLimitRPS    = "RATE_LIMIT_RPS"
	envRateLimitBurst  = "RATE_LIMIT_BURST"
)

// Config holds runtime configuration for the gateway and reconciler processes.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	NatsURL     string
	RedisURL    string
	SQLitePath  string
	FleetPath   string

	IntrospectionURL   string
	IntrospectionToken string
	ServiceAccounts    []string
	AllowedIdPDomains  []string
	// HighAssurancePolicy names the policy claim that must evaluate true for
	// interactive sessions; empty disables the check.
	HighAssurancePolicy string
	AdminGroup          string

	DispatchTimeout  time.Duration
	TokenCacheTTL    time.Duration
	TokenNegativeTTL time.Duration
	StatusCacheTTL   time.Duration
	ReadinessTTL     time.Duration
	SentinelTTL      time.Duration

	// BatchGraceWindow is the lost-task grace window: how long a batch may sit
	// pending with zero queue activity before it is declared lost. Operational
	// tunable, not a fixed constant.
	BatchGraceWindow  time.Duration
	SweepInterval     time.Duration
	CancelMaxAttempts int

	StreamSummaryMaxChunks int
	StreamSummaryMaxWait   time.Duration

	RateLimitRPS   int
	RateLimitBurst int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:    strEnv(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr: strEnv(envMetricsAddr, defaultMetricsAddr),
		NatsURL:     strEnv(envNATSURL, defaultNATSURL),
		RedisURL:    strEnv(envRedisURL, defaultRedisURL),
		SQLitePath:  strEnv(envSQLitePath, defaultSQLitePath),
		FleetPath:   strEnv(envFleetConfigPath, defaultFleetConfig),

		IntrospectionURL:    strEnv(envIntrospectURL, defaultIntrospectURL),
		IntrospectionToken:  strEnv(envIntrospectToken, ""),
		ServiceAccounts:     listEnv(envServiceAccounts),
		AllowedIdPDomains:   listEnv(envAllowedDomains),
		HighAssurancePolicy: strEnv(envAssurancePolicy, ""),
		AdminGroup:          strEnv(envAdminGroup, ""),

		DispatchTimeout:  durEnv(envDispatchWait, defaultDispatchWait),
		TokenCacheTTL:    durEnv(envTokenTTL, defaultTokenTTL),
		TokenNegativeTTL: durEnv(envNegativeTTL, defaultNegativeTTL),
		StatusCacheTTL:   durEnv(envStatusTTL, defaultStatusTTL),
		ReadinessTTL:     durEnv(envReadinessTTL, defaultReadinessTTL),
		SentinelTTL:      durEnv(envSentinelTTL, defaultSentinelTTL),

		BatchGraceWindow:  durEnv(envBatchGrace, defaultBatchGrace),
		SweepInterval:     durEnv(envSweepInterval, defaultSweepInterval),
		CancelMaxAttempts: intEnv(envCancelAttempts, defaultCancelAttempts),

		StreamSummaryMaxChunks: intEnv(envSummaryChunks, defaultSummaryChunks),
		StreamSummaryMaxWait:   durEnv(envSummaryWait, defaultSummaryWait),

		RateLimitRPS:   intEnv(envRateLimitRPS, defaultRateLimitRPS),
		RateLimitBurst: intEnv(envRateLimitBurst, defaultRateLimitBurst),
	}
}

func strEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func listEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		return parsed
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}
