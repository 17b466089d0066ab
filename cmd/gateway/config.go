package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type config struct {
	listenAddr  string
	upstreamURL string

	rateEnabled   bool
	rateKeyHeader string
	trustXFF      bool
	policies      domain.PolicyTable
	failMode      application.StoreFailurePolicy

	// memory | redis
	rateStore     string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string

	concurrencyMax     int
	concurrencyTimeout time.Duration

	metricsEnabled bool

	logLevel  zapcore.Level
	logFormat string

	rateStatsEnabled       bool
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsBucket        string
	rateStatsTrackKeys     bool
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.rateKeyHeader = os.Getenv("RATE_KEY_HEADER")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)

	cfg.rateStore = strings.ToLower(getenvDefault("RATE_STORE", "memory"))
	cfg.redisAddr = os.Getenv("RATE_REDIS_ADDR")
	cfg.redisPassword = os.Getenv("RATE_REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("RATE_REDIS_DB", 0)
	cfg.redisPrefix = getenvDefault("RATE_REDIS_PREFIX", "ratelimit")

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)
	cfg.metricsEnabled = getenvBoolDefault("METRICS_ENABLED", true)
	cfg.logFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsRedisAddr = os.Getenv("RATE_STATS_REDIS_ADDR")
	cfg.rateStatsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.rateStatsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	var err error
	if cfg.logLevel, err = zapcore.ParseLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.failMode, err = application.ParseStoreFailurePolicy(strings.ToLower(os.Getenv("RATE_FAIL_MODE"))); err != nil {
		return config{}, fmt.Errorf("RATE_FAIL_MODE: %w", err)
	}
	if cfg.policies, err = readPolicies(); err != nil {
		return config{}, err
	}

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	switch cfg.rateStore {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.redisAddr) == "" {
			return config{}, errors.New("RATE_REDIS_ADDR is required when RATE_STORE=redis")
		}
	default:
		return config{}, fmt.Errorf("RATE_STORE must be memory or redis, got %q", cfg.rateStore)
	}
	if cfg.logFormat != "json" && cfg.logFormat != "console" {
		return config{}, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.logFormat)
	}
	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	return cfg, nil
}

// readPolicies parte dos defaults (ou do RATE_POLICY_FILE) e aplica os
// overrides RATE_<CLASSE>_* por cima. O resultado é validado inteiro.
func readPolicies() (domain.PolicyTable, error) {
	table := domain.DefaultPolicies()
	if path := os.Getenv("RATE_POLICY_FILE"); path != "" {
		loaded, err := infra.LoadPolicyFile(path)
		if err != nil {
			return nil, err
		}
		table = loaded
	}

	for _, class := range domain.RouteClasses {
		p := table[class]
		if err := applyPolicyEnv(&p, "RATE_"+strings.ToUpper(string(class))+"_"); err != nil {
			return nil, err
		}
		table[class] = p
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func applyPolicyEnv(p *domain.Policy, prefix string) error {
	if v, ok, err := envInt(prefix + "LIMIT"); err != nil {
		return err
	} else if ok {
		p.Limit = v
	}
	if v, ok, err := envInt(prefix + "WINDOW"); err != nil {
		return err
	} else if ok {
		p.Window = time.Duration(v) * time.Second
	}
	if v, ok, err := envInt(prefix + "BLOCK_MINUTES"); err != nil {
		return err
	} else if ok {
		p.BlockDuration = time.Duration(v) * time.Minute
	}
	if v, ok := os.LookupEnv(prefix + "WEIGHT"); ok && v != "" {
		w, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sWEIGHT: %w", prefix, err)
		}
		p.Weight = w
	}
	if v, ok, err := envInt(prefix + "DELAY_AFTER"); err != nil {
		return err
	} else if ok {
		p.DelayAfter = v
	}
	if v, ok, err := envInt(prefix + "DELAY_MS"); err != nil {
		return err
	} else if ok {
		p.DelayStep = time.Duration(v) * time.Millisecond
	}
	return nil
}

func newLogger(cfg config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.logFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.logLevel)
	return zc.Build()
}

// envInt diferencia "não definido" de "inválido": override de política com
// valor ruim é erro, não fallback silencioso.
func envInt(k string) (int, bool, error) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", k, err)
	}
	return i, true, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	i, ok, err := envInt(k)
	if err != nil || !ok {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
