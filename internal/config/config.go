// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"tenantry.org/internal/authz"
	"tenantry.org/internal/store/pg"
)

const (
	envFile                = "TENANTRY_ENV_FILE"
	envHTTPAddr            = "TENANTRY_HTTP_ADDR"
	envGRPCAddr            = "TENANTRY_GRPC_ADDR"
	envPGDSN               = "TENANTRY_PG_DSN"
	envTokenSecret         = "TENANTRY_TOKEN_SECRET"
	envTokenIssuer         = "TENANTRY_TOKEN_ISSUER"
	envLookupTimeout       = "TENANTRY_LOOKUP_TIMEOUT"
	envRateBurst           = "TENANTRY_RATE_BURST"
	envRatePerSec          = "TENANTRY_RATE_PER_SEC"
	envLogLevel            = "TENANTRY_LOG_LEVEL"
	envInvalidationChannel = "TENANTRY_INVALIDATION_CHANNEL"
	envShutdownTimeout     = "TENANTRY_SHUTDOWN_TIMEOUT"
	envMaxBodyBytes        = "TENANTRY_MAX_BODY_BYTES"
	envBootstrapAdmin      = "TENANTRY_BOOTSTRAP_ADMIN"
	envTrustedProxies      = "TENANTRY_TRUSTED_PROXIES"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultGRPCAddr        = ":9090"
	defaultTokenIssuer     = "tenantry"
	defaultRateBurst       = 200
	defaultRatePerSec      = 100.0
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodyBytes    = int64(1 << 20)
	minTokenSecretLength   = 32
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	HTTPAddr            string
	GRPCAddr            string
	PGDSN               string
	TokenSecret         string
	TokenIssuer         string
	LookupTimeout       time.Duration
	RateBurst           int
	RatePerSec          float64
	LogLevel            zapcore.Level
	InvalidationChannel string
	ShutdownTimeout     time.Duration
	MaxBodyBytes        int64
	// BootstrapAdmin is granted sys_admin in the in-memory store.
	BootstrapAdmin string
	// TrustedProxies are the peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// Load reads the optional env file named by TENANTRY_ENV_FILE (default
// .env), then the process environment, and validates the result.
func Load() (*Config, error) {
	path := getEnv(envFile, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	cfg := &Config{
		HTTPAddr:            getEnv(envHTTPAddr, defaultHTTPAddr),
		GRPCAddr:            getEnv(envGRPCAddr, defaultGRPCAddr),
		PGDSN:               getEnv(envPGDSN, ""),
		TokenSecret:         getEnv(envTokenSecret, ""),
		TokenIssuer:         getEnv(envTokenIssuer, defaultTokenIssuer),
		LookupTimeout:       getDurationEnv(envLookupTimeout, authz.DefaultLookupTimeout),
		RateBurst:           getIntEnv(envRateBurst, defaultRateBurst),
		RatePerSec:          getFloatEnv(envRatePerSec, defaultRatePerSec),
		InvalidationChannel: getEnv(envInvalidationChannel, pg.DefaultChannel),
		ShutdownTimeout:     getDurationEnv(envShutdownTimeout, defaultShutdownTimeout),
		MaxBodyBytes:        getInt64Env(envMaxBodyBytes, defaultMaxBodyBytes),
		BootstrapAdmin:      strings.TrimSpace(getEnv(envBootstrapAdmin, "")),
	}
	level, err := zapcore.ParseLevel(getEnv(envLogLevel, defaultLogLevel))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, envLogLevel, err)
	}
	cfg.LogLevel = level

	proxies, err := parsePrefixes(getEnv(envTrustedProxies, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, envTrustedProxies, err)
	}
	cfg.TrustedProxies = proxies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: %s must be set", ErrInvalidConfig, envHTTPAddr)
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("%w: %s must be set", ErrInvalidConfig, envTokenSecret)
	}
	if len(c.TokenSecret) < minTokenSecretLength {
		return fmt.Errorf("%w: %s must be at least %d characters", ErrInvalidConfig, envTokenSecret, minTokenSecretLength)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, envLookupTimeout)
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("%w: %s and %s must be positive", ErrInvalidConfig, envRatePerSec, envRateBurst)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, envMaxBodyBytes)
	}
	return nil
}

// UsesDatabase reports whether Postgres backs the collaborators.
func (c *Config) UsesDatabase() bool { return c.PGDSN != "" }

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
