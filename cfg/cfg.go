package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// MaxContentSize is the hard cap on a paste's encoded ciphertext.
const MaxContentSize = 1024 * 1024

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	StorageBackend         string
	DatabasePath           string
	DatabaseURL            Secret
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	MongoURI               Secret
	MongoDatabase          string
	DynamoTable            string
	DynamoEndpoint         string
	AWSRegion              string
	LRUCacheSize           int
	MaxPasteSize           int64
	MaxExpiry              time.Duration
	SweepInterval          time.Duration
	SessionTTL             time.Duration
	SessionHashKey         Secret
	SessionKeyFromKMS      bool
	AtRestSealing          bool
	KEKCacheTTL            time.Duration
	RateLimit              RateLimitCfg
	TrustedProxies         []string
	AllowedOrigins         []string
	MetricsUser            string
	MetricsPass            Secret
	ContextTimeout         time.Duration
	IPHashPepper           Secret
	IPHashRotationInterval time.Duration
	EnableProfiler         bool
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, seeds variables that are not already set.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "3000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", "memory"))
	c.DatabasePath = getEnv("DATABASE_PATH", "ciphernotes.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.MongoURI = NewSecret(getEnv("MONGODB_URI", "mongodb://localhost:27017"))
	c.MongoDatabase = getEnv("MONGODB_DATABASE", "ciphernotes")
	c.DynamoTable = getEnv("DYNAMODB_TABLE", "ciphernotes-pastes")
	c.DynamoEndpoint = getEnv("DYNAMODB_ENDPOINT", "")
	c.AWSRegion = getEnv("AWS_REGION", "")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", MaxContentSize)
	if err != nil {
		return nil, err
	}
	c.MaxExpiry, err = getDuration("MAX_EXPIRY", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.SessionTTL, err = getDuration("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.SessionHashKey = NewSecret(getEnv("SESSION_HASH_KEY", ""))
	c.SessionKeyFromKMS = getEnv("SESSION_KEY_FROM_KMS", "false") == "true"
	c.AtRestSealing = getEnv("AT_REST_SEALING", "false") == "true"
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 60)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.IPHashPepper = NewSecret(getEnv("IP_HASH_PEPPER", ""))
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.EnableProfiler = getEnv("ENABLE_PROFILER", "false") == "true"
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StorageBackend {
	case "memory":
	case "sqlite":
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.DatabaseURL.Value() == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case "mongodb":
		if c.MongoURI.Value() == "" || c.MongoDatabase == "" {
			return errors.New("MONGODB_URI and MONGODB_DATABASE are required for the mongodb backend")
		}
	case "dynamodb":
		if c.DynamoTable == "" || c.AWSRegion == "" {
			return errors.New("DYNAMODB_TABLE and AWS_REGION are required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q (memory, sqlite, postgres, redis, mongodb, dynamodb)", c.StorageBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize < 0 {
		return errors.New("LRU_CACHE_SIZE must not be negative")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > MaxContentSize {
		return errors.New("MAX_PASTE_SIZE cannot exceed 1MiB")
	}
	if c.MaxExpiry < time.Hour {
		return errors.New("MAX_EXPIRY must be at least 1h")
	}
	if c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1s")
	}
	if c.SessionTTL < time.Minute {
		return errors.New("SESSION_TTL must be at least 1 minute")
	}
	if k := len(c.SessionHashKey.Value()); k != 0 && k < 32 {
		return errors.New("SESSION_HASH_KEY must be at least 32 bytes")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if p := len(c.IPHashPepper.Value()); p != 0 && p < 32 {
		return errors.New("IP_HASH_PEPPER must be at least 32 bytes")
	}
	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.AtRestSealing {
		if c.KEKCacheTTL < 1*time.Minute {
			return errors.New("KEK_CACHE_TTL must be at least 1 minute")
		}
		if c.KEKCacheTTL > 1*time.Hour {
			return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MongoURI.Wipe()
	c.SessionHashKey.Wipe()
	c.MetricsPass.Wipe()
	c.IPHashPepper.Wipe()
}

func (c *Cfg) Production() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
