package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"ciphernotes/cfg"
	"ciphernotes/pkg/domain"
)

const (
	pasteKeyPrefix = "ciphernotes:paste:"
	pasteIndexKey  = "ciphernotes:pastes"
)

// Redis stores each paste as a hash with a native expiry. A sorted set
// indexes live ids by expiry so that counting and sweeping never scan the
// keyspace.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

var (
	insertScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 1 then
			return 0
		end
		redis.call("HSET", KEYS[1], unpack(ARGV, 4))
		if tonumber(ARGV[1]) > 0 then
			redis.call("PEXPIREAT", KEYS[1], ARGV[1])
		end
		redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
		return 1
	`)
	updateScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return 0
		end
		redis.call("HSET", KEYS[1], "content", ARGV[1], "updated_at", ARGV[2])
		return 1
	`)
	rateLimitScript = redis.NewScript(`
		local current = redis.call("GET", KEYS[1])
		if current == false then
			current = 0
		else
			current = tonumber(current)
		end
		if current >= tonumber(ARGV[2]) then
			return current
		end
		local new_val = redis.call("INCR", KEYS[1])
		if new_val == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return new_val
	`)
)

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := cfg.RedisTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{
		client:  client,
		timeout: timeout,
	}, nil
}
func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	env := os.Getenv("ENVIRONMENT")
	if env != "production" {
		devCertPath := os.Getenv("REDIS_TLS_DEV_CA")
		if devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if tlsConfig.RootCAs == nil {
				tlsConfig.RootCAs = x509.NewCertPool()
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}
func pasteKey(id string) string {
	return pasteKeyPrefix + id
}

func (r *Redis) Insert(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var expireAt int64
	score := "+inf"
	if p.ExpiresAt != nil {
		expireAt = toMillis(*p.ExpiresAt)
		score = strconv.FormatInt(expireAt, 10)
	}
	args := []interface{}{expireAt, score, p.ID}
	for field, val := range pasteFields(p) {
		args = append(args, field, val)
	}
	ok, err := insertScript.Run(ctx, r.client, []string{pasteKey(p.ID), pasteIndexKey}, args...).Int()
	if err != nil {
		return errors.Wrap(err, "redis insert")
	}
	if ok == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}

func pasteFields(p *domain.Paste) map[string]string {
	f := map[string]string{
		"content":        p.Content,
		"created_at":     strconv.FormatInt(toMillis(p.CreatedAt), 10),
		"auto_delete":    strconv.FormatBool(p.AutoDelete),
		"owned_by":       p.Owner,
		"client_ip_hash": p.ClientIPHash,
		"user_agent":     p.UserAgent,
	}
	if p.UpdatedAt != nil {
		f["updated_at"] = strconv.FormatInt(toMillis(*p.UpdatedAt), 10)
	}
	if p.ExpiresAt != nil {
		f["expires_at"] = strconv.FormatInt(toMillis(*p.ExpiresAt), 10)
	}
	return f
}

func pasteFromFields(id string, f map[string]string) (*domain.Paste, error) {
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt created_at")
	}
	p := &domain.Paste{
		ID:           id,
		Content:      f["content"],
		CreatedAt:    fromMillis(created),
		AutoDelete:   f["auto_delete"] == "true",
		Owner:        f["owned_by"],
		ClientIPHash: f["client_ip_hash"],
		UserAgent:    f["user_agent"],
	}
	if v, ok := f["updated_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.UpdatedAt = optTime(&ms)
		}
	}
	if v, ok := f["expires_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.ExpiresAt = optTime(&ms)
		}
	}
	return p, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	f, err := r.client.HGetAll(ctx, pasteKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	if len(f) == 0 {
		return nil, domain.ErrPasteNotFound
	}
	return pasteFromFields(id, f)
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, pasteKey(id)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

// UpdateContent leaves the key's TTL untouched.
func (r *Redis) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := updateScript.Run(ctx, r.client, []string{pasteKey(id)}, content, toMillis(at)).Int()
	if err != nil {
		return errors.Wrap(err, "redis update")
	}
	if ok == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, pasteKey(id))
		pipe.ZRem(ctx, pasteIndexKey, id)
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "redis delete")
	}
	return del.Val() > 0, nil
}

// DeleteExpired only trims the index: the hashes themselves expire natively.
func (r *Redis) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.ZRemRangeByScore(ctx, pasteIndexKey, "-inf", strconv.FormatInt(toMillis(before), 10)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis trim index")
	}
	return int(n), nil
}

func (r *Redis) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	now := strconv.FormatInt(toMillis(time.Now()), 10)
	n, err := r.client.ZCount(ctx, pasteIndexKey, "("+now, "+inf").Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis count")
	}
	return int(n), nil
}

// RateLimit increments the fixed-window counter at key and returns the
// usage so far. The counter stops growing once it reaches limit.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
