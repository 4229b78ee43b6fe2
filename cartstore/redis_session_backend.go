// cartstore/redis_session_backend.go

package cartstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	sessionKeyPrefix = "session:"
	initAttempts     = 30
)

// RedisSessionBackend はセッションごとに Redis のハッシュを 1 つ使い、
// SessionStore 経由で書き込まれたキーをフィールドとして保存します。
type RedisSessionBackend struct {
	client *redis.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewRedisSessionBackend は Redis の接続文字列 ("redis://..." または "hostname:port") を受け取ります。
// セッションは ttl の間アクセスが無いと失効し、0 なら失効しません。
func NewRedisSessionBackend(redisAddr string, ttl time.Duration, log logrus.FieldLogger) *RedisSessionBackend {
	opts, err := redis.ParseURL(redisAddr)
	if err != nil {
		// redis:// 形式でなければそのままアドレスとして使う
		opts = &redis.Options{
			Addr:         redisAddr,
			MinIdleConns: 1,
			MaxRetries:   3,
			DialTimeout:  30 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			PoolSize:     10,
			PoolTimeout:  4 * time.Second,
			IdleTimeout:  180 * time.Second,
		}
	}

	client := redis.NewClient(opts)
	client.AddHook(redisotel.NewTracingHook())
	return newRedisSessionBackend(client, ttl, log)
}

func newRedisSessionBackend(client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *RedisSessionBackend {
	return &RedisSessionBackend{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// Initialize は Redis が Ping に応答するまで指数バックオフで待機します
func (r *RedisSessionBackend) Initialize(ctx context.Context) error {
	r.log.Info("RedisSessionBackend: initializing connection...")

	for i := 0; i < initAttempts; i++ {
		r.log.Debugf("RedisSessionBackend: attempting Ping (attempt %d/%d)...", i+1, initAttempts)
		if r.Ping(ctx) {
			r.log.Infof("RedisSessionBackend initialized on attempt %d", i+1)
			return nil
		}

		backoff := time.Duration(1000*(1<<uint(i))) * time.Millisecond
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		r.log.Warnf("RedisSessionBackend: waiting %v before next attempt", backoff)

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "redis initialize")
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed to connect to Redis after %d attempts", initAttempts)
}

// Close はクライアントの接続を解放します
func (r *RedisSessionBackend) Close() error {
	return r.client.Close()
}

func (r *RedisSessionBackend) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	val, err := r.client.HGet(ctx, sessionKeyPrefix+sessionID, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis HGet")
	}
	return val, true, nil
}

func (r *RedisSessionBackend) Set(ctx context.Context, sessionID, key, value string) error {
	r.log.Debugf("RedisSessionBackend: Set called (session=%s, key=%s)", sessionID, key)

	hash := sessionKeyPrefix + sessionID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, key, value)
		if r.ttl > 0 {
			pipe.Expire(ctx, hash, r.ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis HSet")
	}
	return nil
}

func (r *RedisSessionBackend) Delete(ctx context.Context, sessionID, key string) error {
	r.log.Debugf("RedisSessionBackend: Delete called (session=%s, key=%s)", sessionID, key)

	if err := r.client.HDel(ctx, sessionKeyPrefix+sessionID, key).Err(); err != nil {
		return errors.Wrap(err, "redis HDel")
	}
	return nil
}

// Ping は Redis が応答するかを確認します
func (r *RedisSessionBackend) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.log.WithError(err).Warn("RedisSessionBackend: Ping failed")
		return false
	}
	return true
}
