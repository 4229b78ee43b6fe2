// cartstore/local_session_backend.go

package cartstore

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

// LocalSessionBackend はセッションをプロセスのメモリ上に保持します。
// 設定した TTL の間アクセスが無いセッションは失効します。
type LocalSessionBackend struct {
	mu       sync.Mutex
	started  bool
	sessions *ttlcache.Cache[string, map[string]string]
	log      logrus.FieldLogger
}

// NewLocalSessionBackend は ttl の間アクセスが無いと失効するバックエンドを返します
func NewLocalSessionBackend(ttl time.Duration, log logrus.FieldLogger) *LocalSessionBackend {
	return &LocalSessionBackend{
		sessions: ttlcache.New[string, map[string]string](
			ttlcache.WithTTL[string, map[string]string](ttl),
		),
		log: log,
	}
}

// Initialize は失効処理のループを開始します。停止は Close で行います
func (l *LocalSessionBackend) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true
	go l.sessions.Start()
	l.log.Info("LocalSessionBackend initialized")
	return nil
}

// Close は失効処理のループを停止します
func (l *LocalSessionBackend) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.started = false
	l.sessions.Stop()
}

func (l *LocalSessionBackend) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.sessions.Get(sessionID)
	if item == nil {
		return "", false, nil
	}
	v, ok := item.Value()[key]
	return v, ok, nil
}

func (l *LocalSessionBackend) Set(ctx context.Context, sessionID, key, value string) error {
	l.log.Debugf("LocalSessionBackend: Set called (session=%s, key=%s)", sessionID, key)
	l.mu.Lock()
	defer l.mu.Unlock()

	data := map[string]string{}
	if item := l.sessions.Get(sessionID); item != nil {
		for k, v := range item.Value() {
			data[k] = v
		}
	}
	data[key] = value
	l.sessions.Set(sessionID, data, ttlcache.DefaultTTL)
	return nil
}

func (l *LocalSessionBackend) Delete(ctx context.Context, sessionID, key string) error {
	l.log.Debugf("LocalSessionBackend: Delete called (session=%s, key=%s)", sessionID, key)
	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.sessions.Get(sessionID)
	if item == nil {
		return nil
	}
	data := map[string]string{}
	for k, v := range item.Value() {
		if k != key {
			data[k] = v
		}
	}
	l.sessions.Set(sessionID, data, ttlcache.DefaultTTL)
	return nil
}

// Ping はインメモリのため常に true を返します
func (l *LocalSessionBackend) Ping(ctx context.Context) bool {
	return true
}
