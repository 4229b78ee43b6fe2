// cartstore/cartstore.go

package cartstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound はキーに値が無いときに Get が返すエラーです
	ErrNotFound = errors.New("cartstore: key not found")
	// ErrCorrupt は保存値をデコードできないときに Get が返すエラーです
	ErrCorrupt = errors.New("cartstore: corrupt value")
)

// KeyValueStore はカートの読み書き先となる永続化の操作を定義するインターフェースです。
// CookieStore と SessionStore が実装します。
type KeyValueStore interface {
	Has(ctx context.Context, key string) (bool, error)
	// キーが無い場合は ErrNotFound を返す
	Get(ctx context.Context, key string) (string, error)
	// ttl が正なら有効期限になる。ttl を使うのは Cookie のみ
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SessionBackend は訪問者セッションのサーバー側データを保持するインターフェースです
type SessionBackend interface {
	Initialize(ctx context.Context) error

	Get(ctx context.Context, sessionID, key string) (string, bool, error)
	Set(ctx context.Context, sessionID, key, value string) error
	Delete(ctx context.Context, sessionID, key string) error

	Ping(ctx context.Context) bool
}

// HostIdentifier はデフォルトのカートキー導出に使うリクエストヘッダーを提供します
type HostIdentifier interface {
	HasHeader(name string) bool
	Header(name string) string
}
