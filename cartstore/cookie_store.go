// cartstore/cookie_store.go

package cartstore

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxCookieSize はブラウザが受け付ける Cookie 1 つあたりのおおよその上限 (名前 + 値) です
const maxCookieSize = 4000

// ErrCookieTooLarge はエンコード後の値が maxCookieSize を超えるときに Set が返すエラーです
var ErrCookieTooLarge = errors.New("cookie value too large")

// CookieStore は 1 回の HTTP リクエスト/レスポンスの Cookie を使う KeyValueStore です。
// 読み込みはリクエストの Cookie に、同じリクエスト内での書き込みを重ねて返します。
// 並行利用には対応していません。
type CookieStore struct {
	r       *http.Request
	w       http.ResponseWriter
	pending map[string]*string
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewCookieStore は r から Cookie を読み、w に書き込むストアを返します
func NewCookieStore(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger) *CookieStore {
	return &CookieStore{
		r:       r,
		w:       w,
		pending: map[string]*string{},
		now:     time.Now,
		log:     log,
	}
}

func (c *CookieStore) lookup(key string) (string, bool) {
	if v, ok := c.pending[key]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	ck, err := c.r.Cookie(key)
	if err != nil {
		return "", false
	}
	return ck.Value, true
}

func (c *CookieStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok := c.lookup(key)
	return ok, nil
}

func (c *CookieStore) Get(ctx context.Context, key string) (string, error) {
	raw, ok := c.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", errors.Wrapf(ErrCorrupt, "cookie %q: %v", key, err)
	}
	return string(b), nil
}

// Set は値を現在から ttl 後に失効する Cookie として書き込みます。
// ttl が 0 以下ならブラウザセッション Cookie になります。
func (c *CookieStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	enc := base64.RawURLEncoding.EncodeToString([]byte(value))
	if size := len(key) + len(enc); size > maxCookieSize {
		c.log.Warnf("CookieStore: value for %s is %d bytes, over the %d byte limit", key, size, maxCookieSize)
		return errors.Wrapf(ErrCookieTooLarge, "cookie %q is %d bytes", key, size)
	}
	ck := &http.Cookie{
		Name:     key,
		Value:    enc,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		ck.Expires = c.now().Add(ttl)
		ck.MaxAge = int(ttl / time.Second)
	}
	if err := ck.Valid(); err != nil {
		return errors.Wrapf(err, "cookie %q", key)
	}
	c.log.Debugf("CookieStore: Set called (key=%s, bytes=%d, ttl=%v)", key, len(value), ttl)
	http.SetCookie(c.w, ck)
	c.pending[key] = &enc
	return nil
}

func (c *CookieStore) Delete(ctx context.Context, key string) error {
	c.log.Debugf("CookieStore: Delete called (key=%s)", key)
	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	c.pending[key] = nil
	return nil
}
