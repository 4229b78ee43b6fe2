// cart/cart.go

// Package cart は訪問者ひとり分のショッピングカートを保持し、変更のたびに
// Cookie またはセッションストアへ書き戻します。
//
// Cart はリクエストごとに生成して使い捨てる前提で、ロックは持ちません。
// 同じカートキーへの同時書き込みはストア上で後勝ちになります。
package cart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/norun9/cartsession/cartstore"
)

const (
	// CookieTTL は最後の書き込みからカート Cookie が有効な期間です
	CookieTTL = 604800 * time.Second

	keyPrefix    = "cartId_"
	fallbackHost = "CooleCartClass"
	hostHeader   = "Host"
)

// Cart は訪問者が購入予定の商品を商品 ID ごとに保持します
type Cart struct {
	key   string
	opts  Options
	store cartstore.KeyValueStore
	items map[string][]Item
	log   logrus.FieldLogger
}

// New は opts に従って Cart を生成し、store から保存済みの内容を読み込みます。
// host は opts.CartID が空のときだけ参照され、nil でも構いません。
// 値が無い、またはデコードできない場合は空のカートになり、ストア自体のエラーは返します。
func New(ctx context.Context, opts Options, store cartstore.KeyValueStore, host cartstore.HostIdentifier, options ...Option) (*Cart, error) {
	if opts.CartMaxItem < 0 {
		opts.CartMaxItem = 0
	}
	if opts.ItemMaxQuantity < 0 {
		opts.ItemMaxQuantity = 0
	}
	discard := logrus.New()
	discard.Out = io.Discard

	c := &Cart{
		key:   Key(opts.CartID, host),
		opts:  opts,
		store: store,
		items: map[string][]Item{},
		log:   discard,
	}
	for _, o := range options {
		o(c)
	}
	c.log = c.log.WithField("cart", c.key)

	if err := c.read(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Key はカートの保存キーを返します。cartID が指定されていればそれを使い、
// 無ければリクエストの Host (無い場合は固定名) の md5 を使います。
func Key(cartID string, host cartstore.HostIdentifier) string {
	if cartID != "" {
		return keyPrefix + cartID
	}
	name := fallbackHost
	if host != nil && host.HasHeader(hostHeader) {
		name = host.Header(hostHeader)
	}
	sum := md5.Sum([]byte(name))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Key はカートの保存キーを返します
func (c *Cart) Key() string {
	return c.key
}

// Options は生成時のオプションを返します
func (c *Cart) Options() Options {
	return c.opts
}

// Items はカートの中身のディープコピーを返します
func (c *Cart) Items() map[string][]Item {
	out := make(map[string][]Item, len(c.items))
	for id, items := range c.items {
		cp := make([]Item, len(items))
		for i, it := range items {
			cp[i] = it.clone()
		}
		out[id] = cp
	}
	return out
}

// IsEmpty はカートが空かどうかを返します
func (c *Cart) IsEmpty() bool {
	for _, items := range c.items {
		if len(items) > 0 {
			return false
		}
	}
	return true
}

// TotalItems はカート内のバリアント数を返します
func (c *Cart) TotalItems() int {
	total := 0
	for _, items := range c.items {
		total += len(items)
	}
	return total
}

// TotalQuantity は全バリアントの数量の合計を返します (math.MaxInt で頭打ち)
func (c *Cart) TotalQuantity() int {
	total := 0
	for _, items := range c.items {
		for _, it := range items {
			total = addQuantity(total, it.Quantity)
		}
	}
	return total
}

// AttributeTotal は attribute が数値のバリアントについて 属性値 × 数量 を合計します。
// attribute が空の場合は "price" を使います。
func (c *Cart) AttributeTotal(attribute string) float64 {
	if attribute == "" {
		attribute = "price"
	}
	total := 0.0
	for _, items := range c.items {
		for _, it := range items {
			if v, ok := numeric(it.Attributes[attribute]); ok {
				total += v * float64(it.Quantity)
			}
		}
	}
	return total
}

// Clear はカートを空にして保存します
func (c *Cart) Clear(ctx context.Context) error {
	c.items = map[string][]Item{}
	return c.write(ctx)
}

// Has は attrs で表される商品 id のバリアントがカートにあるかを返します
func (c *Cart) Has(id string, attrs Attributes) bool {
	items, ok := c.items[id]
	if !ok {
		return false
	}
	_, hash, err := VariantHash(attrs)
	if err != nil {
		return false
	}
	return indexOf(items, hash) >= 0
}

// Add はバリアントを quantity 個追加します。同じバリアントがあれば数量を加算します。
// 負の数量は 1 として扱います。新しい商品でカートがすでに CartMaxItem 種類を
// 保持している場合は false を返します。
func (c *Cart) Add(ctx context.Context, id string, quantity int, attrs Attributes) (bool, error) {
	if quantity < 0 {
		quantity = 1
	}
	filtered, hash, err := VariantHash(attrs)
	if err != nil {
		return false, err
	}

	items, exists := c.items[id]
	if !exists && c.opts.CartMaxItem != 0 && len(c.items) >= c.opts.CartMaxItem {
		c.log.Debugf("Add rejected, cart holds %d products", len(c.items))
		return false, nil
	}

	if i := indexOf(items, hash); i >= 0 {
		items[i].Quantity = c.clamp(addQuantity(items[i].Quantity, quantity))
	} else {
		c.items[id] = append(items, Item{
			ID:         id,
			Quantity:   c.clamp(quantity),
			Hash:       hash,
			Attributes: filtered,
		})
	}
	return true, c.write(ctx)
}

// Update はカート内のバリアントの数量を設定します。負の数量は 1 として扱い、
// 0 の場合はバリアントを削除して常に true を返します。
func (c *Cart) Update(ctx context.Context, id string, quantity int, attrs Attributes) (bool, error) {
	if quantity < 0 {
		quantity = 1
	}
	if quantity == 0 {
		if _, err := c.Remove(ctx, id, attrs); err != nil {
			return false, err
		}
		return true, nil
	}

	items, ok := c.items[id]
	if !ok {
		return false, nil
	}
	_, hash, err := VariantHash(attrs)
	if err != nil {
		return false, err
	}
	i := indexOf(items, hash)
	if i < 0 {
		return false, nil
	}
	items[i].Quantity = c.clamp(quantity)
	return true, c.write(ctx)
}

// Remove は商品をカートから削除します。attrs が空なら id の全バリアントを、
// そうでなければ一致するバリアントだけを削除します。
func (c *Cart) Remove(ctx context.Context, id string, attrs Attributes) (bool, error) {
	items, ok := c.items[id]
	if !ok {
		return false, nil
	}
	if len(attrs) == 0 {
		delete(c.items, id)
		return true, c.write(ctx)
	}

	_, hash, err := VariantHash(attrs)
	if err != nil {
		return false, err
	}
	i := indexOf(items, hash)
	if i < 0 {
		return false, nil
	}
	// 空になったリストはメモリ上に残る。保存時に write が取り除く
	c.items[id] = append(items[:i:i], items[i+1:]...)
	return true, c.write(ctx)
}

// Destroy はカートを空にしてストアから削除します
func (c *Cart) Destroy(ctx context.Context) error {
	c.items = map[string][]Item{}
	if err := c.store.Delete(ctx, c.key); err != nil {
		return errors.Wrap(err, "destroy cart")
	}
	return nil
}

func (c *Cart) clamp(quantity int) int {
	if c.opts.ItemMaxQuantity != 0 && quantity > c.opts.ItemMaxQuantity {
		return c.opts.ItemMaxQuantity
	}
	return quantity
}

// addQuantity は a+b を返します。int を超える場合は math.MaxInt で頭打ちにします。
func addQuantity(a, b int) int {
	if b > 0 && a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

func indexOf(items []Item, hash string) int {
	for i, it := range items {
		if it.Hash == hash {
			return i
		}
	}
	return -1
}

func (c *Cart) read(ctx context.Context) error {
	raw, err := c.store.Get(ctx, c.key)
	switch {
	case errors.Is(err, cartstore.ErrNotFound):
		return nil
	case errors.Is(err, cartstore.ErrCorrupt):
		c.log.WithError(err).Debug("discarding unreadable cart")
		return nil
	case err != nil:
		return errors.Wrap(err, "read cart")
	}

	var items map[string][]Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.log.WithError(err).Debug("discarding undecodable cart")
		return nil
	}
	for id, list := range items {
		for i := range list {
			if list[i].Attributes == nil {
				list[i].Attributes = Attributes{}
			}
			if list[i].Quantity < 0 {
				list[i].Quantity = 0
			}
		}
		c.items[id] = list
	}
	return nil
}

func (c *Cart) write(ctx context.Context) error {
	stored := make(map[string][]Item, len(c.items))
	for id, items := range c.items {
		if len(items) > 0 {
			stored[id] = items
		}
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "encode cart")
	}

	var ttl time.Duration
	if c.opts.CartCookie {
		ttl = CookieTTL
	}
	if err := c.store.Set(ctx, c.key, string(b), ttl); err != nil {
		return errors.Wrap(err, "write cart")
	}
	return nil
}
