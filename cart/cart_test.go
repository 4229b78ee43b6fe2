// cart/cart_test.go

package cart

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/norun9/cartsession/cartstore"
)

// memStore はカートがストアに渡した内容を記録します
type memStore struct {
	data    map[string]string
	lastTTL time.Duration
	sets    int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}}
}

func (m *memStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", cartstore.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.data[key] = value
	m.lastTTL = ttl
	m.sets++
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	m.deletes++
	return nil
}

func newCart(t *testing.T, opts Options, store cartstore.KeyValueStore) *Cart {
	t.Helper()
	c, err := New(context.Background(), opts, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func mustAdd(t *testing.T, c *Cart, id string, qty int, attrs Attributes) {
	t.Helper()
	ok, err := c.Add(context.Background(), id, qty, attrs)
	if err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	if !ok {
		t.Fatalf("Add(%s) rejected", id)
	}
}

func TestKey(t *testing.T) {
	if got := Key("abc", nil); got != "cartId_abc" {
		t.Errorf("explicit id: got %q", got)
	}
	fallback := Key("", nil)
	if fallback != Key("", cartstore.StaticHost{}) {
		t.Errorf("missing host header should use the fallback key, got %q", Key("", cartstore.StaticHost{}))
	}
	if len(fallback) != len("cartId_")+32 {
		t.Errorf("fallback key %q is not an md5 digest", fallback)
	}
	a := Key("", cartstore.StaticHost{"Host": "shop.example.com"})
	b := Key("", cartstore.StaticHost{"Host": "other.example.com"})
	if a == b || a == fallback {
		t.Errorf("host keys should differ: %q %q %q", a, b, fallback)
	}
	if a != Key("", cartstore.StaticHost{"Host": "shop.example.com"}) {
		t.Error("host key is not deterministic")
	}
}

func TestAddAccumulatesAndClamps(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCart(t, Options{ItemMaxQuantity: 5}, store)

	attrs := Attributes{"color": "red"}
	mustAdd(t, c, "p1", 2, attrs)
	mustAdd(t, c, "p1", 2, attrs)
	if got := c.Items()["p1"][0].Quantity; got != 4 {
		t.Fatalf("quantity = %d, want 4", got)
	}
	mustAdd(t, c, "p1", 3, attrs)
	if got := c.Items()["p1"][0].Quantity; got != 5 {
		t.Fatalf("quantity = %d, want clamp at 5", got)
	}
	if n := len(c.Items()["p1"]); n != 1 {
		t.Fatalf("variants = %d, want 1", n)
	}

	ok, err := c.Add(ctx, "p2", 9, nil)
	if err != nil || !ok {
		t.Fatalf("Add p2 = %v, %v", ok, err)
	}
	if got := c.Items()["p2"][0].Quantity; got != 5 {
		t.Fatalf("new line quantity = %d, want 5", got)
	}
	if store.sets != 4 {
		t.Fatalf("store written %d times, want 4", store.sets)
	}
}

func TestAddNegativeQuantityCountsAsOne(t *testing.T) {
	c := newCart(t, Options{}, newMemStore())
	mustAdd(t, c, "p1", -3, nil)
	if got := c.TotalQuantity(); got != 1 {
		t.Fatalf("TotalQuantity = %d, want 1", got)
	}
}

func TestAddDistinctProductCap(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCart(t, Options{CartMaxItem: 2}, store)

	mustAdd(t, c, "p1", 1, nil)
	mustAdd(t, c, "p2", 1, nil)
	before := c.Items()
	sets := store.sets

	ok, err := c.Add(ctx, "p3", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Add of a third product should be rejected")
	}
	if diff := cmp.Diff(before, c.Items()); diff != "" {
		t.Fatalf("rejected Add changed the cart (-before +after):\n%s", diff)
	}
	if store.sets != sets {
		t.Fatal("rejected Add wrote to the store")
	}

	// 既存の商品は上限に関係なく追加できる
	mustAdd(t, c, "p1", 1, nil)
	mustAdd(t, c, "p2", 1, Attributes{"size": "L"})
	if got := c.TotalItems(); got != 3 {
		t.Fatalf("TotalItems = %d, want 3", got)
	}
	if ok, _ := c.Update(ctx, "p1", 7, nil); !ok {
		t.Fatal("Update at cap should succeed")
	}
}

func TestVariantsAreDistinguishedByAttributes(t *testing.T) {
	c := newCart(t, Options{}, newMemStore())
	mustAdd(t, c, "shirt", 1, Attributes{"size": "M"})
	mustAdd(t, c, "shirt", 1, Attributes{"size": "L"})
	// 偽とみなす属性はハッシュ前に取り除かれる
	mustAdd(t, c, "shirt", 1, Attributes{"size": "M", "gift": "", "engraving": nil, "qty": 0})

	items := c.Items()["shirt"]
	if len(items) != 2 {
		t.Fatalf("variants = %d, want 2", len(items))
	}
	if items[0].Quantity != 2 {
		t.Fatalf("M quantity = %d, want 2", items[0].Quantity)
	}
	if diff := cmp.Diff(Attributes{"size": "M"}, items[0].Attributes); diff != "" {
		t.Fatalf("stored attributes (-want +got):\n%s", diff)
	}
}

func TestHasFollowsAddAndRemove(t *testing.T) {
	ctx := context.Background()
	c := newCart(t, Options{}, newMemStore())
	attrs := Attributes{"color": "blue", "price": 10}

	if c.Has("p1", attrs) {
		t.Fatal("Has before Add")
	}
	mustAdd(t, c, "p1", 1, attrs)
	if !c.Has("p1", attrs) {
		t.Fatal("Has after Add")
	}
	if c.Has("p1", Attributes{"color": "green"}) {
		t.Fatal("Has for another variant")
	}
	ok, err := c.Remove(ctx, "p1", attrs)
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	if c.Has("p1", attrs) {
		t.Fatal("Has after Remove")
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	c := newCart(t, Options{ItemMaxQuantity: 10}, newMemStore())
	attrs := Attributes{"size": "S"}
	mustAdd(t, c, "p1", 1, attrs)

	tests := []struct {
		name     string
		id       string
		quantity int
		attrs    Attributes
		wantOK   bool
		wantQty  int
	}{
		{name: "sets quantity", id: "p1", quantity: 4, attrs: attrs, wantOK: true, wantQty: 4},
		{name: "clamps to cap", id: "p1", quantity: 40, attrs: attrs, wantOK: true, wantQty: 10},
		{name: "negative counts as one", id: "p1", quantity: -2, attrs: attrs, wantOK: true, wantQty: 1},
		{name: "unknown product", id: "nope", quantity: 3, attrs: attrs, wantOK: false, wantQty: 1},
		{name: "unknown variant", id: "p1", quantity: 3, attrs: Attributes{"size": "XL"}, wantOK: false, wantQty: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := c.Update(ctx, tt.id, tt.quantity, tt.attrs)
			if err != nil {
				t.Fatal(err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Update = %v, want %v", ok, tt.wantOK)
			}
			if got := c.Items()["p1"][0].Quantity; got != tt.wantQty {
				t.Fatalf("quantity = %d, want %d", got, tt.wantQty)
			}
		})
	}
}

func TestUpdateZeroMatchesRemove(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) (*Cart, *memStore) {
		store := newMemStore()
		c := newCart(t, Options{}, store)
		mustAdd(t, c, "p1", 2, Attributes{"size": "S"})
		mustAdd(t, c, "p1", 1, Attributes{"size": "M"})
		mustAdd(t, c, "p2", 1, nil)
		return c, store
	}

	for _, attrs := range []Attributes{{"size": "S"}, nil} {
		updated, updatedStore := seed(t)
		removed, removedStore := seed(t)

		ok, err := updated.Update(ctx, "p1", 0, attrs)
		if err != nil || !ok {
			t.Fatalf("Update(0) = %v, %v", ok, err)
		}
		if _, err := removed.Remove(ctx, "p1", attrs); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(removed.Items(), updated.Items()); diff != "" {
			t.Fatalf("attrs %v (-remove +update):\n%s", attrs, diff)
		}
		if diff := cmp.Diff(removedStore.data, updatedStore.data); diff != "" {
			t.Fatalf("attrs %v stored (-remove +update):\n%s", attrs, diff)
		}
	}

	// 0 指定は何も削除されなくても true を返す
	c, _ := seed(t)
	ok, err := c.Update(ctx, "missing", 0, nil)
	if err != nil || !ok {
		t.Fatalf("Update(0) on a missing product = %v, %v; want true", ok, err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCart(t, Options{}, store)
	mustAdd(t, c, "p1", 1, Attributes{"size": "S"})
	mustAdd(t, c, "p1", 1, Attributes{"size": "M"})
	mustAdd(t, c, "p2", 1, Attributes{"size": "S"})

	if ok, _ := c.Remove(ctx, "nope", nil); ok {
		t.Fatal("Remove of an unknown product should report false")
	}
	if ok, _ := c.Remove(ctx, "p1", Attributes{"size": "XL"}); ok {
		t.Fatal("Remove of an unknown variant should report false")
	}

	if ok, _ := c.Remove(ctx, "p1", Attributes{"size": "S"}); !ok {
		t.Fatal("Remove of a variant")
	}
	if got := len(c.Items()["p1"]); got != 1 {
		t.Fatalf("p1 variants = %d, want 1", got)
	}

	if ok, _ := c.Remove(ctx, "p1", nil); !ok {
		t.Fatal("Remove of a whole product")
	}
	if _, ok := c.Items()["p1"]; ok {
		t.Fatal("p1 still present")
	}

	// 最後のバリアントを削除すると空のリストはメモリ上にだけ残る
	if ok, _ := c.Remove(ctx, "p2", Attributes{"size": "S"}); !ok {
		t.Fatal("Remove of the last variant")
	}
	if items, ok := c.Items()["p2"]; !ok || len(items) != 0 {
		t.Fatalf("p2 = %v, %v; want empty list", items, ok)
	}
	if !c.IsEmpty() {
		t.Fatal("cart with only empty lists should be empty")
	}
	if got := store.data[c.Key()]; got != "{}" {
		t.Fatalf("stored %q, want pruned empty object", got)
	}
}

func TestTotals(t *testing.T) {
	c := newCart(t, Options{}, newMemStore())
	if !c.IsEmpty() || c.TotalItems() != 0 || c.TotalQuantity() != 0 {
		t.Fatal("new cart is not empty")
	}

	for _, id := range []string{"a", "b", "c"} {
		mustAdd(t, c, id, 1, nil)
	}
	if c.TotalItems() != 3 || c.TotalQuantity() != 3 {
		t.Fatalf("TotalItems = %d, TotalQuantity = %d, want 3 and 3", c.TotalItems(), c.TotalQuantity())
	}

	c = newCart(t, Options{CartID: "totals"}, newMemStore())
	mustAdd(t, c, "p1", 2, Attributes{"price": 10})
	mustAdd(t, c, "p2", 1, Attributes{"price": "5"})
	mustAdd(t, c, "p3", 4, Attributes{"color": "red"})
	if got := c.AttributeTotal("price"); got != 25 {
		t.Fatalf("AttributeTotal(price) = %v, want 25", got)
	}
	if got := c.AttributeTotal(""); got != 25 {
		t.Fatalf("AttributeTotal default = %v, want 25", got)
	}
	if got := c.AttributeTotal("weight"); got != 0 {
		t.Fatalf("AttributeTotal(weight) = %v, want 0", got)
	}
	if c.TotalItems() != 3 || c.TotalQuantity() != 7 {
		t.Fatalf("TotalItems = %d, TotalQuantity = %d", c.TotalItems(), c.TotalQuantity())
	}
}

func TestItemsIsACopy(t *testing.T) {
	store := newMemStore()
	c := newCart(t, Options{}, store)
	mustAdd(t, c, "p1", 1, Attributes{
		"size": "S",
		"meta": map[string]any{"k": "v", "inner": []any{"a"}},
		"tags": []string{"new"},
	})
	want := c.Items()

	items := c.Items()
	items["p1"][0].Quantity = 99
	attrs := items["p1"][0].Attributes
	attrs["size"] = "XXL"
	meta := attrs["meta"].(map[string]any)
	meta["k"] = "changed"
	meta["inner"].([]any)[0] = "changed"
	attrs["tags"].([]any)[0] = "changed"
	delete(items, "p1")

	if diff := cmp.Diff(want, c.Items()); diff != "" {
		t.Fatalf("cart changed through Items() (-want +got):\n%s", diff)
	}

	// 次の書き込みでも元の属性が保存される
	mustAdd(t, c, "p2", 1, nil)
	if raw := store.data[c.Key()]; strings.Contains(raw, "changed") || strings.Contains(raw, "XXL") {
		t.Fatalf("mutated copy was persisted: %s", raw)
	}
}

func TestQuantitySaturates(t *testing.T) {
	ctx := context.Background()
	huge := ParseQuantity("99999999999999999999")
	if huge != math.MaxInt {
		t.Fatalf("ParseQuantity overflow = %d", huge)
	}

	c := newCart(t, Options{}, newMemStore())
	mustAdd(t, c, "p1", huge, nil)
	mustAdd(t, c, "p1", huge, nil)
	if got := c.Items()["p1"][0].Quantity; got != math.MaxInt {
		t.Fatalf("quantity = %d, want math.MaxInt", got)
	}
	mustAdd(t, c, "p2", 1, nil)
	if got := c.TotalQuantity(); got != math.MaxInt {
		t.Fatalf("TotalQuantity = %d, want math.MaxInt", got)
	}

	capped := newCart(t, Options{ItemMaxQuantity: 10}, newMemStore())
	mustAdd(t, capped, "p1", 3, nil)
	mustAdd(t, capped, "p1", huge, nil)
	if got := capped.Items()["p1"][0].Quantity; got != 10 {
		t.Fatalf("capped quantity = %d, want 10", got)
	}
	if ok, err := capped.Update(ctx, "p1", huge, nil); err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if got := capped.TotalQuantity(); got != 10 {
		t.Fatalf("capped TotalQuantity = %d, want 10", got)
	}
}

func TestReadClampsNegativeQuantity(t *testing.T) {
	store := newMemStore()
	key := Key("x", nil)
	store.data[key] = `{"p1":[{"id":"p1","quantity":-4,"hash":"h","attributes":{}}]}`
	c := newCart(t, Options{CartID: "x"}, store)
	if got := c.Items()["p1"][0].Quantity; got != 0 {
		t.Fatalf("quantity = %d, want 0", got)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	opts := Options{CartID: "visitor"}
	c := newCart(t, opts, store)

	mustAdd(t, c, "p1", 2, Attributes{"price": 10, "color": "red"})
	mustAdd(t, c, "p1", 1, Attributes{"price": 12.5, "tags": []string{"a", "b"}})
	mustAdd(t, c, "p2", 3, Attributes{"meta": map[string]any{"gift": true}})
	mustAdd(t, c, "p3", 1, nil)
	if _, err := c.Update(ctx, "p2", 5, Attributes{"meta": map[string]any{"gift": true}}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Remove(ctx, "p3", nil); err != nil {
		t.Fatal(err)
	}

	reloaded := newCart(t, opts, store)
	if diff := cmp.Diff(c.Items(), reloaded.Items()); diff != "" {
		t.Fatalf("reloaded cart differs (-before +after):\n%s", diff)
	}
	if !reloaded.Has("p1", Attributes{"price": 12.5, "tags": []string{"a", "b"}}) {
		t.Fatal("reloaded cart lost a variant hash")
	}
}

func TestReadToleratesBadPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":   "{nope",
		"json array": "[]",
		"json null":  "null",
	} {
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			store.data["cartId_x"] = payload
			c := newCart(t, Options{CartID: "x"}, store)
			if !c.IsEmpty() {
				t.Fatalf("cart from %q is not empty", payload)
			}
		})
	}
}

func TestClearAndDestroy(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCart(t, Options{CartID: "x"}, store)
	mustAdd(t, c, "p1", 1, nil)

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.IsEmpty() {
		t.Fatal("cart not empty after Clear")
	}
	if got, ok := store.data["cartId_x"]; !ok || got != "{}" {
		t.Fatalf("after Clear store holds %q, %v; want empty object", got, ok)
	}

	mustAdd(t, c, "p1", 1, nil)
	if err := c.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.IsEmpty() {
		t.Fatal("cart not empty after Destroy")
	}
	if _, ok := store.data["cartId_x"]; ok {
		t.Fatal("Destroy left the key in the store")
	}
}

func TestCookieCartsCarryTTL(t *testing.T) {
	store := newMemStore()
	c := newCart(t, Options{CartCookie: true}, store)
	mustAdd(t, c, "p1", 1, nil)
	if store.lastTTL != CookieTTL {
		t.Fatalf("ttl = %v, want %v", store.lastTTL, CookieTTL)
	}

	store = newMemStore()
	c = newCart(t, Options{}, store)
	mustAdd(t, c, "p1", 1, nil)
	if store.lastTTL != 0 {
		t.Fatalf("session ttl = %v, want 0", store.lastTTL)
	}
}

func TestWithSessionStore(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	backend := cartstore.NewLocalSessionBackend(time.Hour, log)
	store := cartstore.NewSessionStore(backend, "sess-1", log)

	c, err := New(ctx, Options{}, store, cartstore.StaticHost{"Host": "shop.local"}, WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, c, "p1", 2, Attributes{"price": 3})

	again, err := New(ctx, Options{}, cartstore.NewSessionStore(backend, "sess-1", log), cartstore.StaticHost{"Host": "shop.local"})
	if err != nil {
		t.Fatal(err)
	}
	if got := again.AttributeTotal("price"); got != 6 {
		t.Fatalf("AttributeTotal = %v, want 6", got)
	}

	other, err := New(ctx, Options{}, cartstore.NewSessionStore(backend, "sess-2", log), cartstore.StaticHost{"Host": "shop.local"})
	if err != nil {
		t.Fatal(err)
	}
	if !other.IsEmpty() {
		t.Fatal("another session sees the cart")
	}
}
