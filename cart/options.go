// cart/options.go

package cart

import (
	"math"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
)

// OptionsFromMap が解釈するキー
const (
	OptCartMaxItem     = "cartMaxItem"
	OptItemMaxQuantity = "itemMaxQuantity"
	OptCartCookie      = "cartCookie"
	OptCartID          = "cartId"
)

var digits = regexp.MustCompile(`^\d+$`)

// Options は Cart の設定です
type Options struct {
	// CartMaxItem は商品の種類数の上限。0 は無制限
	CartMaxItem int
	// ItemMaxQuantity はバリアントごとの数量の上限。0 は無制限
	ItemMaxQuantity int
	// CartCookie はカートをセッションではなく Cookie に保存する
	CartCookie bool
	// CartID は保存キーを上書きする。空ならリクエストの Host から導出する
	CartID string
}

// OptionsFromMap は文字列形式のオプションを読み込みます。
// 非負整数リテラルでない上限値は無制限として扱います。
func OptionsFromMap(m map[string]string) Options {
	var o Options
	if v, ok := m[OptCartMaxItem]; ok && digits.MatchString(v) {
		o.CartMaxItem = atoi(v)
	}
	if v, ok := m[OptItemMaxQuantity]; ok && digits.MatchString(v) {
		o.ItemMaxQuantity = atoi(v)
	}
	o.CartCookie = truthy(m[OptCartCookie])
	o.CartID = m[OptCartID]
	return o
}

// ParseQuantity は s が表す数量を返します。非負整数リテラルでない場合は 1 です。
func ParseQuantity(s string) int {
	if !digits.MatchString(s) {
		return 1
	}
	return atoi(s)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		// digits に一致済みなのでここに来るのはオーバーフローのみ
		return math.MaxInt
	}
	return n
}

func truthy(s string) bool {
	if s == "" || s == "0" {
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return true
}

// Option は Options 以外の Cart の設定を変更します
type Option func(*Cart)

// WithLogger は読み込みと保存のログ出力に使うロガーを設定します
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cart) {
		c.log = log
	}
}
