// cart/item.go

package cart

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Attributes は商品のバリアント (サイズ、色、価格など) を表します
type Attributes map[string]any

// Item はカート内の商品バリアント 1 件です。同じ商品の Item は Hash で区別します。
type Item struct {
	ID         string     `json:"id"`
	Quantity   int        `json:"quantity"`
	Hash       string     `json:"hash"`
	Attributes Attributes `json:"attributes"`
}

// FilterAttributes は attrs を JSON 形式に正規化し、偽とみなす値を取り除いて返します。
// nil、false、0、""、"0"、空のリストやオブジェクトが偽です。
func FilterAttributes(attrs Attributes) (Attributes, error) {
	out := Attributes{}
	if len(attrs) == 0 {
		return out, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, errors.Wrap(err, "encode attributes")
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, errors.Wrap(err, "decode attributes")
	}
	for k, v := range decoded {
		if !falsy(v) {
			out[k] = v
		}
	}
	return out, nil
}

// VariantHash は attrs をフィルタし、その JSON の md5 を返します。
// encoding/json はオブジェクトのキーをソートして出力します。
func VariantHash(attrs Attributes) (Attributes, string, error) {
	filtered, err := FilterAttributes(attrs)
	if err != nil {
		return nil, "", err
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return nil, "", errors.Wrap(err, "encode attributes")
	}
	sum := md5.Sum(b)
	return filtered, hex.EncodeToString(sum[:]), nil
}

func falsy(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case float64:
		return v == 0
	case string:
		return v == "" || v == "0"
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// numeric は属性値を数値として返します。数値文字列はパースし、それ以外は数値扱いしません。
func numeric(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (i Item) clone() Item {
	attrs := make(Attributes, len(i.Attributes))
	for k, v := range i.Attributes {
		attrs[k] = cloneValue(v)
	}
	i.Attributes = attrs
	return i
}

// cloneValue は JSON 正規化済みの値を再帰的にコピーします
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, e := range v {
			l[i] = cloneValue(e)
		}
		return l
	}
	return v
}
