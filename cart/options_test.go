// cart/options_test.go

package cart

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOptionsFromMap(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
		want Options
	}{
		{name: "empty", in: nil, want: Options{}},
		{
			name: "all set",
			in:   map[string]string{OptCartMaxItem: "3", OptItemMaxQuantity: "10", OptCartCookie: "true", OptCartID: "shop"},
			want: Options{CartMaxItem: 3, ItemMaxQuantity: 10, CartCookie: true, CartID: "shop"},
		},
		{
			name: "non-digit caps are unlimited",
			in:   map[string]string{OptCartMaxItem: "-1", OptItemMaxQuantity: "ten"},
			want: Options{},
		},
		{name: "cookie false", in: map[string]string{OptCartCookie: "false"}, want: Options{}},
		{name: "cookie zero", in: map[string]string{OptCartCookie: "0"}, want: Options{}},
		{name: "cookie any other string", in: map[string]string{OptCartCookie: "yes"}, want: Options{CartCookie: true}},
		{name: "cap overflow", in: map[string]string{OptCartMaxItem: "99999999999999999999999"}, want: Options{CartMaxItem: math.MaxInt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, OptionsFromMap(tt.in)); diff != "" {
				t.Errorf("OptionsFromMap (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseQuantity(t *testing.T) {
	for in, want := range map[string]int{
		"3":   3,
		"0":   0,
		"":    1,
		"abc": 1,
		"-2":  1,
		"1.5": 1,
	} {
		if got := ParseQuantity(in); got != want {
			t.Errorf("ParseQuantity(%q) = %d, want %d", in, got, want)
		}
	}
}
