// cartstore/host.go

package cartstore

import (
	"net/http"
)

// RequestHost は受信リクエストを HostIdentifier として扱います。
// net/http は Host ヘッダーを r.Header から r.Host に移すため、Host は r.Host から返します。
type RequestHost struct {
	r *http.Request
}

func NewRequestHost(r *http.Request) RequestHost {
	return RequestHost{r: r}
}

func (h RequestHost) HasHeader(name string) bool {
	if http.CanonicalHeaderKey(name) == "Host" {
		return h.r.Host != ""
	}
	return h.r.Header.Get(name) != ""
}

func (h RequestHost) Header(name string) string {
	if http.CanonicalHeaderKey(name) == "Host" {
		return h.r.Host
	}
	return h.r.Header.Get(name)
}

// StaticHost は固定のヘッダーを持つ HostIdentifier です
type StaticHost map[string]string

func (h StaticHost) HasHeader(name string) bool {
	_, ok := h[http.CanonicalHeaderKey(name)]
	return ok
}

func (h StaticHost) Header(name string) string {
	return h[http.CanonicalHeaderKey(name)]
}
