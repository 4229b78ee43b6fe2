// services/cart_handler.go

package services

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/norun9/cartsession/cart"
	"github.com/norun9/cartsession/cartstore"
)

// CartHandler は訪問者のカートを HTTP で提供します。
// リクエストごとに、カートのオプションで選ばれた Cookie またはセッションストアからカートを開きます。
type CartHandler struct {
	opts     cart.Options
	sessions cartstore.SessionBackend
	log      logrus.FieldLogger
	tracer   trace.Tracer
}

// NewCartHandler はセッションのカートを sessions に保存するハンドラーを生成します
func NewCartHandler(opts cart.Options, sessions cartstore.SessionBackend, log logrus.FieldLogger) *CartHandler {
	return &CartHandler{
		opts:     opts,
		sessions: sessions,
		log:      log,
		tracer:   otel.Tracer("cartsession"),
	}
}

// NewHandler はカート API のルーティングを行い、セッション・ログ・トレースのミドルウェアで包みます
func NewHandler(h *CartHandler, sessionTTL time.Duration) http.Handler {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("cartsession"))
	r.HandleFunc("/cart", h.getCart).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/cart", h.destroyCart).Methods(http.MethodDelete)
	r.HandleFunc("/cart/empty", h.emptyCart).Methods(http.MethodPost)
	r.HandleFunc("/cart/items", h.addItem).Methods(http.MethodPost)
	r.HandleFunc("/cart/items/{id}", h.updateItem).Methods(http.MethodPut)
	r.HandleFunc("/cart/items/{id}", h.removeItem).Methods(http.MethodDelete)
	r.HandleFunc("/cart/items/{id}/exists", h.hasItem).Methods(http.MethodPost)
	r.HandleFunc("/cart/total/{attribute}", h.attributeTotal).Methods(http.MethodGet)
	r.HandleFunc("/_healthz", h.healthz).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = &logHandler{log: h.log, next: handler}
	handler = ensureSessionID(sessionTTL)(handler)
	return handler
}

type itemRequest struct {
	ID         string          `json:"id"`
	Quantity   json.RawMessage `json:"quantity"`
	Attributes cart.Attributes `json:"attributes"`
}

// quantity は数値または文字列の quantity を ParseQuantity の規則で解釈します。省略時は 1 です。
func (req itemRequest) quantity() int {
	if len(req.Quantity) == 0 {
		return 1
	}
	var s string
	if err := json.Unmarshal(req.Quantity, &s); err == nil {
		return cart.ParseQuantity(s)
	}
	return cart.ParseQuantity(string(req.Quantity))
}

type cartResponse struct {
	Key           string                 `json:"key"`
	Items         map[string][]cart.Item `json:"items"`
	Empty         bool                   `json:"empty"`
	TotalItems    int                    `json:"total_items"`
	TotalQuantity int                    `json:"total_quantity"`
	TotalPrice    float64                `json:"total_price"`
}

type resultResponse struct {
	OK bool `json:"ok"`
}

func (h *CartHandler) open(w http.ResponseWriter, r *http.Request) (*cart.Cart, logrus.FieldLogger, error) {
	log := requestLogger(r, h.log)
	var store cartstore.KeyValueStore
	if h.opts.CartCookie {
		store = cartstore.NewCookieStore(w, r, log)
	} else {
		store = cartstore.NewSessionStore(h.sessions, sessionID(r), log)
	}
	c, err := cart.New(r.Context(), h.opts, store, cartstore.NewRequestHost(r), cart.WithLogger(log))
	if err != nil {
		return nil, log, errors.Wrap(err, "open cart")
	}
	return c, log, nil
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetCart")
	defer span.End()
	r = r.WithContext(ctx)

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	span.SetAttributes(attribute.String("app.cart_key", c.Key()))
	writeJSON(w, log, http.StatusOK, cartResponse{
		Key:           c.Key(),
		Items:         c.Items(),
		Empty:         c.IsEmpty(),
		TotalItems:    c.TotalItems(),
		TotalQuantity: c.TotalQuantity(),
		TotalPrice:    c.AttributeTotal("price"),
	})
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddItem")
	defer span.End()
	r = r.WithContext(ctx)
	log := requestLogger(r, h.log)

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		h.badRequest(w, log, "body must be a JSON object with an id")
		return
	}
	qty := req.quantity()
	span.SetAttributes(
		attribute.String("app.product_id", req.ID),
		attribute.Int("app.quantity", qty),
	)

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	span.SetAttributes(attribute.String("app.cart_key", c.Key()))
	ok, err := c.Add(ctx, req.ID, qty, req.Attributes)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	log.WithFields(logrus.Fields{"product": req.ID, "quantity": qty, "ok": ok}).Info("add item")
	writeJSON(w, log, http.StatusOK, resultResponse{OK: ok})
}

func (h *CartHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateItem")
	defer span.End()
	r = r.WithContext(ctx)
	log := requestLogger(r, h.log)

	id := mux.Vars(r)["id"]
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, log, "body must be a JSON object")
		return
	}
	qty := req.quantity()
	span.SetAttributes(
		attribute.String("app.product_id", id),
		attribute.Int("app.quantity", qty),
	)

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	span.SetAttributes(attribute.String("app.cart_key", c.Key()))
	ok, err := c.Update(ctx, id, qty, req.Attributes)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	log.WithFields(logrus.Fields{"product": id, "quantity": qty, "ok": ok}).Info("update item")
	writeJSON(w, log, http.StatusOK, resultResponse{OK: ok})
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RemoveItem")
	defer span.End()
	r = r.WithContext(ctx)
	log := requestLogger(r, h.log)

	id := mux.Vars(r)["id"]
	attrs, ok := decodeAttributes(r)
	if !ok {
		h.badRequest(w, log, "body must be a JSON object of attributes")
		return
	}
	span.SetAttributes(attribute.String("app.product_id", id))

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	span.SetAttributes(attribute.String("app.cart_key", c.Key()))
	removed, err := c.Remove(ctx, id, attrs)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	log.WithFields(logrus.Fields{"product": id, "ok": removed}).Info("remove item")
	writeJSON(w, log, http.StatusOK, resultResponse{OK: removed})
}

func (h *CartHandler) hasItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HasItem")
	defer span.End()
	r = r.WithContext(ctx)
	log := requestLogger(r, h.log)

	id := mux.Vars(r)["id"]
	attrs, ok := decodeAttributes(r)
	if !ok {
		h.badRequest(w, log, "body must be a JSON object of attributes")
		return
	}
	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	writeJSON(w, log, http.StatusOK, resultResponse{OK: c.Has(id, attrs)})
}

func (h *CartHandler) emptyCart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "EmptyCart")
	defer span.End()
	r = r.WithContext(ctx)

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	span.SetAttributes(attribute.String("app.cart_key", c.Key()))
	if err := c.Clear(ctx); err != nil {
		h.fail(w, log, span, err)
		return
	}
	log.Info("empty cart")
	writeJSON(w, log, http.StatusOK, resultResponse{OK: true})
}

func (h *CartHandler) destroyCart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "DestroyCart")
	defer span.End()
	r = r.WithContext(ctx)

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	span.SetAttributes(attribute.String("app.cart_key", c.Key()))
	if err := c.Destroy(ctx); err != nil {
		h.fail(w, log, span, err)
		return
	}
	log.Info("destroy cart")
	writeJSON(w, log, http.StatusOK, resultResponse{OK: true})
}

func (h *CartHandler) attributeTotal(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AttributeTotal")
	defer span.End()
	r = r.WithContext(ctx)

	c, log, err := h.open(w, r)
	if err != nil {
		h.fail(w, log, span, err)
		return
	}
	name := mux.Vars(r)["attribute"]
	writeJSON(w, log, http.StatusOK, map[string]any{
		"attribute": name,
		"total":     c.AttributeTotal(name),
	})
}

func (h *CartHandler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.CartCookie || h.sessions.Ping(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// decodeAttributes はボディから任意の属性オブジェクト (JSON) を読み込みます
func decodeAttributes(r *http.Request) (cart.Attributes, bool) {
	if r.ContentLength == 0 {
		return nil, true
	}
	var attrs cart.Attributes
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil && !errors.Is(err, io.EOF) {
		return nil, false
	}
	return attrs, true
}

func (h *CartHandler) badRequest(w http.ResponseWriter, log logrus.FieldLogger, msg string) {
	log.Warn(msg)
	writeJSON(w, log, http.StatusBadRequest, map[string]string{"error": msg})
}

func (h *CartHandler) fail(w http.ResponseWriter, log logrus.FieldLogger, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.WithError(err).Error("cart request failed")
	writeJSON(w, log, http.StatusInternalServerError, map[string]string{
		"error": http.StatusText(http.StatusInternalServerError),
	})
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}
