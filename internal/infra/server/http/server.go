// Package httpserver exposes the order ingress API and the per-order websocket status stream.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/app/ingress"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/notify"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/api/orders"
	orderDetailPrefix = ordersPath + "/"
	orderStreamPrefix = "/ws/orders/"
	healthPath        = "/health"
)

// Orders is the ingress surface the handlers drive.
type Orders interface {
	Submit(ctx context.Context, req ingress.Request) (order.Order, error)
	Get(ctx context.Context, id string) (order.Order, error)
}

// Subscriptions registers websocket sinks for order updates.
type Subscriptions interface {
	Subscribe(orderID string, sink notify.Sink) *notify.Subscription
	Unsubscribe(sub *notify.Subscription)
}

// Options configures the handler.
type Options struct {
	Logger *zap.Logger
	// OriginPatterns lists hosts allowed to open websockets cross-origin. Empty accepts any origin.
	OriginPatterns []string
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	orders        Orders
	subscriptions Subscriptions
	logger        *zap.Logger
	origins       []string
	now           func() time.Time
}

type submitOrderPayload struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   json.RawMessage `json:"amount"`
	UserID   string          `json:"userId,omitempty"`
}

type submitOrderResponse struct {
	OrderID string       `json:"orderId"`
	Message string       `json:"message"`
	Status  order.Status `json:"status"`
}

// NewHandler creates the HTTP handler serving order submission, lookup, health and the
// websocket stream.
func NewHandler(orders Orders, subscriptions Subscriptions, opts Options) http.Handler {
	server := &httpServer{
		orders:        orders,
		subscriptions: subscriptions,
		logger:        logging.Or(opts.Logger),
		origins:       opts.OriginPatterns,
		now:           time.Now,
	}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitOrder,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOrder,
	}))
	mux.Handle(orderStreamPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamOrder,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) submitOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload submitOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields: tokenIn, tokenOut, amount")
		return
	}
	created, err := s.orders.Submit(r.Context(), ingress.Request{
		TokenIn:  payload.TokenIn,
		TokenOut: payload.TokenOut,
		Amount:   amount,
		UserID:   payload.UserID,
	})
	if err != nil {
		s.writeServiceError(w, err, "Failed to submit order")
		return
	}
	writeJSON(w, http.StatusCreated, submitOrderResponse{
		OrderID: created.ID,
		Message: "Order queued",
		Status:  created.Status,
	})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	found, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "Failed to load order")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

// parseAmount accepts a JSON number or a numeric string without going through float64.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	text := string(bytes.TrimSpace(raw))
	if text == "" || text == "null" {
		return decimal.Decimal{}, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(text, `"`) {
		var quoted string
		if err := json.Unmarshal(raw, &quoted); err != nil {
			return decimal.Decimal{}, err
		}
		text = strings.TrimSpace(quoted)
	}
	return decimal.NewFromString(text)
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var e *errs.E
	if errors.As(err, &e) && e.HTTP >= 400 && e.HTTP < 500 {
		writeError(w, e.HTTP, e.Reason())
		return
	}
	status := http.StatusInternalServerError
	if errors.As(err, &e) && e.HTTP >= 500 {
		status = e.HTTP
	}
	s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	writeError(w, status, fallback)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
