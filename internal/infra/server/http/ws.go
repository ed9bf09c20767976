package httpserver

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/infra/notify"
)

// streamOrder upgrades to a websocket and relays status updates for one order until either side
// goes away. Inbound frames are discarded.
func (s *httpServer) streamOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.Trim(strings.TrimPrefix(r.URL.Path, orderStreamPrefix), "/")
	if orderID == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	if s.subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream unavailable")
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: s.origins}
	if len(s.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	logger := s.logger.With(zap.String("order_id", orderID))
	logger.Info("websocket connected")

	sub := s.subscriptions.Subscribe(orderID, notify.NewWebsocketSink(conn))
	readCtx := conn.CloseRead(r.Context())

	select {
	case <-readCtx.Done():
		s.subscriptions.Unsubscribe(sub)
		logger.Info("websocket disconnected")
	case <-sub.Done():
		// replaced by a newer connection or a write failed
		logger.Info("websocket subscription ended")
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && websocket.CloseStatus(err) == -1 {
		logger.Debug("websocket close", zap.Error(err))
	}
}
