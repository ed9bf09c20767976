package notify

import (
	"context"

	"github.com/coder/websocket"
)

// WebsocketSink writes frames as websocket text messages.
type WebsocketSink struct {
	conn *websocket.Conn
}

// NewWebsocketSink wraps conn.
func NewWebsocketSink(conn *websocket.Conn) *WebsocketSink {
	return &WebsocketSink{conn: conn}
}

// Write sends payload as a single text message.
func (w *WebsocketSink) Write(ctx context.Context, payload []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, payload)
}
