package hub

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-fleet/internal/protocol"
)

// WSConn adapts a websocket connection to Transport.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Send(ctx context.Context, env protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsjson.Write(ctx, w.conn, env)
}

func (w *WSConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *WSConn) Close(reason Reason) error {
	var err error
	w.once.Do(func() {
		code, text := CloseStatus(reason)
		err = w.conn.Close(code, text)
	})
	return err
}

// CloseStatus maps a removal reason to the close frame sent to the peer.
func CloseStatus(reason Reason) (websocket.StatusCode, string) {
	switch reason {
	case ReasonCapacity:
		return websocket.StatusTryAgainLater, ErrCapacityExceeded.Error()
	case ReasonStale:
		return websocket.StatusPolicyViolation, "idle timeout"
	case ReasonProbeFailed:
		return websocket.StatusGoingAway, "heartbeat failed"
	case ReasonDeliveryFailed:
		return websocket.StatusPolicyViolation, "backpressure"
	case ReasonShed:
		return websocket.StatusTryAgainLater, "load shedding"
	case ReasonShutdown:
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusNormalClosure, "bye"
	}
}
