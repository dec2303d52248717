package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxMessageBytes = 4 << 20

// wsTransport serializes writes to one websocket connection.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := wsjson.Write(ctx, t.conn, msg)
	if err != nil && websocket.CloseStatus(err) != -1 {
		t.closed.Store(true)
	}
	return err
}

func (t *wsTransport) Close(reason string) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// CloseWith closes with an explicit status, used to reject agents.
func (t *wsTransport) CloseWith(code websocket.StatusCode, reason string) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close(code, reason)
}

func (t *wsTransport) Open() bool {
	return !t.closed.Load()
}
