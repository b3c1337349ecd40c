package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Dial connects to a host's signaling URL, e.g. ws://192.168.1.10:8080/ws.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
