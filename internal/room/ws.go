package room

//go:generate mockgen -source=ws.go -destination=mock_wsconn_test.go -package=room -mock_names=wsConn=MockWSConn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const (
	// readLimit bounds one inbound frame. Snapshots of large documents
	// are the biggest frames the server sends.
	readLimit = 32 * 1024 * 1024

	// inboundChanSize is the buffer between the reader goroutine and the
	// room loop.
	inboundChanSize = 64
)

// wsConn abstracts the WebSocket connection so the room can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a transport to url.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"roomsync"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine. conn identifies the connection it came from so frames from
// a torn-down connection can be discarded.
type inboundMsg struct {
	conn wsConn
	typ  websocket.MessageType
	data []byte
	err  error
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. It exits when ctx is cancelled or a read fails; the
// error is delivered as the final message.
func startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{conn: conn, typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}
