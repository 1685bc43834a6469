// Package server carries protocol frames as WebSocket text messages with
// ping/pong keepalive.
package server

import (
	"time"

	"github.com/gorilla/websocket"
)

type wsTransport struct {
	conn *websocket.Conn
}

// newWSTransport applies the read limit and installs the pong handler that
// keeps the read deadline moving while the peer answers pings.
func newWSTransport(conn *websocket.Conn, maxMessageSize int64) (*wsTransport, error) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Flush() error {
	return nil
}

func (t *wsTransport) Ping() error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) WriteClose() error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
