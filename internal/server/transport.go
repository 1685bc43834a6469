// Package server defines the frame transport shared by the TCP and WebSocket
// connections and classifies expected close errors.
package server

import (
	"strings"
	"time"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Transport moves whole protocol frames over one accepted connection. The
// TCP transport frames by newline; the WebSocket transport uses one text
// message per frame.
type Transport interface {
	// ReadFrame blocks until the next non-empty frame arrives.
	ReadFrame() ([]byte, error)
	// WriteFrame queues one frame for the peer.
	WriteFrame(frame []byte) error
	// Flush pushes any buffered frames to the peer.
	Flush() error
	// Ping checks liveness; transports without keepalive return nil.
	Ping() error
	// WriteClose tells the peer the server is closing the connection.
	WriteClose() error
	Close() error
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "io: read/write on closed pipe")
}
