// Package server frames protocol requests as newline-terminated lines on raw
// TCP connections and runs the TCP accept loop.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

type tcpTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

func newTCPTransport(conn net.Conn, maxMessageSize int64) *tcpTransport {
	// The buffer holds the line plus its newline, so a frame of exactly
	// maxMessageSize bytes fits, matching the WebSocket read limit.
	limit := int(maxMessageSize) + 1
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, limit)), limit)
	return &tcpTransport{
		conn:    conn,
		scanner: scanner,
		writer:  bufio.NewWriter(conn),
	}
}

// ReadFrame returns the next non-blank line. A line longer than the
// configured maximum yields bufio.ErrTooLong.
func (t *tcpTransport) ReadFrame() ([]byte, error) {
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *tcpTransport) WriteFrame(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if _, err := t.writer.Write(frame); err != nil {
		return err
	}
	return t.writer.WriteByte('\n')
}

func (t *tcpTransport) Flush() error {
	return t.writer.Flush()
}

func (t *tcpTransport) Ping() error {
	return nil
}

func (t *tcpTransport) WriteClose() error {
	return t.writer.Flush()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// serveTCP runs the accept loop until the listener is closed.
func (s *Server) serveTCP(ln net.Listener) {
	s.logger.Info("tcp listener started", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("tcp listener stopped")
				return
			}
			s.logger.Error("failed to accept connection", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.accept(newTCPTransport(conn, s.cfg.MaxMessageSize), conn.RemoteAddr().String())
	}
}
