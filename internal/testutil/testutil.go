// Package testutil provides protocol clients and HTTP helpers shared by the
// bulletin-board tests.
//
// LineClient speaks the newline-delimited protocol over TCP and WSClient the
// same envelopes over WebSocket text frames. Both read with a deadline so a
// missing response fails the test instead of hanging it.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/bboard/internal/protocol"
)

// DefaultTimeout bounds every read performed by the helpers.
const DefaultTimeout = 2 * time.Second

// Frame is any decoded server frame: a response or a notification.
type Frame struct {
	Header struct {
		Status  string `json:"status"`
		Command string `json:"command"`
	} `json:"header"`
	Body struct {
		Data json.RawMessage `json:"data"`
	} `json:"body"`
}

// IsNotification reports whether the frame was pushed by the server rather
// than answering a request.
func (f Frame) IsNotification() bool {
	return f.Header.Command == protocol.CmdNotify
}

// Text returns the data as a string, or the raw JSON when it is not one.
func (f Frame) Text() string {
	var s string
	if err := json.Unmarshal(f.Body.Data, &s); err == nil {
		return s
	}
	return string(f.Body.Data)
}

// Messages decodes a join response carrying message history.
func (f Frame) Messages() ([]protocol.MessageView, error) {
	var views []protocol.MessageView
	if err := json.Unmarshal(f.Body.Data, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Conn is the transport-independent side of a test client.
type Conn interface {
	WriteFrame(frame []byte) error
	ReadFrame(timeout time.Duration) ([]byte, error)
	Close() error
}

// Client sends requests and reads frames over a Conn.
type Client struct {
	t    testing.TB
	conn Conn
}

// LineClient dials addr over TCP.
func LineClient(t testing.TB, addr string) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	c := &Client{t: t, conn: &lineConn{conn: conn, reader: bufio.NewReader(conn)}}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// WSClient dials url (ws://host/ws) with an allowed Origin header.
func WSClient(t testing.TB, url string) *Client {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: DefaultTimeout}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket %s: %v", url, err)
	}
	c := &Client{t: t, conn: &wsConn{conn: conn}}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SendRaw writes an arbitrary frame.
func (c *Client) SendRaw(frame string) {
	c.t.Helper()
	if err := c.conn.WriteFrame([]byte(frame)); err != nil {
		c.t.Fatalf("Failed to send frame: %v", err)
	}
}

// Send writes a request. data may be nil, a string or a number.
func (c *Client) Send(command, username, group string, data any) {
	c.t.Helper()
	if err := c.Write(command, username, group, data); err != nil {
		c.t.Fatal(err)
	}
}

// Write is Send for goroutines other than the test's own: it reports
// failures instead of stopping the test.
func (c *Client) Write(command, username, group string, data any) error {
	frame, err := protocol.NewRequest(command, username, group, data)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", command, err)
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("failed to send %s request: %w", command, err)
	}
	return nil
}

// Next reads the next frame of any kind.
func (c *Client) Next() Frame {
	c.t.Helper()
	f, err := c.Read()
	if err != nil {
		c.t.Fatal(err)
	}
	return f
}

// Read is Next for goroutines other than the test's own.
func (c *Client) Read() (Frame, error) {
	raw, err := c.conn.ReadFrame(DefaultTimeout)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame %q: %w", raw, err)
	}
	return f, nil
}

// ReadResponse reads frames until one answers a request, skipping
// notifications. It is safe to call from any goroutine.
func (c *Client) ReadResponse() (Frame, error) {
	for {
		f, err := c.Read()
		if err != nil || !f.IsNotification() {
			return f, err
		}
	}
}

// Response reads frames until one answers a request, failing if a
// notification arrives first.
func (c *Client) Response() Frame {
	c.t.Helper()
	f := c.Next()
	if f.IsNotification() {
		c.t.Fatalf("Expected response, got notification %q", f.Text())
	}
	return f
}

// Notification reads the next frame and requires it to be a notification.
func (c *Client) Notification() string {
	c.t.Helper()
	f := c.Next()
	if !f.IsNotification() {
		c.t.Fatalf("Expected notification, got %s %s response %q", f.Header.Status, f.Header.Command, f.Text())
	}
	return f.Text()
}

// Expect sends a request and checks the status and command of the reply.
func (c *Client) Expect(command, username, group string, data any, status protocol.Status) Frame {
	c.t.Helper()
	c.Send(command, username, group, data)
	f := c.Response()
	if f.Header.Status != string(status) || f.Header.Command != command {
		c.t.Fatalf("%s: got %s %s %q, want %s", command, f.Header.Status, f.Header.Command, f.Text(), status)
	}
	return f
}

// Connect performs the connect handshake for name.
func (c *Client) Connect(name string) {
	c.t.Helper()
	c.Expect(protocol.CmdConnect, name, "", nil, protocol.StatusOK)
}

// ExpectSilence fails if any frame arrives within wait. A timed-out
// WebSocket read leaves the connection unusable, so on WSClient call it last.
func (c *Client) ExpectSilence(wait time.Duration) {
	c.t.Helper()
	raw, err := c.conn.ReadFrame(wait)
	if err == nil {
		c.t.Fatalf("Expected no frame, got %s", raw)
	}
	if !isTimeout(err) {
		c.t.Fatalf("Expected read timeout, got %v", err)
	}
}

// ExpectClosed fails unless the server closes the connection within
// DefaultTimeout. Frames still in flight are discarded.
func (c *Client) ExpectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		_, err := c.conn.ReadFrame(time.Until(deadline))
		if err == nil {
			continue
		}
		if isTimeout(err) {
			break
		}
		return
	}
	c.t.Fatal("Expected connection to be closed by the server")
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}

type lineConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (l *lineConn) WriteFrame(frame []byte) error {
	_, err := l.conn.Write(append(append([]byte(nil), frame...), '\n'))
	return err
}

func (l *lineConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	line, err := l.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(line), "\r\n")), nil
}

func (l *lineConn) Close() error {
	return l.conn.Close()
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteFrame(frame []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	if err := w.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, frame, err := w.conn.ReadMessage()
	return frame, err
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Get performs an HTTP GET with a short timeout.
func Get(t testing.TB, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// AssertStatusCode checks the HTTP status of resp.
func AssertStatusCode(t testing.TB, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks the Content-Type header of resp.
func AssertContentType(t testing.TB, resp *http.Response, expected string) {
	t.Helper()
	if got := resp.Header.Get("Content-Type"); got != expected {
		t.Errorf("Expected content type %s, got %s", expected, got)
	}
}

// WSURL turns a host:port into the WebSocket endpoint URL.
func WSURL(addr string) string {
	return fmt.Sprintf("ws://%s/ws", addr)
}
