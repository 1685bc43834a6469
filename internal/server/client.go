// Package server manages individual connections, running the read/write pumps,
// request rate limiting and lifecycle control for each one.
package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/bboard/internal/board"
	"github.com/Tyrowin/bboard/internal/protocol"
)

// Client is one accepted connection: its transport, its outgoing queue and
// the session that interprets its requests.
type Client struct {
	id        board.ConnID
	transport Transport
	send      chan []byte
	hub       *Hub
	addr      string
	closed    bool
	limiter   *tokenBucket
	rateLimit RateLimitConfig
	maxSize   int64
	session   *Session
	logger    *slog.Logger
	closeOnce sync.Once
}

func newClient(id board.ConnID, t Transport, hub *Hub, addr string, cfg Config, logger *slog.Logger) *Client {
	return &Client{
		id:        id,
		transport: t,
		send:      make(chan []byte, cfg.SendQueueSize),
		hub:       hub,
		addr:      addr,
		limiter:   newTokenBucket(cfg.RateLimit, nil),
		rateLimit: cfg.RateLimit,
		maxSize:   cfg.MaxMessageSize,
		logger:    logger,
	}
}

// ID returns the connection id.
func (c *Client) ID() board.ConnID {
	return c.id
}

// handleReadError logs the reason a read failed. Every read error ends the
// session.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit), errors.Is(err, bufio.ErrTooLong):
		c.logger.Warn("message exceeded maximum size", "max_bytes", c.maxSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err.Error())
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err.Error())
	default:
		c.logger.Error("read error", "error", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the request should be processed
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.logger.Warn("rate limit exceeded; rejecting request",
			"burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval.Duration().String(),
		)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.session.Terminate()
		c.hub.Unregister(c)
	}()

	for {
		frame, err := c.transport.ReadFrame()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.session.reply(protocol.Fail(protocol.CmdError, "rate limit exceeded"))
			continue
		}

		if !c.session.Handle(frame) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			c.writeClose()
			return false
		}
		return c.writeFrames(message)
	case <-ticker.C:
		if err := c.transport.Ping(); err != nil {
			c.logger.Info("ping failed", "error", err)
			return false
		}
		return true
	}
}

// writeFrames writes message plus whatever is already queued behind it, then
// flushes once.
func (c *Client) writeFrames(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			c.writeClose()
			return false
		}
		if !c.writeFrame(queued) {
			return false
		}
	}

	if err := c.transport.Flush(); err != nil {
		c.logIOError("flush failed", err)
		return false
	}
	return true
}

func (c *Client) writeFrame(frame []byte) bool {
	if err := c.transport.WriteFrame(frame); err != nil {
		c.logIOError("write failed", err)
		return false
	}
	return true
}

func (c *Client) writeClose() {
	if err := c.transport.WriteClose(); err != nil {
		c.logIOError("close message failed", err)
	}
}

func (c *Client) closeTransport() {
	c.closeOnce.Do(func() {
		if err := c.transport.Close(); err != nil {
			c.logIOError("closing connection", err)
		}
	})
}

func (c *Client) logIOError(msg string, err error) {
	if isExpectedCloseError(err) {
		c.logger.Debug(msg, "error", err)
		return
	}
	c.logger.Error(msg, "error", err)
}
