package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket connection held by this process. The reader and
// writer run in their own goroutines. The send queue is bounded and a
// client that lets it fill up is closed.
type Client struct {
	id         string
	identity   types.Identity
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *slog.Logger

	send         chan *ServerMessage
	stop         chan struct{}
	closeOnce    sync.Once
	closeReason  error
	lastActivity atomic.Int64
}

func NewClient(identity types.Identity, conn *websocket.Conn, cs *ChatServer, queueSize int) *Client {
	id := shortid.MustGenerate()
	c := &Client{
		id:         id,
		identity:   identity,
		conn:       conn,
		chatServer: cs,
		log: cs.log.With(
			slog.String("conn_id", id),
			slog.String("identity", string(identity)),
		),
		send: make(chan *ServerMessage, queueSize),
		stop: make(chan struct{}),
	}
	c.touch()

	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// QueueDepth is the number of messages waiting for the writer.
func (c *Client) QueueDepth() int {
	return len(c.send)
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send queues msg without blocking. A full queue yields
// ErrBackpressureExceeded; the caller decides whether to evict.
func (c *Client) Send(msg *ServerMessage) error {
	if c.Closed() {
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBackpressureExceeded
	}
}

// queueMessage sends msg and evicts the client if its queue is full.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	err := c.Send(msg)
	if errors.Is(err, ErrBackpressureExceeded) {
		c.log.Warn("send queue full, closing connection", slog.Int("queue_depth", c.QueueDepth()))
		c.chatServer.stats.Incr(stats.BackpressureEvictions)
		c.Close(err)
	}
	return err == nil
}

// Close stops the client and removes it from the server. reason picks the
// close frame sent to the peer. Only the first call has any effect.
func (c *Client) Close(reason error) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.stop)
		c.chatServer.disconnect(c)
	})
}

func (c *Client) Closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeMessage(msg) {
				c.Close(ErrConnectionClosed)
				return
			}
		case <-c.stop:
			if !errors.Is(c.closeReason, ErrBackpressureExceeded) {
				c.flush()
			}
			c.writeClose()
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				c.Close(ErrConnectionClosed)
				return
			}
		}
	}
}

// flush writes whatever is already queued, such as the error response
// that precedes a protocol close.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeClose() {
	code, text := closeCode(c.closeReason)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func closeCode(reason error) (int, string) {
	var perr *ProtocolError
	switch {
	case errors.Is(reason, ErrBackpressureExceeded):
		return websocket.ClosePolicyViolation, reason.Error()
	case errors.As(reason, &perr):
		return websocket.CloseProtocolError, perr.Reason
	case errors.Is(reason, ErrShuttingDown):
		return websocket.CloseGoingAway, reason.Error()
	default:
		return websocket.CloseNormalClosure, ""
	}
}

func (c *Client) Read(ctx context.Context) {
	defer func() {
		c.Close(ErrConnectionClosed)
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("read failed", slog.Any("error", err))
			}
			return
		}
		c.touch()

		msg, err := ParseClientMessage(raw)
		if err != nil {
			c.rejectMessage(msg, err)
			return
		}

		c.chatServer.handleMessage(ctx, c, msg)
	}
}

// rejectMessage answers malformed input with an error response and closes
// the connection with a protocol error.
func (c *Client) rejectMessage(msg *ClientMessage, err error) {
	id := 0
	if msg != nil {
		id = msg.Id
	}

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		perr = &ProtocolError{Reason: "invalid message", Err: err}
	}

	c.log.Warn("protocol error", slog.Any("error", perr))
	c.chatServer.stats.Incr(stats.ProtocolErrors)
	c.queueMessage(ErrInvalidMessage(id, perr))
	c.Close(perr)
}

func (c *Client) writeMessage(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error("failed to serialize message", slog.Any("error", err))
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message failed", slog.Any("error", err))
		}
		return false
	}

	return true
}
