package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"termgate/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufCap = 256
)

// Disconnect reason codes passed to the disconnect callback.
const (
	ReasonClientClose = "client_close"
	ReasonServerClose = "server_close"
	ReasonError       = "transport_error"
)

// Handler processes the payload of one inbound message type.
type Handler func(payload json.RawMessage)

// DisconnectFunc is invoked exactly once when the channel goes down,
// with a reason code and the underlying error if any.
type DisconnectFunc func(reason string, err error)

// Channel is a message-oriented connection to the remote gateway. It never
// reconnects on its own; a dropped channel stays dropped until the owner
// dials a new one.
type Channel struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu           sync.RWMutex
	handlers     map[string]Handler
	onDisconnect DisconnectFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a websocket connection to the gateway URL.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return &Channel{
		conn:     conn,
		send:     make(chan []byte, sendBufCap),
		log:      logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}, nil
}

// On registers the handler for an inbound message type, replacing any
// previous one. Register handlers before Start.
func (c *Channel) On(msgType string, h Handler) {
	c.mu.Lock()
	c.handlers[msgType] = h
	c.mu.Unlock()
}

// OnDisconnect sets the disconnect callback.
func (c *Channel) OnDisconnect(fn DisconnectFunc) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Start launches the read and write pumps.
func (c *Channel) Start() {
	go c.writePump()
	go c.readPump()
}

// Emit queues a message for transmission.
func (c *Channel) Emit(msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("channel closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", msgType)
	}
}

// Close tears the channel down with the given reason. Safe to call more
// than once; only the first call has effect.
func (c *Channel) Close(reason string) {
	c.shutdown(reason, nil)
}

func (c *Channel) shutdown(reason string, err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.RLock()
		fn := c.onDisconnect
		c.mu.RUnlock()
		if fn != nil {
			fn(reason, err)
		}
	})
}

// readPump reads messages and dispatches handlers. Dispatch happens on this
// single goroutine, so handlers observe messages in arrival order.
func (c *Channel) readPump() {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(ReasonServerClose, nil)
			} else {
				select {
				case <-c.done:
					// Local close already in progress; keep its reason.
				default:
					c.log.Warn().Err(err).Msg("websocket read error")
					c.shutdown(ReasonError, err)
				}
			}
			return
		}

		msg, err := protocol.ValidateServerMessage(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping invalid server message")
			continue
		}

		c.mu.RLock()
		h := c.handlers[msg.Type]
		c.mu.RUnlock()

		if h == nil {
			c.log.Debug().Str("type", msg.Type).Msg("no handler for message type")
			continue
		}
		h(msg.Payload)
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Channel) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(ReasonError, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(ReasonError, err)
				return
			}
		}
	}
}
