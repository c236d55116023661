package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
)

const writeWait = 10 * time.Second

// RateLimitConfig bounds the frames a Conn may send.
type RateLimitConfig struct {
	// Limit is the sustained number of frames per second
	Limit rate.Limit
	// Burst is the token bucket capacity
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// GatewayRateLimit allows 120 frames per 60 seconds, the gateway's send limit.
func GatewayRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Limit:   rate.Every(time.Minute / 120),
		Burst:   120,
		Enabled: true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

type message struct {
	typ  int
	data []byte
}

// Conn is a websocket connection with a single writer goroutine.
type Conn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan message
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // outgoing frames, heartbeats excepted
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, rateLimitConfig *RateLimitConfig) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, url, rateLimitConfig), nil
}

// NewConn wraps an established connection and starts its write pump.
func NewConn(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.Limit, rateLimitConfig.Burst)
	}

	c := &Conn{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan message, 256),
		rateLimiter: limiter,
	}

	go c.writePump()

	return c
}

// ID returns a unique identifier for the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Send encodes op and payload and queues the frame, waiting for the rate limiter.
func (c *Conn) Send(ctx context.Context, op int, payload any) error {
	data, err := protocol.Encode(op, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", kephascord.ErrMsgFailedToEncode, err)
	}
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.enqueue(ctx, message{typ: websocket.TextMessage, data: data})
}

// SendPriority queues a frame without consuming rate limiter tokens.
func (c *Conn) SendPriority(ctx context.Context, op int, payload any) error {
	data, err := protocol.Encode(op, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", kephascord.ErrMsgFailedToEncode, err)
	}
	return c.enqueue(ctx, message{typ: websocket.TextMessage, data: data})
}

// SendRaw queues pre-encoded data as a text or binary message.
func (c *Conn) SendRaw(ctx context.Context, binary bool, data []byte) error {
	typ := websocket.TextMessage
	if binary {
		typ = websocket.BinaryMessage
	}
	return c.enqueue(ctx, message{typ: typ, data: data})
}

func (c *Conn) enqueue(ctx context.Context, m message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return kephascord.ErrConnectionClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return kephascord.ErrConnectionClosed
	}
}

// Read blocks for the next frame. Binary messages are zlib-inflated before
// decoding. A frame that cannot be decoded is reported as a *ProtocolError and
// the connection stays usable; any other error means the connection is gone.
func (c *Conn) Read() (*protocol.Frame, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	if typ == websocket.BinaryMessage {
		data, err = protocol.Inflate(data)
		if err != nil {
			return nil, &kephascord.ProtocolError{Op: -1, Reason: kephascord.ErrMsgDecompress, Err: err}
		}
	}

	f, err := protocol.Decode(data)
	if err != nil {
		return nil, &kephascord.ProtocolError{Op: -1, Reason: kephascord.ErrMsgMalformedFrame, Err: err}
	}
	return f, nil
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	// The close frame goes out before the pump is stopped so the peer sees the code.
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	c.cancel()
	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still open
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case m, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(m.typ, m.data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// CloseCode extracts the close code and reason of a read error.
func CloseCode(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}
