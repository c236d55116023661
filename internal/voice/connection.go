package voice

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
	"github.com/luciancaetano/kephascord/internal/websocket"
)

// Connection is the signaling connection of one voice target.
type Connection struct {
	id        string
	key       string
	opts      kephascord.VoiceJoinOptions
	m         *Manager
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	paired    chan struct{}
	handshake chan error
	desc      chan *kephascord.VoiceSessionDescription
	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once
	acked     atomic.Bool

	mu        sync.Mutex
	status    kephascord.VoiceStatus
	err       error
	channelID string
	sessionID string
	token     string
	endpoint  string
	signaled  bool
	ssrc      uint32
	address   string
	port      int
	modes     []string
	conn      *websocket.Conn
}

var _ kephascord.VoiceConnection = (*Connection)(nil)

func newConnection(m *Manager, key, channelID string, opts kephascord.VoiceJoinOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Connection{
		id:        id,
		key:       key,
		channelID: channelID,
		opts:      opts,
		m:         m,
		log:       m.log.With(zap.String("key", key), zap.String("connection", id)),
		ctx:       ctx,
		cancel:    cancel,
		paired:    make(chan struct{}),
		handshake: make(chan error, 1),
		desc:      make(chan *kephascord.VoiceSessionDescription, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		status:    kephascord.VoiceConnecting,
	}
}

func (c *Connection) ID() string  { return c.id }
func (c *Connection) Key() string { return c.key }

func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *Connection) Status() kephascord.VoiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) SSRC() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssrc
}

func (c *Connection) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *Connection) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Connection) Modes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.modes)
}

func (c *Connection) Done() <-chan struct{} { return c.done }

// SelectProtocol sends op 1 and waits for the session description.
func (c *Connection) SelectProtocol(ctx context.Context, p kephascord.VoiceProtocol) (*kephascord.VoiceSessionDescription, error) {
	conn, err := c.readyConn()
	if err != nil {
		return nil, err
	}
	err = conn.Send(ctx, kephascord.VoiceOpSelectProtocol, protocol.VoiceSelectProtocol{
		Protocol: "udp",
		Data:     protocol.VoiceSelectProtocolData{Address: p.Address, Port: p.Port, Mode: p.Mode},
	})
	if err != nil {
		return nil, err
	}

	select {
	case d := <-c.desc:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, kephascord.ErrConnectionClosed
	}
}

func (c *Connection) Speaking(ctx context.Context, speaking bool) error {
	conn, err := c.readyConn()
	if err != nil {
		return err
	}
	flag := 0
	if speaking {
		flag = 1
	}
	return conn.Send(ctx, kephascord.VoiceOpSpeaking, protocol.VoiceSpeaking{Speaking: flag, SSRC: c.SSRC()})
}

func (c *Connection) readyConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != kephascord.VoiceReady || c.conn == nil {
		return nil, kephascord.ErrConnectionClosed
	}
	return c.conn, nil
}

func (c *Connection) wait(ctx context.Context) (*Connection, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

func (c *Connection) finish(err error) {
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.ready)
	})
}

// establish runs the join. Any failure rejects every waiter and removes the
// connection from its manager.
func (c *Connection) establish() {
	ctx, cancel := context.WithTimeout(c.ctx, c.m.cfg.JoinTimeout)
	defer cancel()

	if err := c.join(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = kephascord.ErrVoiceJoinTimeout
		}
		c.log.Warn("voice join failed", zap.Error(err))
		c.m.remove(c)
		c.teardown(err)
		return
	}
	c.log.Info("voice ready", zap.Uint32("ssrc", c.SSRC()))
	c.finish(nil)
}

func (c *Connection) join(ctx context.Context) error {
	sender, err := c.m.route(c.key)
	if err != nil {
		return err
	}
	if err := sender.UpdateVoiceState(ctx, c.key, c.ChannelID(), c.opts.SelfMute, c.opts.SelfDeaf); err != nil {
		return err
	}

	select {
	case <-c.paired:
	case <-ctx.Done():
		return c.cause(ctx)
	}

	c.mu.Lock()
	url := c.m.cfg.Scheme + c.endpoint + "/" + protocol.VoiceGatewayQuery
	c.mu.Unlock()

	conn, err := websocket.Dial(ctx, url, websocket.NoRateLimit())
	if err != nil {
		return &kephascord.TransportError{Op: "dial voice " + url, Err: err}
	}

	c.mu.Lock()
	if c.status == kephascord.VoiceDisconnected {
		c.mu.Unlock()
		conn.Close()
		return kephascord.ErrConnectionClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	select {
	case err := <-c.handshake:
		return err
	case <-ctx.Done():
		return c.cause(ctx)
	}
}

// cause distinguishes a join timeout from a leave during the join.
func (c *Connection) cause(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return kephascord.ErrConnectionClosed
	}
	return ctx.Err()
}

func (c *Connection) stateUpdate(v *kephascord.VoiceState) {
	c.mu.Lock()
	switch c.status {
	case kephascord.VoiceConnecting:
		c.sessionID = v.SessionID
		c.pairLocked()
	case kephascord.VoiceReady:
		if v.ChannelID != "" {
			c.channelID = v.ChannelID
			break
		}
		c.mu.Unlock()
		c.log.Info("removed from voice channel")
		c.m.remove(c)
		c.teardown(kephascord.ErrConnectionClosed)
		return
	}
	c.mu.Unlock()
}

func (c *Connection) serverUpdate(token, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != kephascord.VoiceConnecting {
		c.log.Debug("ignoring voice server update")
		return
	}
	c.token = token
	c.endpoint = endpoint
	c.pairLocked()
}

// pairLocked releases the join once both halves of the assignment arrived.
// An empty endpoint means the server is still being allocated.
func (c *Connection) pairLocked() {
	if c.signaled || c.sessionID == "" || c.token == "" || c.endpoint == "" {
		return
	}
	c.signaled = true
	close(c.paired)
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		f, err := conn.Read()
		if err != nil {
			var pe *kephascord.ProtocolError
			if errors.As(err, &pe) {
				c.log.Warn("dropping voice frame", zap.Error(err))
				continue
			}
			c.lost(&kephascord.TransportError{Op: "voice read", Err: err})
			return
		}
		c.handle(conn, f)
	}
}

func (c *Connection) handle(conn *websocket.Conn, f *protocol.Frame) {
	switch f.Op {
	case kephascord.VoiceOpHello:
		var h protocol.Hello
		err := protocol.Unmarshal(f.D, &h)
		interval := time.Duration(h.HeartbeatInterval * float64(time.Millisecond))
		if err != nil || interval <= 0 {
			c.log.Warn("dropping voice frame", zap.Error(&kephascord.ProtocolError{Op: f.Op, Reason: kephascord.ErrMsgMalformedFrame, Err: err}))
			return
		}
		go c.heartbeat(conn, interval)

		c.mu.Lock()
		id := protocol.VoiceIdentify{ServerID: c.key, SessionID: c.sessionID, Token: c.token}
		c.mu.Unlock()
		if c.m.cfg.Self != nil {
			id.UserID = c.m.cfg.Self()
		}
		if err := conn.Send(c.ctx, kephascord.VoiceOpIdentify, id); err != nil {
			c.lost(&kephascord.TransportError{Op: "voice identify", Err: err})
		}

	case kephascord.VoiceOpReady:
		var r protocol.VoiceReady
		if err := protocol.Unmarshal(f.D, &r); err != nil {
			c.log.Warn("dropping voice frame", zap.Error(&kephascord.ProtocolError{Op: f.Op, Reason: kephascord.ErrMsgMalformedFrame, Err: err}))
			return
		}
		c.mu.Lock()
		if c.status == kephascord.VoiceConnecting {
			c.status = kephascord.VoiceReady
			c.ssrc, c.address, c.port, c.modes = r.SSRC, r.IP, r.Port, r.Modes
		}
		c.mu.Unlock()
		c.offer(nil)

	case kephascord.VoiceOpHeartbeatACK:
		c.acked.Store(true)

	case kephascord.VoiceOpSessionDescription:
		var d kephascord.VoiceSessionDescription
		if err := protocol.Unmarshal(f.D, &d); err != nil {
			c.log.Warn("dropping voice frame", zap.Error(&kephascord.ProtocolError{Op: f.Op, Reason: kephascord.ErrMsgMalformedFrame, Err: err}))
			return
		}
		select {
		case c.desc <- &d:
		default:
		}

	default:
		// Speaking and client connect notices concern the media layer.
		c.log.Debug("ignoring voice frame", zap.Int("op", f.Op))
	}
}

func (c *Connection) heartbeat(conn *websocket.Conn, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	c.acked.Store(true)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-conn.Done():
			return
		case <-t.C:
		}
		if !c.acked.Load() {
			c.lost(&kephascord.TransportError{Op: "voice heartbeat", Err: kephascord.ErrZombieConnection})
			return
		}
		c.acked.Store(false)
		if err := conn.SendPriority(c.ctx, kephascord.VoiceOpHeartbeat, time.Now().UnixMilli()); err != nil {
			c.lost(&kephascord.TransportError{Op: "voice heartbeat", Err: err})
			return
		}
	}
}

func (c *Connection) offer(err error) {
	select {
	case c.handshake <- err:
	default:
	}
}

// lost fails a pending handshake, or tears down a ready connection.
func (c *Connection) lost(err error) {
	c.mu.Lock()
	ready := c.status == kephascord.VoiceReady
	c.mu.Unlock()

	if !ready {
		c.offer(err)
		return
	}
	c.log.Info("voice connection lost", zap.Error(err))
	c.m.remove(c)
	c.teardown(err)
}

// teardown closes the socket and marks the connection disconnected. Waiters
// of an unfinished join receive err.
func (c *Connection) teardown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.status = kephascord.VoiceDisconnected
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			conn.Close()
		}
		c.finish(err)
		close(c.done)
	})
}
