// Package voice drives voice signaling: joining a channel through the main
// gateway, pairing the resulting server and state updates, and holding the
// voice gateway connection until the channel is left.
package voice

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/kephascord"
)

// Sender sends voice state updates (op 4) through the main gateway.
type Sender interface {
	UpdateVoiceState(ctx context.Context, guildID, channelID string, selfMute, selfDeaf bool) error
}

// Router returns the sender that owns key.
type Router func(key string) (Sender, error)

type Config struct {
	// Self returns the client's user ID. Voice states of other users are ignored.
	Self func() string

	// JoinTimeout bounds the wait for the paired updates plus the handshake.
	JoinTimeout time.Duration

	// Scheme is prepended to the endpoint received in VOICE_SERVER_UPDATE.
	Scheme string

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout: 10 * time.Second,
		Scheme:      "wss://",
	}
}

// Manager owns at most one Connection per target key. A key is a guild ID,
// or a group channel ID for group calls.
type Manager struct {
	cfg   Config
	route Router
	log   *zap.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

func NewManager(cfg Config, route Router) *Manager {
	def := DefaultConfig()
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:   cfg,
		route: route,
		log:   cfg.Logger.Named("voice"),
		conns: make(map[string]*Connection),
	}
}

// Join returns the connection for key once it is ready. A connection that is
// already ready is returned at once; a join in progress is shared, so
// concurrent callers trigger one handshake and receive the same result.
func (m *Manager) Join(ctx context.Context, key, channelID string, opts kephascord.VoiceJoinOptions) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, kephascord.ErrClientClosed
	}
	c, ok := m.conns[key]
	if !ok {
		c = newConnection(m, key, channelID, opts)
		m.conns[key] = c
		go c.establish()
	}
	m.mu.Unlock()

	return c.wait(ctx)
}

// Leave clears the voice channel of key and closes its connection. Leaving a
// key without a connection is a no-op.
func (m *Manager) Leave(ctx context.Context, key string) error {
	m.mu.Lock()
	c, ok := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.leave(ctx, c, kephascord.ErrConnectionClosed)
}

func (m *Manager) leave(ctx context.Context, c *Connection, reason error) error {
	c.teardown(reason)

	sender, err := m.route(c.key)
	if err != nil {
		return err
	}
	return sender.UpdateVoiceState(ctx, c.key, "", false, false)
}

// Get returns the connection for key, ready or not.
func (m *Manager) Get(key string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	return c, ok
}

// Keys returns the keys with a connection, ready or not.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	return keys
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// remove forgets c unless key already belongs to a newer connection.
func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.key] == c {
		delete(m.conns, c.key)
	}
}

// HandleVoiceStateUpdate feeds the client's own voice state to the
// connection of its key.
func (m *Manager) HandleVoiceStateUpdate(v *kephascord.VoiceState) {
	if m.cfg.Self == nil || v.UserID != m.cfg.Self() {
		return
	}
	key := v.GuildID
	if key == "" {
		key = v.ChannelID
	}
	if c, ok := m.Get(key); ok {
		c.stateUpdate(v)
	}
}

// HandleVoiceServerUpdate feeds the voice server assignment of key.
func (m *Manager) HandleVoiceServerUpdate(key, token, endpoint string) {
	if c, ok := m.Get(key); ok {
		c.serverUpdate(token, endpoint)
	}
}

// Close leaves every channel concurrently and rejects later joins.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error { return m.leave(ctx, c, kephascord.ErrClientClosed) })
	}
	return g.Wait()
}
