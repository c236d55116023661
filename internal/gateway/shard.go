package gateway

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/metrics"
	"github.com/luciancaetano/kephascord/internal/protocol"
	"github.com/luciancaetano/kephascord/internal/websocket"
)

// Intent selects what Disconnect does with the session.
type Intent int

const (
	// DisconnectTeardown clears the session. The shard stays down.
	DisconnectTeardown Intent = iota
	// DisconnectKeepSession keeps the session so a later Connect resumes it.
	DisconnectKeepSession
	// DisconnectReconnect keeps the session and puts the shard back in the queue.
	DisconnectReconnect
)

// URLResolver resolves the gateway address. SetGatewayURL("") forgets it.
type URLResolver interface {
	GatewayURL(ctx context.Context) (string, error)
	SetGatewayURL(url string)
}

// Listener receives a shard's output. OnDispatch is called on the read loop in
// frame order, so a listener that updates state sees every frame atomically.
type Listener interface {
	OnDispatch(shard int, tag string, data []byte)
	// OnReady reports that the initial guild snapshot completed or timed out.
	OnReady(shard int)
	OnResumed(shard int)
	OnDisconnect(shard int, err error)
}

type Config struct {
	Token          string
	Intents        int
	Compress       bool
	LargeThreshold int
	GetAllUsers    bool
	DisableEvents  map[string]bool
	Presence       *kephascord.Presence

	AutoReconnect      bool
	ConnectionTimeout  time.Duration
	GuildCreateTimeout time.Duration
	ResumeWindow       time.Duration
	ReconnectDelay     time.Duration
	MaxReconnectDelay  time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		Intents:            kephascord.IntentsDefault,
		LargeThreshold:     250,
		AutoReconnect:      true,
		ConnectionTimeout:  30 * time.Second,
		GuildCreateTimeout: 2 * time.Second,
		ResumeWindow:       2 * time.Minute,
		ReconnectDelay:     time.Second,
		MaxReconnectDelay:  30 * time.Second,
	}
}

// link is one connection attempt. Goroutines started for an attempt hold
// their link and stop acting once it is no longer the shard's current one.
type link struct {
	ctx       context.Context
	cancel    context.CancelFunc
	conn      *websocket.Conn
	resume    bool
	handshake *time.Timer
	acked     atomic.Bool
	lastBeat  atomic.Int64
	hello     atomic.Bool
}

// Shard owns one gateway connection.
type Shard struct {
	id, total int
	cfg       Config
	urls      URLResolver
	queue     *ConnectQueue
	listener  Listener
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu             sync.Mutex
	status         kephascord.ShardStatus
	link           *link
	sessionID      string
	resumeURL      string
	seq            int64
	disconnectedAt time.Time
	ready          bool
	pending        map[string]struct{}
	snapshot       *time.Timer
	attempts       int
	reconnect      *time.Timer
	latency        time.Duration
	presence       *kephascord.Presence
	closed         bool
}

// NewShard creates a disconnected shard. Zero durations in cfg fall back to
// DefaultConfig.
func NewShard(id, total int, cfg Config, urls URLResolver, queue *ConnectQueue, l Listener) *Shard {
	def := DefaultConfig()
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.GuildCreateTimeout <= 0 {
		cfg.GuildCreateTimeout = def.GuildCreateTimeout
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = def.ResumeWindow
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(def.MaxReconnectDelay, cfg.ReconnectDelay)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Shard{
		id:       id,
		total:    total,
		cfg:      cfg,
		urls:     urls,
		queue:    queue,
		listener: l,
		log:      cfg.Logger.Named("shard").With(zap.Int("shard", id)),
		metrics:  cfg.Metrics,
		presence: cfg.Presence,
	}
}

func (s *Shard) ID() int    { return s.id }
func (s *Shard) Total() int { return s.total }

func (s *Shard) Status() kephascord.ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connecting reports whether the shard is between admission and READY/RESUMED.
func (s *Shard) Connecting() bool {
	switch s.Status() {
	case kephascord.ShardConnecting, kephascord.ShardIdentifying, kephascord.ShardResuming:
		return true
	}
	return false
}

func (s *Shard) Info() kephascord.ShardInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kephascord.ShardInfo{
		ID:        s.id,
		Total:     s.total,
		Status:    s.status,
		Ready:     s.ready,
		SessionID: s.sessionID,
		Sequence:  s.seq,
		Latency:   s.latency,
	}
}

// Connect enters Connecting and starts the handshake in the background. It is
// meant to be called by the ConnectQueue.
func (s *Shard) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kephascord.ErrClientClosed
	}
	if s.status != kephascord.ShardDisconnected || s.link != nil {
		return kephascord.ErrShardNotDisconnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		ctx:    ctx,
		cancel: cancel,
		resume: s.sessionID != "" && s.seq > 0 && time.Since(s.disconnectedAt) <= s.cfg.ResumeWindow,
	}
	l.acked.Store(true)
	l.handshake = time.AfterFunc(s.cfg.ConnectionTimeout, func() { s.handshakeTimeout(l) })

	s.link = l
	s.status = kephascord.ShardConnecting
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}

	go s.run(l)
	return nil
}

// Disconnect closes the connection and cancels a queued connect request.
// err is reported to the listener.
func (s *Shard) Disconnect(intent Intent, err error) {
	s.queue.Remove(s)

	s.mu.Lock()
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	l := s.link
	if l == nil && intent == DisconnectTeardown {
		s.clearSessionLocked()
	}
	s.mu.Unlock()

	s.drop(l, intent, err)

	if intent == DisconnectReconnect {
		s.queue.Enqueue(s)
	}
}

// Close tears the shard down permanently.
func (s *Shard) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect(DisconnectTeardown, nil)
}

// Send queues a frame through the shard's rate limiter.
func (s *Shard) Send(ctx context.Context, op int, payload any) error {
	s.mu.Lock()
	var conn *websocket.Conn
	if s.link != nil {
		conn = s.link.conn
	}
	s.mu.Unlock()
	if conn == nil {
		return kephascord.ErrConnectionClosed
	}
	return conn.Send(ctx, op, payload)
}

// UpdatePresence stores p for future identifies and sends it when connected.
func (s *Shard) UpdatePresence(ctx context.Context, p kephascord.Presence) error {
	s.mu.Lock()
	s.presence = &p
	connected := s.status == kephascord.ShardConnected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.Send(ctx, kephascord.OpPresenceUpdate, p)
}

// UpdateVoiceState joins channelID in guildID, or leaves when channelID is empty.
func (s *Shard) UpdateVoiceState(ctx context.Context, guildID, channelID string, selfMute, selfDeaf bool) error {
	payload := protocol.VoiceStateUpdate{GuildID: &guildID, SelfMute: selfMute, SelfDeaf: selfDeaf}
	if channelID != "" {
		payload.ChannelID = &channelID
	}
	return s.Send(ctx, kephascord.OpVoiceStateUpdate, payload)
}

// RequestGuildMembers asks for the member list of guildID. An empty query
// with limit 0 requests every member.
func (s *Shard) RequestGuildMembers(ctx context.Context, guildID, query string, limit int) error {
	return s.Send(ctx, kephascord.OpRequestGuildMembers, protocol.RequestGuildMembers{
		GuildID: guildID,
		Query:   query,
		Limit:   limit,
	})
}

func (s *Shard) run(l *link) {
	ctx, cancel := context.WithTimeout(l.ctx, s.cfg.ConnectionTimeout)
	defer cancel()

	url, err := s.dialURL(ctx, l.resume)
	if err != nil {
		s.lost(l, &kephascord.TransportError{Op: "resolve gateway", Err: err})
		return
	}

	conn, err := websocket.Dial(ctx, url, websocket.GatewayRateLimit())
	if err != nil {
		s.forgetURL(l.resume)
		s.lost(l, &kephascord.TransportError{Op: "dial " + url, Err: err})
		return
	}

	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	s.mu.Unlock()

	s.log.Debug("connected", zap.Bool("resume", l.resume))
	s.readLoop(l)
}

func (s *Shard) dialURL(ctx context.Context, resume bool) (string, error) {
	s.mu.Lock()
	resumeURL := s.resumeURL
	s.mu.Unlock()
	if resume && resumeURL != "" {
		return protocol.GatewayURL(resumeURL), nil
	}
	return s.urls.GatewayURL(ctx)
}

func (s *Shard) forgetURL(resume bool) {
	s.mu.Lock()
	hadResumeURL := s.resumeURL != ""
	if resume {
		s.resumeURL = ""
	}
	s.mu.Unlock()
	if !resume || !hadResumeURL {
		s.urls.SetGatewayURL("")
	}
}

func (s *Shard) readLoop(l *link) {
	for {
		f, err := l.conn.Read()
		if err != nil {
			var pe *kephascord.ProtocolError
			if errors.As(err, &pe) {
				s.log.Warn("dropping frame", zap.Error(err))
				continue
			}
			s.closedBy(l, err)
			return
		}
		s.handle(l, f)
	}
}

func (s *Shard) handle(l *link, f *protocol.Frame) {
	switch f.Op {
	case kephascord.OpHello:
		var h protocol.Hello
		err := protocol.Unmarshal(f.D, &h)
		interval := time.Duration(h.HeartbeatInterval * float64(time.Millisecond))
		if err != nil || interval <= 0 {
			s.log.Warn("dropping frame", zap.Error(&kephascord.ProtocolError{Op: f.Op, Reason: kephascord.ErrMsgMalformedFrame, Err: err}))
			return
		}
		if !l.hello.CompareAndSwap(false, true) {
			s.log.Debug("ignoring repeated hello")
			return
		}
		go s.heartbeat(l, interval)
		if l.resume {
			s.sendResume(l)
		} else {
			s.sendIdentify(l)
		}

	case kephascord.OpHeartbeatACK:
		l.acked.Store(true)
		latency := time.Since(time.Unix(0, l.lastBeat.Load()))
		s.mu.Lock()
		s.latency = latency
		s.mu.Unlock()
		s.metrics.ObserveLatency(s.id, latency)

	case kephascord.OpHeartbeat:
		s.beat(l)

	case kephascord.OpReconnect:
		s.log.Info("server requested reconnect")
		if s.drop(l, DisconnectReconnect, nil) {
			s.scheduleReconnect()
		}

	case kephascord.OpInvalidSession:
		var resumable bool
		_ = protocol.Unmarshal(f.D, &resumable)
		s.log.Info("invalid session", zap.Bool("resumable", resumable))
		if !resumable {
			s.mu.Lock()
			s.clearSessionLocked()
			s.mu.Unlock()
		}
		if s.drop(l, DisconnectReconnect, nil) {
			s.scheduleReconnect()
		}

	case kephascord.OpDispatch:
		s.dispatch(l, f)

	default:
		s.log.Warn("dropping frame", zap.Error(&kephascord.ProtocolError{Op: f.Op, Reason: kephascord.ErrMsgUnexpectedOpcode}))
	}
}

func (s *Shard) sendIdentify(l *link) {
	s.mu.Lock()
	s.status = kephascord.ShardIdentifying
	s.clearSessionLocked()
	presence := s.presence
	s.mu.Unlock()

	err := l.conn.Send(l.ctx, kephascord.OpIdentify, protocol.Identify{
		Token: s.cfg.Token,
		Properties: protocol.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "kephascord",
			Device:  "kephascord",
		},
		Compress:       s.cfg.Compress,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.id, s.total},
		Intents:        s.cfg.Intents,
		Presence:       presence,
	})
	if err != nil {
		s.lost(l, &kephascord.TransportError{Op: "identify", Err: err})
	}
}

func (s *Shard) sendResume(l *link) {
	s.mu.Lock()
	s.status = kephascord.ShardResuming
	payload := protocol.Resume{Token: s.cfg.Token, SessionID: s.sessionID, Seq: s.seq}
	s.mu.Unlock()

	if err := l.conn.Send(l.ctx, kephascord.OpResume, payload); err != nil {
		s.lost(l, &kephascord.TransportError{Op: "resume", Err: err})
	}
}

// heartbeat beats every interval after a random first delay. An
// unacknowledged beat at the next tick marks the connection a zombie.
func (s *Shard) heartbeat(l *link, interval time.Duration) {
	t := time.NewTimer(rand.N(interval))
	defer t.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}

		if !l.acked.Load() {
			s.log.Warn("heartbeat not acknowledged")
			s.lost(l, &kephascord.TransportError{Op: "heartbeat", Err: kephascord.ErrZombieConnection})
			return
		}
		s.beat(l)
		t.Reset(interval)
	}
}

func (s *Shard) beat(l *link) {
	s.mu.Lock()
	var seq *int64
	if s.seq > 0 {
		v := s.seq
		seq = &v
	}
	s.mu.Unlock()

	l.acked.Store(false)
	l.lastBeat.Store(time.Now().UnixNano())
	if err := l.conn.SendPriority(l.ctx, kephascord.OpHeartbeat, seq); err != nil {
		s.lost(l, &kephascord.TransportError{Op: "heartbeat", Err: err})
	}
}

type guildSnapshot struct {
	ID    string `json:"id"`
	Large bool   `json:"large"`
}

func (s *Shard) dispatch(l *link, f *protocol.Frame) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	if f.S != nil && *f.S > s.seq {
		s.seq = *f.S
	}
	s.mu.Unlock()
	s.metrics.ObserveEvent(f.T)

	switch f.T {
	case "READY":
		var r protocol.Ready
		if err := protocol.Unmarshal(f.D, &r); err != nil {
			s.log.Warn("dropping frame", zap.Error(&kephascord.ProtocolError{Op: f.Op, Reason: kephascord.ErrMsgMalformedFrame, Err: err}))
			return
		}

		s.mu.Lock()
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
		s.connectedLocked(l)
		s.ready = false
		s.pending = make(map[string]struct{}, len(r.Guilds))
		for _, g := range r.Guilds {
			s.pending[g.ID] = struct{}{}
		}
		waiting := len(s.pending)
		if waiting > 0 {
			s.snapshot = time.AfterFunc(s.cfg.GuildCreateTimeout, func() { s.markReady(l) })
		}
		s.mu.Unlock()

		s.log.Info("identified", zap.String("session", r.SessionID), zap.Int("guilds", waiting))
		s.forward(f)
		if waiting == 0 {
			s.markReady(l)
		}

	case "RESUMED":
		s.mu.Lock()
		s.connectedLocked(l)
		s.ready = true
		s.mu.Unlock()

		s.log.Info("resumed")
		s.forward(f)
		s.listener.OnResumed(s.id)

	case "GUILD_CREATE":
		s.forward(f)

		var g guildSnapshot
		if err := protocol.Unmarshal(f.D, &g); err != nil {
			return
		}
		if s.cfg.GetAllUsers && g.Large {
			if err := s.RequestGuildMembers(l.ctx, g.ID, "", 0); err != nil {
				s.log.Warn("request guild members failed", zap.String("guild", g.ID), zap.Error(err))
			}
		}

		s.mu.Lock()
		_, waiting := s.pending[g.ID]
		delete(s.pending, g.ID)
		done := waiting && len(s.pending) == 0
		s.mu.Unlock()
		if done {
			s.markReady(l)
		}

	default:
		s.forward(f)
	}
}

func (s *Shard) forward(f *protocol.Frame) {
	if s.cfg.DisableEvents[f.T] {
		return
	}
	s.listener.OnDispatch(s.id, f.T, f.D)
}

func (s *Shard) connectedLocked(l *link) {
	s.status = kephascord.ShardConnected
	s.attempts = 0
	l.handshake.Stop()
	s.metrics.ShardConnected(true)
}

func (s *Shard) markReady(l *link) {
	s.mu.Lock()
	if s.link != l || s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.pending = nil
	if s.snapshot != nil {
		s.snapshot.Stop()
		s.snapshot = nil
	}
	s.mu.Unlock()

	s.log.Info("ready")
	s.listener.OnReady(s.id)
}

func (s *Shard) handshakeTimeout(l *link) {
	s.mu.Lock()
	stale := s.link != l || s.status == kephascord.ShardConnected
	s.mu.Unlock()
	if !stale {
		s.lost(l, &kephascord.TransportError{Op: "handshake", Err: kephascord.ErrConnectionTimeout})
	}
}

// closedBy maps the server's close code to a disconnect intent.
func (s *Shard) closedBy(l *link, err error) {
	code, text, _ := websocket.CloseCode(err)
	switch {
	case code == kephascord.CloseAuthenticationFailed:
		authErr := &kephascord.AuthError{Code: code, Reason: text}
		s.log.Error("gateway rejected credentials", zap.Error(authErr))
		s.drop(l, DisconnectTeardown, authErr)

	case code >= kephascord.CloseInvalidShard && code <= kephascord.CloseDisallowedIntents:
		s.log.Error("gateway closed with fatal code", zap.Int("code", code), zap.String("reason", text))
		s.drop(l, DisconnectTeardown, &kephascord.TransportError{Op: "read", Err: err})

	case code == kephascord.CloseInvalidSeq || code == kephascord.CloseSessionTimedOut:
		s.mu.Lock()
		if s.link == l {
			s.clearSessionLocked()
		}
		s.mu.Unlock()
		s.lost(l, &kephascord.TransportError{Op: "read", Err: err})

	default:
		s.lost(l, &kephascord.TransportError{Op: "read", Err: err})
	}
}

// lost handles an unexpected connection loss.
func (s *Shard) lost(l *link, err error) {
	intent := DisconnectKeepSession
	if s.cfg.AutoReconnect {
		intent = DisconnectReconnect
	}
	if s.drop(l, intent, err) && intent == DisconnectReconnect {
		s.scheduleReconnect()
	}
}

// drop closes l if it is still current and reports whether it was.
func (s *Shard) drop(l *link, intent Intent, err error) bool {
	s.mu.Lock()
	if l == nil || s.link != l {
		s.mu.Unlock()
		return false
	}
	s.link = nil
	l.cancel()
	l.handshake.Stop()
	if s.snapshot != nil {
		s.snapshot.Stop()
		s.snapshot = nil
	}

	wasConnected := s.status == kephascord.ShardConnected
	s.status = kephascord.ShardDisconnected
	s.ready = false
	s.pending = nil
	s.disconnectedAt = time.Now()

	code := 1000
	if intent == DisconnectTeardown {
		s.clearSessionLocked()
	} else {
		code = kephascord.CloseResumable
	}
	conn := l.conn
	s.mu.Unlock()

	if conn != nil {
		conn.CloseWithCode(code, "")
	}
	if wasConnected {
		s.metrics.ShardConnected(false)
	}
	s.log.Info("disconnected", zap.Int("intent", int(intent)), zap.Error(err))
	s.listener.OnDisconnect(s.id, err)
	return true
}

func (s *Shard) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	d := s.cfg.ReconnectDelay << min(s.attempts, 16)
	if d <= 0 || d > s.cfg.MaxReconnectDelay {
		d = s.cfg.MaxReconnectDelay
	}
	s.attempts++
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnect = time.AfterFunc(d, func() { s.queue.Enqueue(s) })

	s.metrics.ObserveReconnect(s.id)
	s.log.Info("reconnecting", zap.Duration("in", d), zap.Int("attempt", s.attempts))
}

func (s *Shard) clearSessionLocked() {
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
}
