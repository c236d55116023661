// Package session wires the REST handler, the shards, the connect queue, the
// entity registries, the event bus and the voice manager into one client.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/eventbus"
	"github.com/luciancaetano/kephascord/internal/gateway"
	"github.com/luciancaetano/kephascord/internal/metrics"
	"github.com/luciancaetano/kephascord/internal/protocol"
	"github.com/luciancaetano/kephascord/internal/rest"
	"github.com/luciancaetano/kephascord/internal/state"
	"github.com/luciancaetano/kephascord/internal/voice"
)

var (
	_ kephascord.Client = (*Session)(nil)
	_ gateway.Listener  = (*Session)(nil)
)

// Session is one client. Sessions share nothing; several may run in one
// process with different credentials.
type Session struct {
	token   string
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	rest    *rest.Handler
	state   *state.State
	bus     *eventbus.Bus
	queue   *gateway.ConnectQueue
	voice   *voice.Manager
	urls    gateway.URLResolver

	mu          sync.RWMutex
	shards      map[int]*gateway.Shard
	total       int
	ready       map[int]bool
	clientReady bool
	presence    *kephascord.Presence
	closed      bool
}

// New validates opts and builds a disconnected session.
func New(token string, opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m, err := metrics.New(opts.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := &Session{
		token:    token,
		opts:     opts,
		log:      log,
		metrics:  m,
		state:    state.New(opts.MessageLimit, log, m),
		bus:      eventbus.New(log),
		queue:    gateway.NewConnectQueue(opts.IdentifySpacing, log),
		shards:   make(map[int]*gateway.Shard),
		ready:    make(map[int]bool),
		presence: opts.Presence,
	}
	s.rest = rest.New(rest.Config{
		Token:           token,
		BaseURL:         opts.RESTBaseURL,
		HTTPClient:      opts.HTTPClient,
		SequencerWait:   opts.SequencerWait,
		Retries:         opts.RESTRetries,
		RetryBackoff:    opts.RESTRetryBackoff,
		BulkDeleteDelay: opts.BulkDeleteDelay,
		Logger:          log,
		Metrics:         m,
		Sink:            s.state,
	})
	s.urls = s.rest
	if opts.GatewayURL != "" {
		s.urls = fixedURL(opts.GatewayURL)
	}
	s.voice = voice.NewManager(voice.Config{
		Self:        s.selfID,
		JoinTimeout: opts.VoiceJoinTimeout,
		Scheme:      opts.VoiceScheme,
		Logger:      log,
	}, s.voiceSender)
	return s, nil
}

// fixedURL resolves to a configured gateway address and never forgets it.
type fixedURL string

func (u fixedURL) GatewayURL(context.Context) (string, error) { return string(u), nil }
func (fixedURL) SetGatewayURL(string)                         {}

// Connect resolves the shard count, creates the shards of this process and
// queues them. Shards that are already connected are left alone.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return kephascord.ErrClientClosed
	}

	total := s.opts.MaxShards
	if total == 0 {
		gb, err := s.rest.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("resolve shard count: %w", err)
		}
		total = max(gb.Shards, 1)
		if s.opts.GatewayURL == "" && gb.URL != "" {
			s.rest.SetGatewayURL(protocol.GatewayURL(gb.URL))
		}
	}
	first, last := s.opts.FirstShardID, s.opts.LastShardID
	if last < 0 {
		last = total - 1
	}
	if first > last || last >= total {
		return invalid("shards %d..%d are out of range for %d shards", first, last, total)
	}

	s.mu.Lock()
	var stale []*gateway.Shard
	if s.total != total {
		for _, sh := range s.shards {
			stale = append(stale, sh)
		}
		s.shards = make(map[int]*gateway.Shard)
		s.ready = make(map[int]bool)
		s.total = total
	}
	s.clientReady = false
	cfg := s.shardConfig()
	var queued []*gateway.Shard
	for id := first; id <= last; id++ {
		sh, ok := s.shards[id]
		if !ok {
			sh = gateway.NewShard(id, total, cfg, s.urls, s.queue, s)
			s.shards[id] = sh
			s.queue.Register(sh)
		}
		if sh.Status() == kephascord.ShardDisconnected {
			queued = append(queued, sh)
		}
	}
	s.mu.Unlock()

	for _, sh := range stale {
		s.queue.Unregister(sh)
		sh.Close()
	}
	s.log.Info("connecting", zap.Int("shards", len(queued)), zap.Int("total", total))
	for _, sh := range queued {
		s.queue.Enqueue(sh)
	}
	return nil
}

func (s *Session) shardConfig() gateway.Config {
	return gateway.Config{
		Token:              s.token,
		Intents:            s.opts.Intents,
		Compress:           s.opts.Compress,
		LargeThreshold:     s.opts.LargeThreshold,
		GetAllUsers:        s.opts.GetAllUsers,
		DisableEvents:      s.opts.DisableEvents,
		Presence:           s.presence,
		AutoReconnect:      s.opts.AutoReconnect,
		ConnectionTimeout:  s.opts.ConnectionTimeout,
		GuildCreateTimeout: s.opts.GuildCreateTimeout,
		ResumeWindow:       s.opts.ResumeWindow,
		ReconnectDelay:     s.opts.ReconnectDelay,
		MaxReconnectDelay:  s.opts.MaxReconnectDelay,
		Logger:             s.log,
		Metrics:            s.metrics,
	}
}

// Disconnect closes every shard. Without reconnect, voice channels are left
// first and the entities of each shard are dropped afterwards.
func (s *Session) Disconnect(ctx context.Context, reconnect bool) error {
	var err error
	intent := gateway.DisconnectReconnect
	if !reconnect {
		intent = gateway.DisconnectTeardown
		for _, key := range s.voice.Keys() {
			err = multierr.Append(err, s.voice.Leave(ctx, key))
		}
	}

	for _, sh := range s.shardList() {
		sh.Disconnect(intent, nil)
		if !reconnect {
			s.state.DropShard(sh.ID())
		}
	}
	return err
}

// Close disconnects, stops the REST workers and rejects further use.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Disconnect(ctx, false)
	err = multierr.Append(err, s.voice.Close(ctx))
	for _, sh := range s.shardList() {
		sh.Close()
	}
	s.queue.Close()
	s.rest.Close()
	return err
}

func (s *Session) shardList() []*gateway.Shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shards := make([]*gateway.Shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	slices.SortFunc(shards, func(a, b *gateway.Shard) int { return a.ID() - b.ID() })
	return shards
}

// Shard returns the shard with id if this process runs it.
func (s *Session) Shard(id int) (*gateway.Shard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shards[id]
	return sh, ok
}

// ShardFor returns the shard that receives events for guildID.
func (s *Session) ShardFor(guildID string) (*gateway.Shard, error) {
	s.mu.RLock()
	total := s.total
	s.mu.RUnlock()

	id, err := kephascord.ShardForGuild(guildID, total)
	if err != nil {
		return nil, err
	}
	sh, ok := s.Shard(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s belongs to shard %d", kephascord.ErrNoShardForGuild, guildID, id)
	}
	return sh, nil
}

func (s *Session) Shards() []kephascord.ShardInfo {
	shards := s.shardList()
	infos := make([]kephascord.ShardInfo, 0, len(shards))
	for _, sh := range shards {
		infos = append(infos, sh.Info())
	}
	return infos
}

func (s *Session) On(t kephascord.EventType, h kephascord.Handler) { s.bus.On(t, h) }
func (s *Session) OnAny(h kephascord.Handler)                      { s.bus.OnAny(h) }

// UpdatePresence sends p through every shard and keeps it for later identifies.
func (s *Session) UpdatePresence(ctx context.Context, p kephascord.Presence) error {
	s.mu.Lock()
	s.presence = &p
	s.mu.Unlock()

	var err error
	for _, sh := range s.shardList() {
		err = multierr.Append(err, sh.UpdatePresence(ctx, p))
	}
	return err
}

func (s *Session) JoinVoice(ctx context.Context, guildID, channelID string, opts kephascord.VoiceJoinOptions) (kephascord.VoiceConnection, error) {
	c, err := s.voice.Join(ctx, guildID, channelID, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Session) LeaveVoice(ctx context.Context, guildID string) error {
	return s.voice.Leave(ctx, guildID)
}

// voiceSender routes a voice key to its shard. Group calls go through shard 0.
func (s *Session) voiceSender(key string) (voice.Sender, error) {
	var group bool
	s.state.Channels.View(key, func(c *kephascord.Channel) { group = c.Type == kephascord.ChannelTypeGroupDM })
	if group {
		sh, ok := s.Shard(0)
		if !ok {
			return nil, kephascord.ErrNoShardForGuild
		}
		return sh, nil
	}
	return s.ShardFor(key)
}

func (s *Session) selfID() string { return s.state.SelfID() }

func (s *Session) REST() kephascord.REST { return s.rest }

func (s *Session) Guilds() kephascord.Collection[*kephascord.Guild]     { return s.state.Guilds }
func (s *Session) Users() kephascord.Collection[*kephascord.User]       { return s.state.Users }
func (s *Session) Channels() kephascord.Collection[*kephascord.Channel] { return s.state.Channels }
func (s *Session) Roles() kephascord.Collection[*kephascord.Role]       { return s.state.Roles }

func (s *Session) Members(guildID string) kephascord.Collection[*kephascord.Member] {
	return s.state.Members(guildID)
}

func (s *Session) Messages(channelID string) kephascord.Collection[*kephascord.Message] {
	return s.state.Messages(channelID)
}

func (s *Session) VoiceStates(guildID string) kephascord.Collection[*kephascord.VoiceState] {
	return s.state.VoiceStates(guildID)
}

// OnDispatch applies the frame to the registries, then emits its event. Both
// happen on the shard's read loop, so handlers see the frame's writes.
func (s *Session) OnDispatch(shard int, tag string, data []byte) {
	e, err := s.state.Apply(shard, tag, data)
	if err != nil {
		s.log.Warn("dropping dispatch", zap.Int("shard", shard), zap.String("event", tag), zap.Error(err))
		return
	}

	switch e := e.(type) {
	case *kephascord.VoiceStateEvent:
		s.voice.HandleVoiceStateUpdate(e.State)
	case *kephascord.VoiceServerEvent:
		s.voice.HandleVoiceServerUpdate(e.GuildID, e.Token, e.Endpoint)
	}
	s.bus.Emit(e)
}

func (s *Session) OnReady(shard int) {
	s.bus.Emit(&kephascord.ShardEvent{Base: kephascord.Base{T: kephascord.EventShardReady, ShardID: shard}})
	s.markReady(shard)
}

func (s *Session) OnResumed(shard int) {
	s.bus.Emit(&kephascord.ShardEvent{Base: kephascord.Base{T: kephascord.EventShardResume, ShardID: shard}})
	s.markReady(shard)
}

// markReady emits EventClientReady when the last shard of this process
// becomes ready.
func (s *Session) markReady(shard int) {
	s.mu.Lock()
	s.ready[shard] = true
	all := !s.clientReady
	for id := range s.shards {
		all = all && s.ready[id]
	}
	if all {
		s.clientReady = true
	}
	s.mu.Unlock()

	if all {
		s.log.Info("all shards ready")
		s.bus.Emit(&kephascord.ShardEvent{Base: kephascord.Base{T: kephascord.EventClientReady, ShardID: -1}})
	}
}

// OnDisconnect emits EventClientDisconnect once no shard is ready anymore.
func (s *Session) OnDisconnect(shard int, err error) {
	s.mu.Lock()
	delete(s.ready, shard)
	last := s.clientReady && len(s.ready) == 0
	if last {
		s.clientReady = false
	}
	s.mu.Unlock()

	s.bus.Emit(&kephascord.ShardEvent{Base: kephascord.Base{T: kephascord.EventShardDisconnect, ShardID: shard}, Err: err})
	if last {
		s.bus.Emit(&kephascord.ShardEvent{Base: kephascord.Base{T: kephascord.EventClientDisconnect, ShardID: -1}, Err: err})
	}
}
