// Package state owns the entity registries of one client and applies gateway
// dispatches to them.
//
// Entities reference their parents by ID only. Every guild remembers the shard
// that delivered it, so dropping a shard's entities is a key-range removal.
package state

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/cache"
	"github.com/luciancaetano/kephascord/internal/metrics"
)

// State is safe for concurrent use by one writer per shard.
type State struct {
	Guilds   *cache.Cache[*kephascord.Guild]
	Users    *cache.Cache[*kephascord.User]
	Channels *cache.Cache[*kephascord.Channel]
	Roles    *cache.Cache[*kephascord.Role]

	log          *zap.Logger
	metrics      *metrics.Metrics
	messageLimit int
	self         atomic.Pointer[kephascord.User]
	selfID       atomic.Value // string

	mu       sync.Mutex
	members  map[string]*cache.Cache[*kephascord.Member]
	messages map[string]*cache.Bounded[*kephascord.Message]
	voice    map[string]*cache.Cache[*kephascord.VoiceState]
}

// New creates empty registries. messageLimit caps the message history kept
// per channel; zero disables message caching.
func New(messageLimit int, log *zap.Logger, m *metrics.Metrics) *State {
	if log == nil {
		log = zap.NewNop()
	}
	return &State{
		Guilds:       cache.New[*kephascord.Guild](),
		Users:        cache.New[*kephascord.User](),
		Channels:     cache.New[*kephascord.Channel](),
		Roles:        cache.New[*kephascord.Role](),
		log:          log.Named("state"),
		metrics:      m,
		messageLimit: max(messageLimit, 0),
		members:      make(map[string]*cache.Cache[*kephascord.Member]),
		messages:     make(map[string]*cache.Bounded[*kephascord.Message]),
		voice:        make(map[string]*cache.Cache[*kephascord.VoiceState]),
	}
}

// Self returns the user the client is logged in as, once READY arrived.
func (s *State) Self() *kephascord.User { return s.self.Load() }

// SelfID returns the ID of Self without reading the shared entity.
func (s *State) SelfID() string {
	id, _ := s.selfID.Load().(string)
	return id
}

// Members returns the members of a guild. Unknown guilds yield an empty
// collection that is not retained.
func (s *State) Members(guildID string) *cache.Cache[*kephascord.Member] {
	if c := s.guildMembers(guildID, false); c != nil {
		return c
	}
	return cache.New[*kephascord.Member]()
}

// Messages returns the message history of a channel, oldest first.
func (s *State) Messages(channelID string) cache.Collection[*kephascord.Message] {
	if c := s.channelMessages(channelID, false); c != nil {
		return c
	}
	return cache.New[*kephascord.Message]()
}

// VoiceStates returns the voice states of a guild.
func (s *State) VoiceStates(guildID string) *cache.Cache[*kephascord.VoiceState] {
	if c := s.guildVoice(guildID, false); c != nil {
		return c
	}
	return cache.New[*kephascord.VoiceState]()
}

func (s *State) guildMembers(guildID string, create bool) *cache.Cache[*kephascord.Member] {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.members[guildID]
	if !ok && create {
		c = cache.New[*kephascord.Member]()
		s.members[guildID] = c
	}
	return c
}

func (s *State) guildVoice(guildID string, create bool) *cache.Cache[*kephascord.VoiceState] {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.voice[guildID]
	if !ok && create {
		c = cache.New[*kephascord.VoiceState]()
		s.voice[guildID] = c
	}
	return c
}

func (s *State) channelMessages(channelID string, create bool) *cache.Bounded[*kephascord.Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.messages[channelID]
	if ok || !create || s.messageLimit == 0 {
		return c
	}
	c, err := cache.NewBounded(s.messageLimit, func(*kephascord.Message) {
		s.metrics.ObserveEviction("messages")
	})
	if err != nil {
		s.log.Error("message cache", zap.Error(err))
		return nil
	}
	s.messages[channelID] = c
	return c
}

func (s *State) storeUser(u *kephascord.User) *kephascord.User {
	if u == nil || u.ID == "" {
		return u
	}
	return s.Users.Add(u)
}

func (s *State) storeMember(guildID string, m *kephascord.Member) *kephascord.Member {
	if m.User == nil || m.User.ID == "" {
		return m
	}
	m.GuildID = guildID
	m.User = s.storeUser(m.User)
	return s.guildMembers(guildID, true).Add(m)
}

// StoreGuild writes a guild through the cache. A guild already owned by a
// shard keeps its owner.
func (s *State) StoreGuild(g *kephascord.Guild) *kephascord.Guild {
	if stored, ok := s.Guilds.Get(g.ID); ok {
		g.ShardID = stored.ShardID
	}
	return s.Guilds.Add(g)
}

func (s *State) StoreChannel(c *kephascord.Channel) *kephascord.Channel {
	for i, u := range c.Recipients {
		c.Recipients[i] = s.storeUser(u)
	}
	return s.Channels.Add(c)
}

func (s *State) StoreUser(u *kephascord.User) *kephascord.User { return s.storeUser(u) }

// StoreMessage appends m to its channel history. With message caching disabled
// m is returned unchanged.
func (s *State) StoreMessage(m *kephascord.Message) *kephascord.Message {
	m.Author = s.storeUser(m.Author)
	s.Channels.Update(m.ChannelID, func(c *kephascord.Channel) { c.LastMessageID = m.ID })
	if c := s.channelMessages(m.ChannelID, true); c != nil {
		return c.Add(m)
	}
	return m
}

// DropShard removes every guild delivered by shard together with its
// channels, roles, members, voice states and message histories. It returns
// the number of guilds removed.
func (s *State) DropShard(shard int) int {
	guilds := s.Guilds.RemoveWhere(func(g *kephascord.Guild) bool { return g.ShardID == shard })
	for _, g := range guilds {
		s.dropGuildChildren(g.ID)
	}
	if len(guilds) > 0 {
		s.log.Debug("dropped shard entities", zap.Int("shard", shard), zap.Int("guilds", len(guilds)))
	}
	return len(guilds)
}

func (s *State) dropGuildChildren(guildID string) {
	channels := s.Channels.RemoveWhere(func(c *kephascord.Channel) bool { return c.GuildID == guildID })
	s.Roles.RemoveWhere(func(r *kephascord.Role) bool { return r.GuildID == guildID })

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, guildID)
	delete(s.voice, guildID)
	for _, c := range channels {
		delete(s.messages, c.ID)
	}
}

func (s *State) dropChannel(channelID string) (*kephascord.Channel, bool) {
	c, ok := s.Channels.Remove(channelID)
	s.mu.Lock()
	delete(s.messages, channelID)
	s.mu.Unlock()
	return c, ok
}
