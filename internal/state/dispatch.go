package state

import (
	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
)

// applyFunc decodes one dispatch payload, writes it through the registries
// and builds the event handed to listeners.
type applyFunc func(s *State, t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error)

var handlers = map[kephascord.EventType]applyFunc{
	kephascord.EventReady:             (*State).ready,
	kephascord.EventResumed:           (*State).resumed,
	kephascord.EventGuildCreate:       (*State).guildCreate,
	kephascord.EventGuildUpdate:       (*State).guildUpdate,
	kephascord.EventGuildDelete:       (*State).guildDelete,
	kephascord.EventChannelCreate:     (*State).channelUpsert,
	kephascord.EventChannelUpdate:     (*State).channelUpsert,
	kephascord.EventChannelDelete:     (*State).channelDelete,
	kephascord.EventGuildMemberAdd:    (*State).memberUpsert,
	kephascord.EventGuildMemberUpdate: (*State).memberUpsert,
	kephascord.EventGuildMemberRemove: (*State).memberRemove,
	kephascord.EventGuildMembersChunk: (*State).membersChunk,
	kephascord.EventGuildRoleCreate:   (*State).roleUpsert,
	kephascord.EventGuildRoleUpdate:   (*State).roleUpsert,
	kephascord.EventGuildRoleDelete:   (*State).roleDelete,
	kephascord.EventMessageCreate:     (*State).messageCreate,
	kephascord.EventMessageUpdate:     (*State).messageUpdate,
	kephascord.EventMessageDelete:     (*State).messageDelete,
	kephascord.EventMessageDeleteBulk: (*State).messageDelete,
	kephascord.EventPresenceUpdate:    (*State).presenceUpdate,
	kephascord.EventUserUpdate:        (*State).userUpdate,
	kephascord.EventVoiceStateUpdate:  (*State).voiceStateUpdate,
	kephascord.EventVoiceServerUpdate: (*State).voiceServerUpdate,
}

// Apply processes one dispatch from shard. Tags without a handler produce an
// *UnknownEvent carrying the raw payload. A payload that cannot be decoded
// returns a *ProtocolError and leaves the registries untouched.
func (s *State) Apply(shard int, tag string, raw []byte) (kephascord.Event, error) {
	t := kephascord.ParseEventType(tag)
	apply, ok := handlers[t]
	if !ok {
		return &kephascord.UnknownEvent{Base: base(kephascord.EventUnknown, shard), Name: tag, Data: raw}, nil
	}
	return apply(s, t, shard, raw)
}

func base(t kephascord.EventType, shard int) kephascord.Base {
	return kephascord.Base{T: t, ShardID: shard}
}

func decode(t kephascord.EventType, raw []byte, v any) error {
	if err := protocol.Unmarshal(raw, v); err != nil {
		return &kephascord.ProtocolError{Op: kephascord.OpDispatch, Reason: kephascord.ErrMsgMalformedFrame + ": " + t.String(), Err: err}
	}
	return nil
}

func (s *State) ready(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var r protocol.Ready
	if err := decode(t, raw, &r); err != nil {
		return nil, err
	}
	if r.User != nil {
		s.selfID.Store(r.User.ID)
		s.self.Store(s.storeUser(r.User))
	}
	for _, g := range r.Guilds {
		s.Guilds.Add(&kephascord.Guild{ID: g.ID, Unavailable: true, ShardID: shard})
	}
	return &kephascord.ReadyEvent{
		Base:      base(t, shard),
		SessionID: r.SessionID,
		User:      s.Self(),
		Guilds:    len(r.Guilds),
	}, nil
}

func (s *State) resumed(t kephascord.EventType, shard int, _ []byte) (kephascord.Event, error) {
	return &kephascord.ShardEvent{Base: base(t, shard)}, nil
}

func (s *State) guildCreate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var g kephascord.Guild
	if err := decode(t, raw, &g); err != nil {
		return nil, err
	}
	g.ShardID = shard

	for _, c := range g.Channels {
		c.GuildID = g.ID
		s.StoreChannel(c)
	}
	for _, r := range g.Roles {
		r.GuildID = g.ID
		s.Roles.Add(r)
	}
	for _, m := range g.Members {
		s.storeMember(g.ID, m)
	}
	for _, v := range g.VoiceStates {
		v.GuildID = g.ID
		if v.ChannelID != "" {
			s.guildVoice(g.ID, true).Add(v)
		}
	}
	g.Channels, g.Roles, g.Members, g.VoiceStates = nil, nil, nil, nil

	return &kephascord.GuildEvent{Base: base(t, shard), Guild: s.Guilds.Add(&g)}, nil
}

func (s *State) guildUpdate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var g kephascord.Guild
	if err := decode(t, raw, &g); err != nil {
		return nil, err
	}
	for _, r := range g.Roles {
		r.GuildID = g.ID
		s.Roles.Add(r)
	}
	g.Roles = nil
	g.ShardID = shard

	s.Guilds.View(g.ID, func(stored *kephascord.Guild) {
		g.JoinedAt = stored.JoinedAt
		g.MemberCount = max(g.MemberCount, stored.MemberCount)
	})
	return &kephascord.GuildEvent{Base: base(t, shard), Guild: s.Guilds.Add(&g)}, nil
}

type guildDeletePayload struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// guildDelete marks an outage-hit guild unavailable and keeps its children.
// A guild the client left is removed together with them.
func (s *State) guildDelete(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p guildDeletePayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	e := &kephascord.GuildDeleteEvent{Base: base(t, shard), GuildID: p.ID, Unavailable: p.Unavailable}

	if p.Unavailable {
		s.Guilds.Update(p.ID, func(g *kephascord.Guild) { g.Unavailable = true })
		e.Cached, _ = s.Guilds.Get(p.ID)
		return e, nil
	}
	if g, ok := s.Guilds.Remove(p.ID); ok {
		e.Cached = g
	}
	s.dropGuildChildren(p.ID)
	return e, nil
}

func (s *State) channelUpsert(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var c kephascord.Channel
	if err := decode(t, raw, &c); err != nil {
		return nil, err
	}
	return &kephascord.ChannelEvent{Base: base(t, shard), Channel: s.StoreChannel(&c)}, nil
}

func (s *State) channelDelete(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var c kephascord.Channel
	if err := decode(t, raw, &c); err != nil {
		return nil, err
	}
	e := &kephascord.ChannelEvent{Base: base(t, shard), Channel: &c}
	if stored, ok := s.dropChannel(c.ID); ok {
		e.Channel = stored
	}
	return e, nil
}

func (s *State) memberUpsert(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var m kephascord.Member
	if err := decode(t, raw, &m); err != nil {
		return nil, err
	}
	if t == kephascord.EventGuildMemberAdd && m.User != nil {
		if _, ok := s.guildMembers(m.GuildID, true).Get(m.User.ID); !ok {
			s.Guilds.Update(m.GuildID, func(g *kephascord.Guild) { g.MemberCount++ })
		}
	}
	guildID := m.GuildID
	return &kephascord.MemberEvent{Base: base(t, shard), GuildID: guildID, Member: s.storeMember(guildID, &m)}, nil
}

type memberRemovePayload struct {
	GuildID string           `json:"guild_id"`
	User    *kephascord.User `json:"user"`
}

func (s *State) memberRemove(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p memberRemovePayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	e := &kephascord.MemberEvent{
		Base:    base(t, shard),
		GuildID: p.GuildID,
		Member:  &kephascord.Member{User: p.User, GuildID: p.GuildID},
	}
	if p.User == nil {
		return e, nil
	}
	if c := s.guildMembers(p.GuildID, false); c != nil {
		if m, ok := c.Remove(p.User.ID); ok {
			e.Member = m
			s.Guilds.Update(p.GuildID, func(g *kephascord.Guild) { g.MemberCount = max(g.MemberCount-1, 0) })
		}
	}
	return e, nil
}

type membersChunkPayload struct {
	GuildID string               `json:"guild_id"`
	Members []*kephascord.Member `json:"members"`
}

func (s *State) membersChunk(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p membersChunkPayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	stored := make([]*kephascord.Member, 0, len(p.Members))
	for _, m := range p.Members {
		stored = append(stored, s.storeMember(p.GuildID, m))
	}
	return &kephascord.MembersChunkEvent{Base: base(t, shard), GuildID: p.GuildID, Members: stored}, nil
}

type rolePayload struct {
	GuildID string           `json:"guild_id"`
	Role    *kephascord.Role `json:"role"`
	RoleID  string           `json:"role_id"`
}

func (s *State) roleUpsert(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p rolePayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	if p.Role == nil {
		return nil, &kephascord.ProtocolError{Op: kephascord.OpDispatch, Reason: kephascord.ErrMsgMalformedFrame + ": " + t.String()}
	}
	p.Role.GuildID = p.GuildID
	return &kephascord.RoleEvent{Base: base(t, shard), GuildID: p.GuildID, Role: s.Roles.Add(p.Role)}, nil
}

func (s *State) roleDelete(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p rolePayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	role, ok := s.Roles.Remove(p.RoleID)
	if !ok {
		role = &kephascord.Role{ID: p.RoleID, GuildID: p.GuildID}
	}
	return &kephascord.RoleEvent{Base: base(t, shard), GuildID: p.GuildID, Role: role}, nil
}

func (s *State) messageCreate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var m kephascord.Message
	if err := decode(t, raw, &m); err != nil {
		return nil, err
	}
	return &kephascord.MessageEvent{Base: base(t, shard), Message: s.StoreMessage(&m)}, nil
}

type messageRef struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// messageUpdate overlays the partial payload onto the cached message so
// fields the update omits keep their values. Uncached messages are not
// added to the history.
func (s *State) messageUpdate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var ref messageRef
	if err := decode(t, raw, &ref); err != nil {
		return nil, err
	}
	e := &kephascord.MessageEvent{Base: base(t, shard)}

	history := s.channelMessages(ref.ChannelID, false)
	var m kephascord.Message
	if history != nil {
		history.View(ref.ID, func(stored *kephascord.Message) { m = *stored })
	}
	author := m.Author
	m.Author = nil
	if err := decode(t, raw, &m); err != nil {
		return nil, err
	}
	if m.Author == nil {
		m.Author = author
	} else {
		m.Author = s.storeUser(m.Author)
	}

	e.Message = &m
	if history != nil {
		if _, ok := history.Get(m.ID); ok {
			e.Message = history.Add(&m)
		}
	}
	return e, nil
}

type messageDeletePayload struct {
	ID        string   `json:"id"`
	IDs       []string `json:"ids"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id"`
}

// messageDelete handles single and bulk deletes; a single delete carries
// "id", a bulk delete "ids".
func (s *State) messageDelete(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p messageDeletePayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	ids := p.IDs
	if t == kephascord.EventMessageDelete {
		ids = []string{p.ID}
	}

	e := &kephascord.MessageDeleteEvent{Base: base(t, shard), ChannelID: p.ChannelID, GuildID: p.GuildID, IDs: ids}
	if history := s.channelMessages(p.ChannelID, false); history != nil {
		for _, id := range ids {
			if m, ok := history.Remove(id); ok {
				e.Cached = append(e.Cached, m)
			}
		}
	}
	return e, nil
}

type presencePayload struct {
	User    *kephascord.User `json:"user"`
	GuildID string           `json:"guild_id"`
	Status  string           `json:"status"`
}

func (s *State) presenceUpdate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p presencePayload
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	e := &kephascord.PresenceEvent{Base: base(t, shard), GuildID: p.GuildID, Status: p.Status}
	if p.User != nil {
		e.UserID = p.User.ID
		// Presence updates carry a partial user; only a full one replaces the cached copy.
		if p.User.Username != "" {
			s.storeUser(p.User)
		}
	}
	return e, nil
}

func (s *State) userUpdate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var u kephascord.User
	if err := decode(t, raw, &u); err != nil {
		return nil, err
	}
	id := u.ID
	stored := s.storeUser(&u)
	if id == s.SelfID() {
		s.self.Store(stored)
	}
	return &kephascord.UserEvent{Base: base(t, shard), User: stored}, nil
}

// voiceStateUpdate keeps guild voice states; an empty channel means the user
// left voice. Group call states are passed through without caching.
func (s *State) voiceStateUpdate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var v kephascord.VoiceState
	if err := decode(t, raw, &v); err != nil {
		return nil, err
	}
	e := &kephascord.VoiceStateEvent{Base: base(t, shard), State: &v}
	if v.GuildID == "" {
		return e, nil
	}
	if v.ChannelID == "" {
		if c := s.guildVoice(v.GuildID, false); c != nil {
			c.Remove(v.UserID)
		}
		return e, nil
	}
	e.State = s.guildVoice(v.GuildID, true).Add(&v)
	return e, nil
}

func (s *State) voiceServerUpdate(t kephascord.EventType, shard int, raw []byte) (kephascord.Event, error) {
	var p protocol.VoiceServerUpdate
	if err := decode(t, raw, &p); err != nil {
		return nil, err
	}
	e := &kephascord.VoiceServerEvent{Base: base(t, shard), GuildID: p.GuildID, Token: p.Token}
	if p.Endpoint != nil {
		e.Endpoint = *p.Endpoint
	}
	return e, nil
}
