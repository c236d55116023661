package kephascord

// EventType is the closed set of events a Client emits. Gateway dispatch tags
// that have no entry map to EventUnknown.
type EventType uint8

const (
	EventUnknown EventType = iota

	// Gateway dispatch events.
	EventReady
	EventResumed
	EventGuildCreate
	EventGuildUpdate
	EventGuildDelete
	EventChannelCreate
	EventChannelUpdate
	EventChannelDelete
	EventGuildMemberAdd
	EventGuildMemberUpdate
	EventGuildMemberRemove
	EventGuildMembersChunk
	EventGuildRoleCreate
	EventGuildRoleUpdate
	EventGuildRoleDelete
	EventMessageCreate
	EventMessageUpdate
	EventMessageDelete
	EventMessageDeleteBulk
	EventPresenceUpdate
	EventUserUpdate
	EventVoiceStateUpdate
	EventVoiceServerUpdate

	// Library lifecycle events.
	EventShardReady
	EventShardResume
	EventShardDisconnect
	EventClientReady
	EventClientDisconnect

	eventTypeCount
)

var eventTags = [eventTypeCount]string{
	EventUnknown:           "UNKNOWN",
	EventReady:             "READY",
	EventResumed:           "RESUMED",
	EventGuildCreate:       "GUILD_CREATE",
	EventGuildUpdate:       "GUILD_UPDATE",
	EventGuildDelete:       "GUILD_DELETE",
	EventChannelCreate:     "CHANNEL_CREATE",
	EventChannelUpdate:     "CHANNEL_UPDATE",
	EventChannelDelete:     "CHANNEL_DELETE",
	EventGuildMemberAdd:    "GUILD_MEMBER_ADD",
	EventGuildMemberUpdate: "GUILD_MEMBER_UPDATE",
	EventGuildMemberRemove: "GUILD_MEMBER_REMOVE",
	EventGuildMembersChunk: "GUILD_MEMBERS_CHUNK",
	EventGuildRoleCreate:   "GUILD_ROLE_CREATE",
	EventGuildRoleUpdate:   "GUILD_ROLE_UPDATE",
	EventGuildRoleDelete:   "GUILD_ROLE_DELETE",
	EventMessageCreate:     "MESSAGE_CREATE",
	EventMessageUpdate:     "MESSAGE_UPDATE",
	EventMessageDelete:     "MESSAGE_DELETE",
	EventMessageDeleteBulk: "MESSAGE_DELETE_BULK",
	EventPresenceUpdate:    "PRESENCE_UPDATE",
	EventUserUpdate:        "USER_UPDATE",
	EventVoiceStateUpdate:  "VOICE_STATE_UPDATE",
	EventVoiceServerUpdate: "VOICE_SERVER_UPDATE",
	EventShardReady:        "shardReady",
	EventShardResume:       "shardResume",
	EventShardDisconnect:   "shardDisconnect",
	EventClientReady:       "ready",
	EventClientDisconnect:  "disconnect",
}

var dispatchTags = func() map[string]EventType {
	m := make(map[string]EventType, EventVoiceServerUpdate)
	for t := EventReady; t <= EventVoiceServerUpdate; t++ {
		m[eventTags[t]] = t
	}
	return m
}()

// ParseEventType maps a gateway dispatch tag to its EventType.
func ParseEventType(tag string) EventType {
	if t, ok := dispatchTags[tag]; ok {
		return t
	}
	return EventUnknown
}

func (t EventType) String() string {
	if t < eventTypeCount {
		return eventTags[t]
	}
	return eventTags[EventUnknown]
}

// Event is implemented by every value passed to a Handler.
type Event interface {
	Type() EventType
	// Shard returns the shard that produced the event, or -1 for client-level events.
	Shard() int
}

// Handler receives events. Handlers run on the emitting shard's read loop and
// must not block.
type Handler func(Event)

// Base carries the fields common to every event.
type Base struct {
	T       EventType
	ShardID int
}

func (b Base) Type() EventType { return b.T }
func (b Base) Shard() int      { return b.ShardID }

type ReadyEvent struct {
	Base
	SessionID string
	User      *User
	Guilds    int
}

type GuildEvent struct {
	Base
	Guild *Guild
}

// GuildDeleteEvent is emitted when the client leaves a guild or it becomes unavailable.
type GuildDeleteEvent struct {
	Base
	GuildID     string
	Unavailable bool
	Cached      *Guild
}

type ChannelEvent struct {
	Base
	Channel *Channel
}

type MemberEvent struct {
	Base
	GuildID string
	Member  *Member
}

type MembersChunkEvent struct {
	Base
	GuildID string
	Members []*Member
}

type RoleEvent struct {
	Base
	GuildID string
	Role    *Role
}

type MessageEvent struct {
	Base
	Message *Message
}

type MessageDeleteEvent struct {
	Base
	ChannelID string
	GuildID   string
	IDs       []string
	// Cached holds the deleted messages that were still in the message history.
	Cached []*Message
}

type PresenceEvent struct {
	Base
	GuildID string
	UserID  string
	Status  string
}

type UserEvent struct {
	Base
	User *User
}

type VoiceStateEvent struct {
	Base
	State *VoiceState
}

type VoiceServerEvent struct {
	Base
	GuildID  string
	Token    string
	Endpoint string
}

// ShardEvent reports a shard lifecycle transition. Err is set on disconnects
// caused by a failure.
type ShardEvent struct {
	Base
	Err error
}

// UnknownEvent carries a dispatch whose tag is not part of EventType.
type UnknownEvent struct {
	Base
	Name string
	Data []byte
}
