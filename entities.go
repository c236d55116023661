package kephascord

import (
	"io"
	"strconv"
	"time"
)

// Entities are plain data holders. They reference related entities by ID only;
// the owning Client's collections resolve those IDs on demand.

// User is a gateway or REST user object.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	GlobalName    string `json:"global_name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
}

func (u *User) Key() string { return u.ID }

func (u *User) Merge(o *User) { *u = *o }

// Guild is a guild as seen by the shard that owns it.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	OwnerID     string `json:"owner_id"`
	MemberCount int    `json:"member_count,omitempty"`
	Large       bool   `json:"large,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`

	// Populated only on GUILD_CREATE; the state layer moves them into their
	// own collections and clears these slices.
	Channels    []*Channel    `json:"channels,omitempty"`
	Members     []*Member     `json:"members,omitempty"`
	Roles       []*Role       `json:"roles,omitempty"`
	VoiceStates []*VoiceState `json:"voice_states,omitempty"`

	ShardID  int       `json:"-"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

func (g *Guild) Key() string { return g.ID }

func (g *Guild) Merge(o *Guild) { *g = *o }

// Channel types.
const (
	ChannelTypeGuildText  = 0
	ChannelTypeDM         = 1
	ChannelTypeGuildVoice = 2
	ChannelTypeGroupDM    = 3
	ChannelTypeCategory   = 4
)

type Channel struct {
	ID            string  `json:"id"`
	Type          int     `json:"type"`
	GuildID       string  `json:"guild_id,omitempty"`
	Name          string  `json:"name,omitempty"`
	Topic         string  `json:"topic,omitempty"`
	Position      int     `json:"position,omitempty"`
	ParentID      string  `json:"parent_id,omitempty"`
	LastMessageID string  `json:"last_message_id,omitempty"`
	Recipients    []*User `json:"recipients,omitempty"`
}

func (c *Channel) Key() string { return c.ID }

func (c *Channel) Merge(o *Channel) {
	guild := c.GuildID
	*c = *o
	if c.GuildID == "" {
		c.GuildID = guild
	}
}

// Member is a user's membership in one guild. Its key is the user ID; members
// are stored in a per-guild collection.
type Member struct {
	User     *User     `json:"user"`
	GuildID  string    `json:"guild_id,omitempty"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []string  `json:"roles"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
	Deaf     bool      `json:"deaf,omitempty"`
	Mute     bool      `json:"mute,omitempty"`
}

func (m *Member) Key() string {
	if m.User == nil {
		return ""
	}
	return m.User.ID
}

func (m *Member) Merge(o *Member) {
	guild := m.GuildID
	*m = *o
	if m.GuildID == "" {
		m.GuildID = guild
	}
}

type Role struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id,omitempty"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
	Hoist       bool   `json:"hoist,omitempty"`
	Mentionable bool   `json:"mentionable,omitempty"`
}

func (r *Role) Key() string { return r.ID }

func (r *Role) Merge(o *Role) {
	guild := r.GuildID
	*r = *o
	if r.GuildID == "" {
		r.GuildID = guild
	}
}

type Message struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	GuildID         string     `json:"guild_id,omitempty"`
	Author          *User      `json:"author,omitempty"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp,omitempty"`
	EditedTimestamp *time.Time `json:"edited_timestamp,omitempty"`
	Pinned          bool       `json:"pinned,omitempty"`
	Type            int        `json:"type,omitempty"`
}

func (m *Message) Key() string { return m.ID }

func (m *Message) Merge(o *Message) { *m = *o }

// VoiceState is keyed by user ID inside a per-guild collection.
type VoiceState struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Deaf      bool   `json:"deaf,omitempty"`
	Mute      bool   `json:"mute,omitempty"`
	SelfDeaf  bool   `json:"self_deaf,omitempty"`
	SelfMute  bool   `json:"self_mute,omitempty"`
}

func (v *VoiceState) Key() string { return v.UserID }

func (v *VoiceState) Merge(o *VoiceState) { *v = *o }

// File is an attachment uploaded with a multipart REST request.
type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// MessageCreate is the body of a create or edit message request.
type MessageCreate struct {
	Content string `json:"content,omitempty"`
	TTS     bool   `json:"tts,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// Activity is the presence activity sent with a presence update.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Presence is the payload of a presence update (op 3).
type Presence struct {
	Since      *int64      `json:"since"`
	Activities []*Activity `json:"activities"`
	Status     string      `json:"status"`
	AFK        bool        `json:"afk"`
}

// SnowflakeTime returns the creation time encoded in a snowflake ID.
func SnowflakeTime(id string) (time.Time, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	const epoch = 1420070400000
	return time.UnixMilli(int64(n>>22) + epoch), nil
}

// ShardForGuild returns the shard index that receives events for guildID.
func ShardForGuild(guildID string, total int) (int, error) {
	if total <= 0 {
		return 0, ErrNoShardForGuild
	}
	n, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, err
	}
	return int((n >> 22) % uint64(total)), nil
}
