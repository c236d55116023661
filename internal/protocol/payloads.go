package protocol

import "github.com/luciancaetano/kephascord"

// Hello is the payload of op 10 on the gateway and op 8 on the voice gateway.
type Hello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Identify struct {
	Token          string               `json:"token"`
	Properties     IdentifyProperties   `json:"properties"`
	Compress       bool                 `json:"compress"`
	LargeThreshold int                  `json:"large_threshold"`
	Shard          [2]int               `json:"shard"`
	Intents        int                  `json:"intents"`
	Presence       *kephascord.Presence `json:"presence,omitempty"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

type Ready struct {
	Version          int                `json:"v"`
	User             *kephascord.User   `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Shard            []int              `json:"shard,omitempty"`
}

// VoiceStateUpdate is op 4. A nil ChannelID leaves the channel.
type VoiceStateUpdate struct {
	GuildID   *string `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type RequestGuildMembers struct {
	GuildID   string `json:"guild_id"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
	Presences bool   `json:"presences,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

type VoiceServerUpdate struct {
	Token    string  `json:"token"`
	GuildID  string  `json:"guild_id"`
	Endpoint *string `json:"endpoint"`
}

// Voice gateway payloads.

type VoiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type VoiceSelectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type VoiceSelectProtocol struct {
	Protocol string                  `json:"protocol"`
	Data     VoiceSelectProtocolData `json:"data"`
}

type VoiceSpeaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}
