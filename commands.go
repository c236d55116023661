package kephascord

// Gateway opcodes consumed and produced by a shard.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Voice gateway opcodes used by the signaling connection.
const (
	VoiceOpIdentify           = 0
	VoiceOpSelectProtocol     = 1
	VoiceOpReady              = 2
	VoiceOpHeartbeat          = 3
	VoiceOpSessionDescription = 4
	VoiceOpSpeaking           = 5
	VoiceOpHeartbeatACK       = 6
	VoiceOpResume             = 7
	VoiceOpHello              = 8
	VoiceOpResumed            = 9
)

// Gateway close codes that change reconnect behaviour.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014

	// CloseResumable is sent by the client when it wants the server to keep the session.
	CloseResumable = 4901
)

// Gateway intents.
const (
	IntentGuilds           = 1 << 0
	IntentGuildMembers     = 1 << 1
	IntentGuildVoiceStates = 1 << 7
	IntentGuildPresences   = 1 << 8
	IntentGuildMessages    = 1 << 9
	IntentDirectMessages   = 1 << 12
	IntentMessageContent   = 1 << 15
	IntentsDefault         = IntentGuilds | IntentGuildMessages | IntentGuildVoiceStates | IntentDirectMessages
)

// REST rate limit headers.
const (
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter = "X-RateLimit-Reset-After"
	HeaderRateLimitGlobal     = "X-RateLimit-Global"
	HeaderRateLimitScope      = "X-RateLimit-Scope"
	HeaderRetryAfter          = "Retry-After"
	HeaderAuditLogReason      = "X-Audit-Log-Reason"
)

// Standard error messages
const (
	// Protocol errors
	ErrMsgMalformedFrame   = "malformed gateway frame"
	ErrMsgUnexpectedOpcode = "unexpected opcode"
	ErrMsgDecompress       = "failed to decompress frame"

	// Connection errors
	ErrMsgConnectionClosed   = "connection is closed"
	ErrMsgHeartbeatNotAcked  = "heartbeat not acknowledged"
	ErrMsgConnectionTimeout  = "connection timed out"
	ErrMsgNotDisconnected    = "shard is not disconnected"
	ErrMsgClientClosed       = "client is closed"
	ErrMsgNoShardForGuild    = "no shard owns guild"
	ErrMsgRetriesExhausted   = "request retries exhausted"
	ErrMsgVoiceJoinTimeout   = "voice join timed out"
	ErrMsgInvalidOptions     = "invalid options"
	ErrMsgFailedToEncode     = "failed to encode frame"
	ErrMsgAuthenticationFail = "authentication failed"
)

// Version is reported in the REST User-Agent.
const Version = "0.1.0"
