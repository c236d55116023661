package kephascord

import (
	"context"
	"time"
)

// Client is the top-level handle to a sharded gateway session and its REST
// control plane.
//
// A Client owns its shards, the connect queue that paces them, the entity
// collections they populate, and the voice connections started through it.
// Several Clients may run in one process; they share nothing.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephascord/bot"
//
//	opts := bot.DefaultOptions()
//	opts.MaxShards = 0 // ask the gateway for the recommended count
//	client, err := bot.New("Bot "+token, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.On(kephascord.EventMessageCreate, func(e kephascord.Event) {
//	    msg := e.(*kephascord.MessageEvent).Message
//	    log.Printf("%s: %s", msg.Author.Username, msg.Content)
//	})
//
//	client.Connect(ctx)
type Client interface {
	// Connect resolves the shard count, creates the shards this process runs and
	// hands them to the connect queue. It returns once every shard is queued;
	// EventClientReady is emitted when all of them finished their initial snapshot.
	//
	// Returns an error if the gateway bootstrap call fails or the client is closed.
	Connect(ctx context.Context) error

	// Disconnect closes every shard. With reconnect set, sessions are kept and
	// shards are queued for reconnection; otherwise sessions are discarded, the
	// entities owned by each shard are dropped and voice connections are left.
	//
	// Errors from individual shards are combined.
	Disconnect(ctx context.Context, reconnect bool) error

	// On registers a handler for one event type. Handlers run synchronously on
	// the goroutine that processed the frame, so all cache writes for that
	// frame are visible to them.
	On(t EventType, h Handler)

	// OnAny registers a handler for every event.
	OnAny(h Handler)

	// Shards returns a snapshot of every shard this client runs.
	Shards() []ShardInfo

	// UpdatePresence sends a presence update through every connected shard.
	UpdatePresence(ctx context.Context, p Presence) error

	// JoinVoice joins a voice channel of a guild (or a group call when guildID
	// is a group channel ID) and waits until voice signaling is ready.
	//
	// Concurrent calls for the same guild share one handshake and receive the
	// same result.
	JoinVoice(ctx context.Context, guildID, channelID string, opts VoiceJoinOptions) (VoiceConnection, error)

	// LeaveVoice leaves the voice channel of a guild and tears down signaling.
	LeaveVoice(ctx context.Context, guildID string) error

	// REST returns the rate-limited REST client bound to this client's credential.
	REST() REST

	Guilds() Collection[*Guild]
	Users() Collection[*User]
	Channels() Collection[*Channel]
	Roles() Collection[*Role]

	// Members returns the members cached for a guild. The collection is empty
	// when the guild is unknown.
	Members(guildID string) Collection[*Member]

	// Messages returns the bounded message history of a channel.
	Messages(channelID string) Collection[*Message]

	// VoiceStates returns the voice states cached for a guild.
	VoiceStates(guildID string) Collection[*VoiceState]
}

// Collection is a read view over an entity cache.
//
// Entities returned are the stored instances; they are updated in place by
// later gateway events and must be treated as read-only by callers. Reading
// their fields is only safe inside the handler turn of the shard that
// delivered them, or inside View. Find and Filter predicates run under the
// same lock as View.
type Collection[T any] interface {
	Get(id string) (T, bool)

	// View runs fn on the stored entity while updates are held off and
	// reports whether the entity exists. fn must not call back into the
	// collection.
	View(id string, fn func(T)) bool

	Find(pred func(T) bool) (T, bool)
	Filter(pred func(T) bool) []T
	Len() int
}

// REST issues requests against the control plane while honouring per-route
// buckets, the global limit and proactive request spacing.
//
// A 429 is never returned to the caller: the request waits and is retried.
// Server errors are retried a bounded number of times. Other 4xx responses
// return *APIError immediately.
type REST interface {
	// Request performs a raw request. route is relative to the REST base URL
	// (for example "/channels/123/messages"). body is JSON encoded unless file
	// is set, in which case the request is multipart with the body as payload_json.
	Request(ctx context.Context, method, route string, auth bool, body any, file *File) ([]byte, error)

	// GatewayURL returns the gateway websocket URL. The result is cached after
	// the first successful call.
	GatewayURL(ctx context.Context) (string, error)

	// GatewayBot returns the gateway URL with the recommended shard count and
	// the identify session start limits.
	GatewayBot(ctx context.Context) (*GatewayBot, error)

	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	GetGuild(ctx context.Context, guildID string) (*Guild, error)
	GetUser(ctx context.Context, userID string) (*User, error)

	CreateMessage(ctx context.Context, channelID string, msg *MessageCreate, file *File) (*Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg *MessageCreate) (*Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error

	// DeleteMessages deletes messages in batches of at most 100, spaced by the
	// configured bulk delete delay. On failure it returns *BulkError carrying
	// the number of messages deleted by the batches that succeeded; later
	// batches are not sent.
	DeleteMessages(ctx context.Context, channelID string, messageIDs []string, reason string) (int, error)
}

// GatewayBot is the response of the authenticated gateway bootstrap call.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// ShardStatus is the connection phase of a shard.
type ShardStatus int32

const (
	ShardDisconnected ShardStatus = iota
	ShardConnecting
	ShardIdentifying
	ShardResuming
	ShardConnected
)

func (s ShardStatus) String() string {
	switch s {
	case ShardConnecting:
		return "connecting"
	case ShardIdentifying:
		return "identifying"
	case ShardResuming:
		return "resuming"
	case ShardConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ShardInfo is a point-in-time view of one shard.
type ShardInfo struct {
	ID        int
	Total     int
	Status    ShardStatus
	Ready     bool
	SessionID string
	Sequence  int64
	Latency   time.Duration
}

// VoiceStatus is the phase of a voice signaling connection.
type VoiceStatus int32

const (
	VoiceIdle VoiceStatus = iota
	VoiceConnecting
	VoiceReady
	VoiceDisconnected
)

func (s VoiceStatus) String() string {
	switch s {
	case VoiceConnecting:
		return "connecting"
	case VoiceReady:
		return "ready"
	case VoiceDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

type VoiceJoinOptions struct {
	SelfMute bool
	SelfDeaf bool
}

// VoiceProtocol is sent with Select Protocol once the media layer discovered
// its external address.
type VoiceProtocol struct {
	Address string
	Port    int
	Mode    string
}

// VoiceSessionDescription is the server's answer to Select Protocol.
type VoiceSessionDescription struct {
	Mode      string `json:"mode"`
	SecretKey []byte `json:"secret_key"`
}

// VoiceConnection is the signaling half of a voice session.
type VoiceConnection interface {
	// ID uniquely identifies this connection attempt.
	ID() string

	// Key returns the target key (guild ID or group channel ID).
	Key() string

	ChannelID() string
	Status() VoiceStatus

	// SSRC, Address and Port are known once the connection is ready.
	SSRC() uint32
	Address() string
	Port() int
	Modes() []string

	// SelectProtocol tells the voice server which transport the media layer
	// will use and waits for the session description.
	SelectProtocol(ctx context.Context, p VoiceProtocol) (*VoiceSessionDescription, error)

	// Speaking toggles the speaking indicator.
	Speaking(ctx context.Context, speaking bool) error

	// Done is closed when the connection is torn down.
	Done() <-chan struct{}
}
