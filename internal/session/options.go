package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
)

// Options configures a Session. Start from DefaultOptions.
type Options struct {
	AutoReconnect bool
	Compress      bool

	// ConnectionTimeout is the handshake deadline from admission to READY or RESUMED.
	ConnectionTimeout time.Duration

	// FirstShardID and LastShardID select the shards this process runs out of
	// MaxShards. LastShardID -1 means MaxShards-1. MaxShards 0 asks the
	// gateway for the recommended count.
	FirstShardID int
	LastShardID  int
	MaxShards    int

	LargeThreshold int

	// MessageLimit caps the message history kept per channel. Zero disables it.
	MessageLimit int

	// SequencerWait is the minimum spacing between REST requests.
	SequencerWait time.Duration

	// GuildCreateTimeout bounds the wait for the initial guild snapshot.
	GuildCreateTimeout time.Duration

	GetAllUsers   bool
	DisableEvents map[string]bool
	Intents       int
	Presence      *kephascord.Presence

	// IdentifySpacing is the minimum spacing between two shard admissions.
	IdentifySpacing time.Duration

	BulkDeleteDelay  time.Duration
	RESTRetries      int
	RESTRetryBackoff time.Duration

	ResumeWindow      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	VoiceJoinTimeout time.Duration
	// VoiceScheme is prepended to voice server endpoints.
	VoiceScheme string

	RESTBaseURL string
	// GatewayURL is used verbatim instead of the REST bootstrap when set.
	GatewayURL string
	HTTPClient *http.Client

	Logger            *zap.Logger
	MetricsRegisterer prometheus.Registerer
}

func DefaultOptions() Options {
	return Options{
		AutoReconnect:      true,
		ConnectionTimeout:  30 * time.Second,
		LastShardID:        -1,
		MaxShards:          1,
		LargeThreshold:     250,
		MessageLimit:       100,
		SequencerWait:      200 * time.Millisecond,
		GuildCreateTimeout: 2 * time.Second,
		Intents:            kephascord.IntentsDefault,
		IdentifySpacing:    5500 * time.Millisecond,
		BulkDeleteDelay:    time.Second,
		RESTRetries:        3,
		RESTRetryBackoff:   500 * time.Millisecond,
		ResumeWindow:       2 * time.Minute,
		ReconnectDelay:     time.Second,
		MaxReconnectDelay:  30 * time.Second,
		VoiceJoinTimeout:   10 * time.Second,
		VoiceScheme:        "wss://",
		RESTBaseURL:        "https://discord.com/api/v10",
		HTTPClient:         &http.Client{Timeout: 15 * time.Second},
	}
}

// Validate reports the first inconsistent option. The error wraps
// ErrInvalidOptions.
func (o Options) Validate() error {
	switch {
	case o.MaxShards < 0:
		return invalid("MaxShards must not be negative")
	case o.FirstShardID < 0:
		return invalid("FirstShardID must not be negative")
	case o.LastShardID >= 0 && o.LastShardID < o.FirstShardID:
		return invalid("LastShardID %d is before FirstShardID %d", o.LastShardID, o.FirstShardID)
	case o.MaxShards > 0 && o.FirstShardID >= o.MaxShards:
		return invalid("FirstShardID %d is out of range for %d shards", o.FirstShardID, o.MaxShards)
	case o.MaxShards > 0 && o.LastShardID >= o.MaxShards:
		return invalid("LastShardID %d is out of range for %d shards", o.LastShardID, o.MaxShards)
	case o.MessageLimit < 0:
		return invalid("MessageLimit must not be negative")
	case o.LargeThreshold < 50 || o.LargeThreshold > 250:
		return invalid("LargeThreshold must be between 50 and 250")
	case o.RESTRetries < 0:
		return invalid("RESTRetries must not be negative")
	case o.ConnectionTimeout < 0, o.GuildCreateTimeout < 0, o.SequencerWait < 0,
		o.IdentifySpacing < 0, o.BulkDeleteDelay < 0, o.RESTRetryBackoff < 0,
		o.ResumeWindow < 0, o.ReconnectDelay < 0, o.MaxReconnectDelay < 0, o.VoiceJoinTimeout < 0:
		return invalid("durations must not be negative")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kephascord.ErrInvalidOptions}, args...)...)
}
