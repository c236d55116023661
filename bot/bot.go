package bot

import (
	"github.com/luciancaetano/kephascord/internal/session"
)

// Options configures a client. Start from DefaultOptions and override fields.
type Options = session.Options

// Client is the concrete client returned by New. It implements
// kephascord.Client and adds Close for permanent shutdown.
type Client = session.Session

// New creates a disconnected client for token.
//
// Parameters:
//   - token: The credential sent verbatim in Identify and in the Authorization
//     header of REST requests (e.g., "Bot abc123")
//   - opts: Client options. Use DefaultOptions() and override what you need.
//     The options are validated; the error wraps kephascord.ErrInvalidOptions.
//
// Example:
//
//	opts := bot.DefaultOptions()
//	opts.Intents = kephascord.IntentsDefault | kephascord.IntentMessageContent
//	client, err := bot.New("Bot "+token, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	client.On(kephascord.EventClientReady, func(kephascord.Event) {
//	    log.Printf("ready with %d guilds", client.Guilds().Len())
//	})
//	client.Connect(ctx)
func New(token string, opts Options) (*Client, error) {
	return session.New(token, opts)
}

// DefaultOptions returns options for a single-shard client with automatic
// reconnection, a 100-message history per channel and the default intents.
func DefaultOptions() Options {
	return session.DefaultOptions()
}
