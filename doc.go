// Package kephascord provides a sharded client for a chat platform's real-time
// gateway and its rate-limited REST API.
//
// A client runs one or more shards, each a websocket session that receives a
// slice of the guilds the bot is in. Dispatched events are applied to in-memory
// entity caches and then delivered to registered handlers. A single REST
// handler serves every request of the client, honouring per-route buckets and
// the global rate limit.
//
// # Architecture
//
// Shards never identify at the same time: every connect attempt goes through a
// shared queue that admits one shard at a time and spaces admissions by the
// identify interval. A shard keeps its session across connection losses and
// resumes when it can, so no events are replayed or lost.
//
// Voice support covers signaling only. JoinVoice performs the voice state
// update, waits for the paired server and state updates, and completes the
// voice gateway handshake. Audio transport is left to the caller.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephascord"
//	    "github.com/luciancaetano/kephascord/bot"
//	)
//
//	opts := bot.DefaultOptions()
//	opts.MaxShards = 0 // ask the gateway for the recommended shard count
//	client, err := bot.New("Bot "+token, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	client.On(kephascord.EventMessageCreate, func(e kephascord.Event) {
//	    msg := e.(*kephascord.MessageEvent).Message
//	    if msg.Content == "!ping" {
//	        go client.REST().CreateMessage(ctx, msg.ChannelID, &kephascord.MessageCreate{Content: "pong"}, nil)
//	    }
//	})
//
//	client.Connect(ctx)
//
// # Events
//
// Handlers run synchronously on the shard goroutine that read the frame, after
// the frame was applied to the caches. A handler that blocks stalls its shard;
// long work such as REST calls belongs in its own goroutine.
//
// Client-level events are emitted with ShardID -1:
//
//	EventClientReady       every shard of this process delivered its snapshot
//	EventClientDisconnect  the last connected shard went down
//
// # Caches
//
// Guilds, users, channels and roles are process-wide. Members and voice states
// are kept per guild, message history per channel, bounded by
// Options.MessageLimit (oldest evicted first). Entities are the stored
// instances and are updated in place; treat them as read-only. Their fields
// are stable inside the handler of the shard that delivered them; elsewhere,
// read them through Collection.View.
//
// # Rate Limiting
//
// Outgoing gateway frames are limited to 120 per 60 seconds per shard;
// heartbeats bypass the limiter. REST requests are spaced by
// Options.SequencerWait and queued per bucket:
//
//	opts := bot.DefaultOptions()
//	opts.SequencerWait = 100 * time.Millisecond
//	opts.RESTRetries = 5
//
// A 429 is never surfaced: the request waits for the reset and is retried.
//
// # Errors
//
// Failures are typed. Use errors.As with *TransportError, *ProtocolError,
// *RateLimitError, *APIError, *AuthError and *BulkError, or errors.Is with the
// sentinel values such as ErrClientClosed and ErrVoiceJoinTimeout.
//
// # Important
//
//   - One client per credential: the identify limit is shared by all its shards
//   - Several clients with different credentials may run in one process
//   - Close the client to stop its shards, voice connections and REST workers
package kephascord
