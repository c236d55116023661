package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/gatewaytest"
	"github.com/luciancaetano/kephascord/internal/protocol"
	"github.com/luciancaetano/kephascord/internal/websocket"
)

const waitFor = 3 * time.Second

// guildOn returns a guild ID that lands on shard out of total.
func guildOn(n, shard, total int) string {
	return strconv.FormatUint(uint64(n*total+shard)<<22, 10)
}

func testOptions(g *gatewaytest.Gateway) Options {
	opts := DefaultOptions()
	opts.GatewayURL = g.URL
	opts.IdentifySpacing = 10 * time.Millisecond
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.MaxReconnectDelay = 50 * time.Millisecond
	opts.GuildCreateTimeout = 200 * time.Millisecond
	opts.VoiceScheme = "ws://"
	opts.VoiceJoinTimeout = 2 * time.Second
	return opts
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := New("Bot test-token", opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// events forwards every event of type et to a buffered channel.
func events(s *Session, et kephascord.EventType) chan kephascord.Event {
	ch := make(chan kephascord.Event, 64)
	s.On(et, func(e kephascord.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch
}

func recv(t *testing.T, ch chan kephascord.Event) kephascord.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnectDistributesGuildsAcrossShards(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	a, b, c := guildOn(1, 0, 2), guildOn(1, 1, 2), guildOn(2, 1, 2)
	g.SetGuilds(
		&kephascord.Guild{ID: a, Name: "a"},
		&kephascord.Guild{ID: b, Name: "b"},
		&kephascord.Guild{ID: c, Name: "c"},
	)

	opts := testOptions(g)
	opts.MaxShards = 2
	s := newTestSession(t, opts)
	ready := events(s, kephascord.EventClientReady)
	shardReady := events(s, kephascord.EventShardReady)

	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	seen := map[int]bool{}
	for range 2 {
		seen[recv(t, shardReady).(*kephascord.ShardEvent).ShardID] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, seen)

	for id, shard := range map[string]int{a: 0, b: 1, c: 1} {
		guild, ok := s.Guilds().Get(id)
		require.True(t, ok, id)
		assert.Equal(t, shard, guild.ShardID, id)
	}
	assert.Equal(t, gatewaytest.SelfID, s.selfID())

	infos := s.Shards()
	require.Len(t, infos, 2)
	for i, info := range infos {
		assert.Equal(t, i, info.ID)
		assert.Equal(t, 2, info.Total)
		assert.Equal(t, kephascord.ShardConnected, info.Status)
		assert.True(t, info.Ready)
	}

	sh, err := s.ShardFor(c)
	require.NoError(t, err)
	assert.Equal(t, 1, sh.ID())
}

func TestConnectAsksForShardCount(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"` + g.URL + `","shards":2}`))
	}))
	t.Cleanup(api.Close)

	opts := testOptions(g)
	opts.GatewayURL = ""
	opts.RESTBaseURL = api.URL
	opts.MaxShards = 0
	s := newTestSession(t, opts)
	ready := events(s, kephascord.EventClientReady)

	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	assert.Len(t, s.Shards(), 2)
	assert.Equal(t, 2, g.Count(kephascord.OpIdentify))
}

func TestConnectRunsShardRange(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	own, other := guildOn(1, 2, 4), guildOn(1, 0, 4)
	g.SetGuilds(&kephascord.Guild{ID: own}, &kephascord.Guild{ID: other})

	opts := testOptions(g)
	opts.MaxShards = 4
	opts.FirstShardID = 2
	opts.LastShardID = 3
	s := newTestSession(t, opts)
	ready := events(s, kephascord.EventClientReady)

	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	infos := s.Shards()
	require.Len(t, infos, 2)
	assert.Equal(t, 2, infos[0].ID)
	assert.Equal(t, 3, infos[1].ID)

	_, ok := s.Guilds().Get(own)
	assert.True(t, ok)
	_, ok = s.Guilds().Get(other)
	assert.False(t, ok)

	_, err := s.ShardFor(other)
	assert.ErrorIs(t, err, kephascord.ErrNoShardForGuild)
}

func TestHandlersSeeCacheWrites(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	guild := guildOn(1, 0, 1)
	g.SetGuilds(&kephascord.Guild{ID: guild, Channels: []*kephascord.Channel{{ID: "500", Name: "general"}}})

	s := newTestSession(t, testOptions(g))
	ready := events(s, kephascord.EventClientReady)

	cached := make(chan bool, 1)
	s.On(kephascord.EventMessageCreate, func(e kephascord.Event) {
		msg := e.(*kephascord.MessageEvent).Message
		_, inHistory := s.Messages(msg.ChannelID).Get(msg.ID)
		ch, _ := s.Channels().Get(msg.ChannelID)
		cached <- inHistory && ch.LastMessageID == msg.ID
	})

	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	require.NoError(t, g.Dispatch(g.Clients()[0], "MESSAGE_CREATE", kephascord.Message{
		ID:        "600",
		ChannelID: "500",
		GuildID:   guild,
		Author:    &kephascord.User{ID: "700", Username: "someone"},
		Content:   "hello",
	}))

	select {
	case ok := <-cached:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("MESSAGE_CREATE was not delivered")
	}
	_, ok := s.Users().Get("700")
	assert.True(t, ok)
}

func TestDisconnect(t *testing.T) {
	t.Run("teardown drops entities", func(t *testing.T) {
		g := gatewaytest.NewGateway(t, time.Second)
		guild := guildOn(1, 0, 1)
		g.SetGuilds(&kephascord.Guild{ID: guild, Roles: []*kephascord.Role{{ID: "800", Name: "admin"}}})

		s := newTestSession(t, testOptions(g))
		ready := events(s, kephascord.EventClientReady)
		gone := events(s, kephascord.EventClientDisconnect)

		require.NoError(t, s.Connect(context.Background()))
		recv(t, ready)
		require.Equal(t, 1, s.Guilds().Len())
		require.Equal(t, 1, s.Roles().Len())

		require.NoError(t, s.Disconnect(context.Background(), false))
		recv(t, gone)

		assert.Equal(t, 0, s.Guilds().Len())
		assert.Equal(t, 0, s.Roles().Len())
		assert.Equal(t, kephascord.ShardDisconnected, s.Shards()[0].Status)
		assert.Empty(t, s.Shards()[0].SessionID)

		// A later Connect starts a fresh session.
		require.NoError(t, s.Connect(context.Background()))
		recv(t, ready)
		assert.Equal(t, 2, g.Count(kephascord.OpIdentify))
		assert.Equal(t, 1, s.Guilds().Len())
	})

	t.Run("reconnect resumes", func(t *testing.T) {
		g := gatewaytest.NewGateway(t, time.Second)
		g.SetGuilds(&kephascord.Guild{ID: guildOn(1, 0, 1)})

		s := newTestSession(t, testOptions(g))
		ready := events(s, kephascord.EventClientReady)
		resumed := events(s, kephascord.EventShardResume)

		require.NoError(t, s.Connect(context.Background()))
		recv(t, ready)

		require.NoError(t, s.Disconnect(context.Background(), true))
		recv(t, resumed)

		assert.Equal(t, 1, g.Count(kephascord.OpIdentify))
		assert.Equal(t, 1, g.Count(kephascord.OpResume))
		assert.Equal(t, 1, s.Guilds().Len())
	})
}

func TestJoinVoiceThroughGateway(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	v := gatewaytest.NewVoice(t, time.Second)
	guild := guildOn(1, 0, 1)
	g.SetGuilds(&kephascord.Guild{ID: guild})

	g.Handle(kephascord.OpVoiceStateUpdate, func(c *websocket.Conn, f *protocol.Frame) {
		var u protocol.VoiceStateUpdate
		if err := protocol.Unmarshal(f.D, &u); err != nil || u.ChannelID == nil {
			return
		}
		endpoint := v.Endpoint
		g.Dispatch(c, "VOICE_STATE_UPDATE", kephascord.VoiceState{
			GuildID:   *u.GuildID,
			ChannelID: *u.ChannelID,
			UserID:    gatewaytest.SelfID,
			SessionID: "voice-session",
		})
		g.Dispatch(c, "VOICE_SERVER_UPDATE", protocol.VoiceServerUpdate{
			Token:    "voice-token",
			GuildID:  *u.GuildID,
			Endpoint: &endpoint,
		})
	})

	s := newTestSession(t, testOptions(g))
	ready := events(s, kephascord.EventClientReady)
	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	vc, err := s.JoinVoice(context.Background(), guild, "900", kephascord.VoiceJoinOptions{SelfDeaf: true})
	require.NoError(t, err)
	assert.Equal(t, kephascord.VoiceReady, vc.Status())
	assert.Equal(t, "900", vc.ChannelID())
	assert.Equal(t, uint32(gatewaytest.VoiceSSRC), vc.SSRC())
	assert.Equal(t, 1, v.Identifies())

	states := s.VoiceStates(guild)
	state, ok := states.Get(gatewaytest.SelfID)
	require.True(t, ok)
	assert.Equal(t, "900", state.ChannelID)

	join := g.Next(t, kephascord.OpVoiceStateUpdate, waitFor)
	assert.JSONEq(t, `{"guild_id":"`+guild+`","channel_id":"900","self_mute":false,"self_deaf":true}`, string(join.D))

	require.NoError(t, s.LeaveVoice(context.Background(), guild))
	select {
	case <-vc.Done():
	case <-time.After(waitFor):
		t.Fatal("voice connection still open after leave")
	}
	leave := g.Next(t, kephascord.OpVoiceStateUpdate, waitFor)
	assert.JSONEq(t, `{"guild_id":"`+guild+`","channel_id":null,"self_mute":false,"self_deaf":false}`, string(leave.D))
}

func TestJoinVoiceUnknownShard(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	opts := testOptions(g)
	opts.MaxShards = 2
	opts.LastShardID = 0
	s := newTestSession(t, opts)
	ready := events(s, kephascord.EventClientReady)
	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	vc, err := s.JoinVoice(context.Background(), guildOn(1, 1, 2), "900", kephascord.VoiceJoinOptions{})
	assert.ErrorIs(t, err, kephascord.ErrNoShardForGuild)
	assert.Nil(t, vc)
}

func TestSessionsAreIndependent(t *testing.T) {
	g1 := gatewaytest.NewGateway(t, time.Second)
	g2 := gatewaytest.NewGateway(t, time.Second)
	g1.SetGuilds(&kephascord.Guild{ID: guildOn(1, 0, 1)})
	g2.SetGuilds(&kephascord.Guild{ID: guildOn(2, 0, 1)}, &kephascord.Guild{ID: guildOn(3, 0, 1)})

	reg := prometheus.NewRegistry()
	opts1 := testOptions(g1)
	opts1.MetricsRegisterer = reg
	s1 := newTestSession(t, opts1)
	s2 := newTestSession(t, testOptions(g2))

	r1, r2 := events(s1, kephascord.EventClientReady), events(s2, kephascord.EventClientReady)
	require.NoError(t, s1.Connect(context.Background()))
	require.NoError(t, s2.Connect(context.Background()))
	recv(t, r1)
	recv(t, r2)

	assert.Equal(t, 1, s1.Guilds().Len())
	assert.Equal(t, 2, s2.Guilds().Len())

	require.NoError(t, s1.Close(context.Background()))
	assert.Equal(t, 2, s2.Guilds().Len())
	assert.ErrorIs(t, s1.Connect(context.Background()), kephascord.ErrClientClosed)
}

func TestUpdatePresence(t *testing.T) {
	g := gatewaytest.NewGateway(t, time.Second)
	opts := testOptions(g)
	opts.MaxShards = 2
	s := newTestSession(t, opts)
	ready := events(s, kephascord.EventClientReady)
	require.NoError(t, s.Connect(context.Background()))
	recv(t, ready)

	require.NoError(t, s.UpdatePresence(context.Background(), kephascord.Presence{Status: "idle"}))
	for range 2 {
		r := g.Next(t, kephascord.OpPresenceUpdate, waitFor)
		assert.Contains(t, string(r.D), `"idle"`)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Options)
		ok   bool
	}{
		{"defaults", func(*Options) {}, true},
		{"shard range", func(o *Options) { o.MaxShards, o.FirstShardID, o.LastShardID = 4, 1, 2 }, true},
		{"auto shard count", func(o *Options) { o.MaxShards = 0 }, true},
		{"negative max shards", func(o *Options) { o.MaxShards = -1 }, false},
		{"negative first shard", func(o *Options) { o.FirstShardID = -1 }, false},
		{"last before first", func(o *Options) { o.MaxShards, o.FirstShardID, o.LastShardID = 4, 2, 1 }, false},
		{"first out of range", func(o *Options) { o.MaxShards, o.FirstShardID = 2, 2 }, false},
		{"last out of range", func(o *Options) { o.MaxShards, o.LastShardID = 2, 2 }, false},
		{"large threshold too small", func(o *Options) { o.LargeThreshold = 49 }, false},
		{"large threshold too big", func(o *Options) { o.LargeThreshold = 251 }, false},
		{"negative message limit", func(o *Options) { o.MessageLimit = -1 }, false},
		{"negative duration", func(o *Options) { o.ResumeWindow = -time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mod(&opts)
			err := opts.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, kephascord.ErrInvalidOptions), err)

			_, err = New("Bot test-token", opts)
			assert.ErrorIs(t, err, kephascord.ErrInvalidOptions)
		})
	}
}
