// Package gatewaytest runs in-process gateway and voice gateway endpoints for
// exercising shards and voice connections without the network.
package gatewaytest

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
	"github.com/luciancaetano/kephascord/internal/websocket"
)

// SelfID is the user ID the fake gateway reports in READY.
const SelfID = "100000000000000001"

// Received is a frame the endpoint read from a client.
type Received struct {
	Op   int
	D    []byte
	Conn *websocket.Conn
}

// Gateway is a fake main gateway. It answers Identify with READY followed by
// one GUILD_CREATE per guild owned by the identifying shard, Resume with
// RESUMED, and acknowledges heartbeats while acks are enabled.
type Gateway struct {
	URL string

	srv      *websocket.Server
	http     *httptest.Server
	interval time.Duration
	ack      atomic.Bool
	compress atomic.Bool
	sessions atomic.Int64
	seqs     sync.Map // map[string]*atomic.Int64, per connection

	mu     sync.Mutex
	guilds []*kephascord.Guild
	frames map[int]chan Received
	counts map[int]int
}

// NewGateway starts a gateway that advertises interval as heartbeat interval.
func NewGateway(t testing.TB, interval time.Duration) *Gateway {
	t.Helper()

	g := &Gateway{
		interval: interval,
		frames:   make(map[int]chan Received),
		counts:   make(map[int]int),
	}
	g.ack.Store(true)

	g.srv = websocket.NewServer(&websocket.ServerConfig{
		OnConnect: func(c *websocket.Conn) {
			c.SendPriority(context.Background(), kephascord.OpHello, protocol.Hello{
				HeartbeatInterval: float64(g.interval) / float64(time.Millisecond),
			})
		},
	})
	g.srv.Handle(kephascord.OpHeartbeat, g.onHeartbeat)
	g.srv.Handle(kephascord.OpIdentify, g.onIdentify)
	g.srv.Handle(kephascord.OpResume, g.onResume)
	for _, op := range []int{kephascord.OpPresenceUpdate, kephascord.OpVoiceStateUpdate, kephascord.OpRequestGuildMembers} {
		g.srv.Handle(op, func(c *websocket.Conn, f *protocol.Frame) { g.record(c, f) })
	}

	g.http = httptest.NewServer(g.srv)
	g.URL = "ws" + strings.TrimPrefix(g.http.URL, "http")
	t.Cleanup(g.Close)
	return g
}

// Close drops every client and stops the listener.
func (g *Gateway) Close() {
	g.srv.CloseAll(1001, "")
	g.http.Close()
}

// SetAck enables or disables heartbeat acknowledgements.
func (g *Gateway) SetAck(ack bool) { g.ack.Store(ack) }

// SetCompress makes the gateway send zlib-compressed binary frames.
func (g *Gateway) SetCompress(compress bool) { g.compress.Store(compress) }

// SetGuilds sets the guilds delivered after READY.
func (g *Gateway) SetGuilds(guilds ...*kephascord.Guild) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guilds = guilds
}

// Handle replaces the response to op.
func (g *Gateway) Handle(op int, h websocket.HandlerFunc) {
	g.srv.Handle(op, func(c *websocket.Conn, f *protocol.Frame) {
		g.record(c, f)
		h(c, f)
	})
}

// Clients returns the open connections.
func (g *Gateway) Clients() []*websocket.Conn { return g.srv.Clients() }

// CloseAll closes every client connection with code.
func (g *Gateway) CloseAll(code int, reason string) { g.srv.CloseAll(code, reason) }

// Count returns how many frames with op were received.
func (g *Gateway) Count(op int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[op]
}

// Next waits for the next frame with op.
func (g *Gateway) Next(t testing.TB, op int, timeout time.Duration) Received {
	t.Helper()
	select {
	case r := <-g.ch(op):
		return r
	case <-time.After(timeout):
		t.Fatalf("no frame with op %d within %s", op, timeout)
		return Received{}
	}
}

// Dispatch sends a dispatch frame to c with the next sequence number.
func (g *Gateway) Dispatch(c *websocket.Conn, tag string, payload any) error {
	data, err := protocol.EncodeDispatch(g.seq(c).Add(1), tag, payload)
	if err != nil {
		return err
	}
	if g.compress.Load() {
		return c.SendRaw(context.Background(), true, deflate(data))
	}
	return c.SendRaw(context.Background(), false, data)
}

// Send sends a non-dispatch frame to c.
func (g *Gateway) Send(c *websocket.Conn, op int, payload any) error {
	return c.SendPriority(context.Background(), op, payload)
}

func (g *Gateway) seq(c *websocket.Conn) *atomic.Int64 {
	v, _ := g.seqs.LoadOrStore(c.ID(), &atomic.Int64{})
	return v.(*atomic.Int64)
}

func (g *Gateway) ch(op int) chan Received {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.frames[op]
	if !ok {
		ch = make(chan Received, 256)
		g.frames[op] = ch
	}
	return ch
}

func (g *Gateway) record(c *websocket.Conn, f *protocol.Frame) {
	ch := g.ch(f.Op)
	g.mu.Lock()
	g.counts[f.Op]++
	g.mu.Unlock()
	select {
	case ch <- Received{Op: f.Op, D: append([]byte(nil), f.D...), Conn: c}:
	default:
	}
}

func (g *Gateway) onHeartbeat(c *websocket.Conn, f *protocol.Frame) {
	g.record(c, f)
	if g.ack.Load() {
		g.Send(c, kephascord.OpHeartbeatACK, nil)
	}
}

func (g *Gateway) onIdentify(c *websocket.Conn, f *protocol.Frame) {
	g.record(c, f)

	var id protocol.Identify
	if err := protocol.Unmarshal(f.D, &id); err != nil {
		c.CloseWithCode(kephascord.CloseDecodeError, err.Error())
		return
	}
	shardID, total := id.Shard[0], max(id.Shard[1], 1)

	g.mu.Lock()
	var owned []*kephascord.Guild
	for _, guild := range g.guilds {
		if n, err := kephascord.ShardForGuild(guild.ID, total); err == nil && n == shardID {
			owned = append(owned, guild)
		}
	}
	g.mu.Unlock()

	ready := protocol.Ready{
		Version:   10,
		User:      &kephascord.User{ID: SelfID, Username: "kephascord", Bot: true},
		SessionID: fmt.Sprintf("session-%d", g.sessions.Add(1)),
		Shard:     []int{shardID, total},
	}
	for _, guild := range owned {
		ready.Guilds = append(ready.Guilds, protocol.UnavailableGuild{ID: guild.ID, Unavailable: true})
	}
	g.Dispatch(c, "READY", ready)
	for _, guild := range owned {
		g.Dispatch(c, "GUILD_CREATE", guild)
	}
}

func (g *Gateway) onResume(c *websocket.Conn, f *protocol.Frame) {
	g.record(c, f)

	var r protocol.Resume
	if err := protocol.Unmarshal(f.D, &r); err != nil {
		c.CloseWithCode(kephascord.CloseDecodeError, err.Error())
		return
	}
	g.seq(c).Store(r.Seq)
	g.Dispatch(c, "RESUMED", struct{}{})
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
