package gatewaytest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
	"github.com/luciancaetano/kephascord/internal/websocket"
)

// VoiceSSRC is the SSRC the fake voice gateway assigns.
const VoiceSSRC = 4242

// Voice is a fake voice gateway. Endpoint has no scheme, like the endpoint
// field of VOICE_SERVER_UPDATE; Scheme must be prepended when dialing.
type Voice struct {
	Endpoint string
	Scheme   string

	srv        *websocket.Server
	http       *httptest.Server
	interval   time.Duration
	identifies atomic.Int64
	reject     atomic.Bool
	recv       *Gateway
}

// NewVoice starts a voice gateway.
func NewVoice(t testing.TB, interval time.Duration) *Voice {
	t.Helper()

	v := &Voice{interval: interval, Scheme: "ws://", recv: &Gateway{
		frames: make(map[int]chan Received),
		counts: make(map[int]int),
	}}

	v.srv = websocket.NewServer(&websocket.ServerConfig{
		OnConnect: func(c *websocket.Conn) {
			c.SendPriority(context.Background(), kephascord.VoiceOpHello, protocol.Hello{
				HeartbeatInterval: float64(v.interval) / float64(time.Millisecond),
			})
		},
	})
	v.srv.Handle(kephascord.VoiceOpIdentify, v.onIdentify)
	v.srv.Handle(kephascord.VoiceOpHeartbeat, func(c *websocket.Conn, f *protocol.Frame) {
		v.recv.record(c, f)
		c.SendPriority(context.Background(), kephascord.VoiceOpHeartbeatACK, f.D)
	})
	v.srv.Handle(kephascord.VoiceOpSelectProtocol, func(c *websocket.Conn, f *protocol.Frame) {
		v.recv.record(c, f)
		var sp protocol.VoiceSelectProtocol
		protocol.Unmarshal(f.D, &sp)
		c.SendPriority(context.Background(), kephascord.VoiceOpSessionDescription, kephascord.VoiceSessionDescription{
			Mode:      sp.Data.Mode,
			SecretKey: make([]byte, 32),
		})
	})
	v.srv.Handle(kephascord.VoiceOpSpeaking, func(c *websocket.Conn, f *protocol.Frame) { v.recv.record(c, f) })

	v.http = httptest.NewServer(v.srv)
	v.Endpoint = strings.TrimPrefix(v.http.URL, "http://")
	t.Cleanup(v.Close)
	return v
}

// Close drops every client and stops the listener.
func (v *Voice) Close() {
	v.srv.CloseAll(1001, "")
	v.http.Close()
}

// Identifies returns the number of voice handshakes attempted.
func (v *Voice) Identifies() int { return int(v.identifies.Load()) }

// Reject makes the next handshakes fail with close code 4006.
func (v *Voice) Reject(reject bool) { v.reject.Store(reject) }

// CloseAll closes every voice connection with code.
func (v *Voice) CloseAll(code int) { v.srv.CloseAll(code, "") }

// Next waits for the next frame with op.
func (v *Voice) Next(t testing.TB, op int, timeout time.Duration) Received {
	t.Helper()
	return v.recv.Next(t, op, timeout)
}

func (v *Voice) onIdentify(c *websocket.Conn, f *protocol.Frame) {
	v.recv.record(c, f)
	v.identifies.Add(1)

	var id protocol.VoiceIdentify
	if err := protocol.Unmarshal(f.D, &id); err != nil || v.reject.Load() || id.Token == "" {
		c.CloseWithCode(4006, "session no longer valid")
		return
	}
	c.SendPriority(context.Background(), kephascord.VoiceOpReady, protocol.VoiceReady{
		SSRC:  VoiceSSRC,
		IP:    "127.0.0.1",
		Port:  50000,
		Modes: []string{"aead_xchacha20_poly1305_rtpsize"},
	})
}
