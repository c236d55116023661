package websocket

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
)

func newTestServer(t *testing.T, cfg *ServerConfig) (*Server, string) {
	t.Helper()
	s := NewServer(cfg)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.CloseAll(1000, "")
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// TestGatewayRateLimit tests the outgoing gateway limit configuration
func TestGatewayRateLimit(t *testing.T) {
	t.Parallel()

	config := GatewayRateLimit()
	if !config.Enabled {
		t.Fatal("expected rate limiting to be enabled")
	}
	if config.Burst != 120 {
		t.Errorf("Burst = %d, want 120", config.Burst)
	}
	if config.Limit != rate.Every(500*time.Millisecond) {
		t.Errorf("Limit = %v, want one frame per 500ms", config.Limit)
	}

	if NoRateLimit().Enabled {
		t.Error("NoRateLimit() should be disabled")
	}
}

// TestConnRoundTrip tests frames sent by a client reach the handler in order
func TestConnRoundTrip(t *testing.T) {
	t.Parallel()

	got := make(chan int, 3)
	s, url := newTestServer(t, &ServerConfig{})
	s.Handle(1, func(c *Conn, f *protocol.Frame) {
		var seq int
		protocol.Unmarshal(f.D, &seq)
		got <- seq
		c.SendPriority(context.Background(), 11, nil)
	})

	c, err := Dial(context.Background(), url, GatewayRateLimit())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	for i := 1; i <= 3; i++ {
		if err := c.Send(context.Background(), 1, i); err != nil {
			t.Fatalf("Send() failed: %v", err)
		}
	}

	for want := 1; want <= 3; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Errorf("handler got %d, want %d", seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}

		f, err := c.Read()
		if err != nil {
			t.Fatalf("Read() failed: %v", err)
		}
		if f.Op != 11 {
			t.Errorf("Read() op = %d, want 11", f.Op)
		}
	}
}

// TestConnInflatesBinaryFrames tests that binary messages are zlib-decompressed
func TestConnInflatesBinaryFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write([]byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))
	w.Close()

	_, url := newTestServer(t, &ServerConfig{
		OnConnect: func(c *Conn) {
			c.SendRaw(context.Background(), true, buf.Bytes())
			c.SendRaw(context.Background(), true, []byte("garbage"))
		},
	})

	c, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	f, err := c.Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if f.Op != 10 {
		t.Errorf("op = %d, want 10", f.Op)
	}

	_, err = c.Read()
	if _, ok := err.(*kephascord.ProtocolError); !ok {
		t.Errorf("Read() error = %v, want *ProtocolError", err)
	}
}

// TestConnCloseCode tests that the close code reaches the peer
func TestConnCloseCode(t *testing.T) {
	t.Parallel()

	_, url := newTestServer(t, &ServerConfig{
		OnConnect: func(c *Conn) {
			c.CloseWithCode(kephascord.CloseAuthenticationFailed, "bad token")
		},
	})

	c, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	_, err = c.Read()
	code, text, ok := CloseCode(err)
	if !ok || code != kephascord.CloseAuthenticationFailed {
		t.Errorf("CloseCode() = %d, %v; want %d", code, ok, kephascord.CloseAuthenticationFailed)
	}
	if text != "bad token" {
		t.Errorf("close text = %q, want %q", text, "bad token")
	}
}

// TestServerRateLimit tests that flooding clients are disconnected
func TestServerRateLimit(t *testing.T) {
	t.Parallel()

	_, url := newTestServer(t, &ServerConfig{
		RateLimitConfig: &RateLimitConfig{Limit: 1, Burst: 2, Enabled: true},
	})

	c, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Send(context.Background(), 1, i)
	}

	_, err = c.Read()
	if code, _, _ := CloseCode(err); code != kephascord.CloseRateLimited {
		t.Errorf("close code = %d, want %d", code, kephascord.CloseRateLimited)
	}
}

// TestSendAfterClose tests that a closed connection rejects frames
func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	_, url := newTestServer(t, &ServerConfig{})

	c, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	if !c.IsAlive() {
		t.Fatal("new connection should be alive")
	}

	c.Close()
	if c.IsAlive() {
		t.Error("closed connection reported alive")
	}
	if err := c.Send(context.Background(), 1, nil); err != kephascord.ErrConnectionClosed {
		t.Errorf("Send() error = %v, want ErrConnectionClosed", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed")
	}
}
