package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
)

// CheckOriginFn validates the origin of an upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after the upgrade completes and before the read loop
// starts. A gateway endpoint sends its Hello frame here.
type OnConnectFn = func(c *Conn)

// OnDisconnectFn is called once the read loop of c has ended. voluntary is
// true when the server closed the connection itself.
type OnDisconnectFn = func(c *Conn, voluntary bool)

// HandlerFunc handles one decoded frame.
type HandlerFunc = func(c *Conn, f *protocol.Frame)

type ServerConfig struct {
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
	Logger          *zap.Logger
}

// Server is an http.Handler speaking the gateway frame format. It backs the
// in-process gateway and voice endpoints used to exercise shards and voice
// connections.
type Server struct {
	clients  sync.Map // map[string]*Conn
	handlers sync.Map // map[int]HandlerFunc

	rateLimitConfig *RateLimitConfig
	upgrader        websocket.Upgrader
	onConnect       OnConnectFn
	onDisconnect    OnDisconnectFn
	log             *zap.Logger
}

// NewServer creates a Server. A nil RateLimitConfig disables inbound limiting.
func NewServer(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = NoRateLimit()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnDisconnect,
		log:             cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Handle registers the handler for op, replacing any previous one.
func (s *Server) Handle(op int, h HandlerFunc) {
	s.handlers.Store(op, h)
}

// Clients returns the open connections.
func (s *Server) Clients() []*Conn {
	var out []*Conn
	s.clients.Range(func(_, v any) bool {
		out = append(out, v.(*Conn))
		return true
	})
	return out
}

// CloseAll closes every open connection with code.
func (s *Server) CloseAll(code int, reason string) {
	for _, c := range s.Clients() {
		c.CloseWithCode(code, reason)
	}
}

// Stop closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.CloseAll(websocket.CloseGoingAway, "")
	return ctx.Err()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := NewConn(conn, r.RemoteAddr, nil)
	s.clients.Store(c.ID(), c)

	go s.handleClient(c)
}

// handleClient runs handlers in frame order on the read goroutine.
func (s *Server) handleClient(c *Conn) {
	defer func() {
		voluntary := !c.IsAlive()
		c.Close()
		s.clients.Delete(c.ID())
		if s.onDisconnect != nil {
			s.onDisconnect(c, voluntary)
		}
	}()

	var limiter *rate.Limiter
	if s.rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(s.rateLimitConfig.Limit, s.rateLimitConfig.Burst)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	for {
		f, err := c.Read()
		if err != nil {
			if _, ok := err.(*kephascord.ProtocolError); ok {
				c.CloseWithCode(kephascord.CloseDecodeError, kephascord.ErrMsgMalformedFrame)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			s.log.Warn("rate limit exceeded", zap.String("client", c.ID()), zap.String("remote_addr", c.RemoteAddr()))
			c.CloseWithCode(kephascord.CloseRateLimited, "rate limited")
			return
		}

		if h, ok := s.handlers.Load(f.Op); ok {
			h.(HandlerFunc)(c, f)
		}
	}
}
