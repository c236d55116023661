package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures a Handler.
type Config struct {
	// Token is sent verbatim in the Authorization header of authenticated requests.
	Token     string
	BaseURL   string
	UserAgent string

	HTTPClient *http.Client

	// SequencerWait is the minimum spacing between any two outgoing requests.
	// Zero disables proactive spacing.
	SequencerWait time.Duration

	// Retries bounds the attempts made after a 5xx or transport failure.
	Retries      int
	RetryBackoff time.Duration

	BulkDeleteDelay time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Sink, if set, receives entities decoded from responses.
	Sink Sink
}

// Sink stores entities decoded from REST responses and returns the stored instance.
type Sink interface {
	StoreChannel(c *kephascord.Channel) *kephascord.Channel
	StoreGuild(g *kephascord.Guild) *kephascord.Guild
	StoreUser(u *kephascord.User) *kephascord.User
	StoreMessage(m *kephascord.Message) *kephascord.Message
}

// DefaultConfig returns a configuration for the public API.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://discord.com/api/v10",
		UserAgent:       "DiscordBot (https://github.com/luciancaetano/kephascord, " + kephascord.Version + ")",
		HTTPClient:      &http.Client{Timeout: 15 * time.Second},
		SequencerWait:   200 * time.Millisecond,
		Retries:         3,
		RetryBackoff:    500 * time.Millisecond,
		BulkDeleteDelay: time.Second,
	}
}

// Handler is the REST request dispatcher. Each route bucket has its own
// worker goroutine that sends that route's requests one at a time; a single
// global block is shared by every bucket.
type Handler struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	globalMu    sync.Mutex
	globalReset time.Time

	gatewayMu  sync.RWMutex
	gatewayURL string
	bootstrap  singleflight.Group
}

type request struct {
	ctx         context.Context
	id          string
	method      string
	route       string
	auth        bool
	body        []byte
	contentType string
	reason      string
	result      chan result
}

type result struct {
	body []byte
	err  error
}

// New creates a Handler. Zero fields of cfg fall back to DefaultConfig.
func New(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:     cfg,
		log:     cfg.Logger.Named("rest"),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		buckets: make(map[string]*bucket),
	}
	if cfg.SequencerWait > 0 {
		h.limiter = rate.NewLimiter(rate.Every(cfg.SequencerWait), 1)
	}
	return h
}

// Close stops every bucket worker. Pending requests fail with ErrClientClosed.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// Request implements kephascord.REST.
func (h *Handler) Request(ctx context.Context, method, route string, auth bool, body any, file *kephascord.File) ([]byte, error) {
	return h.RequestWithReason(ctx, method, route, auth, body, file, "")
}

// RequestWithReason is Request with an audit log reason attached.
func (h *Handler) RequestWithReason(ctx context.Context, method, route string, auth bool, body any, file *kephascord.File, reason string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	r := &request{
		ctx:    ctx,
		id:     uuid.NewString(),
		method: method,
		route:  route,
		auth:   auth,
		reason: reason,
		result: make(chan result, 1),
	}
	if err := r.encode(body, file); err != nil {
		return nil, err
	}

	b, err := h.bucketFor(RouteKey(method, route))
	if err != nil {
		return nil, err
	}

	select {
	case b.queue <- r:
	case <-ctx.Done():
		return nil, h.ctxErr(ctx)
	}

	select {
	case res := <-r.result:
		return res.body, res.err
	case <-ctx.Done():
		return nil, h.ctxErr(ctx)
	}
}

func (h *Handler) ctxErr(ctx context.Context) error {
	if h.ctx.Err() != nil {
		return kephascord.ErrClientClosed
	}
	return ctx.Err()
}

func (h *Handler) bucketFor(key string) (*bucket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, kephascord.ErrClientClosed
	}
	b, ok := h.buckets[key]
	if !ok {
		b = newBucket(key)
		h.buckets[key] = b
		h.wg.Add(1)
		go h.run(b)
	}
	return b, nil
}

// Buckets returns a snapshot of every known route bucket.
func (h *Handler) Buckets() []BucketState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]BucketState, 0, len(h.buckets))
	for _, b := range h.buckets {
		out = append(out, b.snapshot())
	}
	return out
}

// GlobalReset returns when the current global block ends; zero when none was seen.
func (h *Handler) GlobalReset() time.Time {
	h.globalMu.Lock()
	defer h.globalMu.Unlock()
	return h.globalReset
}

// run is the bucket's dispatch loop.
func (h *Handler) run(b *bucket) {
	defer h.wg.Done()
	for {
		select {
		case r := <-b.queue:
			if r.ctx.Err() != nil {
				r.result <- result{err: h.ctxErr(r.ctx)}
				continue
			}
			body, err := h.execute(b, r)
			r.result <- result{body: body, err: err}
		case <-h.ctx.Done():
			return
		}
	}
}

// execute sends r until it succeeds, fails permanently or runs out of retries.
// 429 responses do not count as attempts.
func (h *Handler) execute(b *bucket, r *request) ([]byte, error) {
	log := h.log.With(zap.String("request", r.id), zap.String("method", r.method), zap.String("bucket", b.route))
	attempt := 0

	for {
		if err := h.waitGlobal(r.ctx, b.route); err != nil {
			return nil, err
		}
		if d := b.delay(time.Now()); d > 0 {
			h.metrics.ObserveRateLimitWait(false)
			log.Debug("waiting for bucket reset", zap.Duration("wait", d))
			if err := sleep(r.ctx, d); err != nil {
				return nil, &kephascord.RateLimitError{Route: b.route, RetryAfter: d, Err: h.ctxErr(r.ctx)}
			}
			continue
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(r.ctx); err != nil {
				if r.ctx.Err() != nil {
					return nil, h.ctxErr(r.ctx)
				}
				return nil, err
			}
			// A 429 may have arrived while this request waited for its turn.
			if h.blocked(b, time.Now()) {
				continue
			}
		}

		resp, body, err := h.do(r)
		if err != nil {
			if r.ctx.Err() != nil {
				return nil, h.ctxErr(r.ctx)
			}
			attempt++
			if attempt > h.cfg.Retries {
				return nil, &kephascord.TransportError{
					Op:  r.method + " " + r.route,
					Err: fmt.Errorf("%w: %w", kephascord.ErrRetriesExhausted, err),
				}
			}
			log.Warn("request failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if err := sleep(r.ctx, time.Duration(attempt)*h.cfg.RetryBackoff); err != nil {
				return nil, h.ctxErr(r.ctx)
			}
			continue
		}

		now := time.Now()
		h.metrics.ObserveREST(b.route, resp.StatusCode)
		b.update(resp.Header, now)

		switch {
		case resp.StatusCode < 300:
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			wait, global := parseRateLimit(resp.Header, body)
			h.metrics.ObserveRateLimitWait(global)
			if global {
				h.blockGlobal(now, wait)
			} else {
				b.block(now, wait)
			}
			log.Info("rate limited", zap.Bool("global", global), zap.Duration("retry_after", wait))

		case resp.StatusCode >= 500:
			attempt++
			apiErr := newAPIError(r, resp.StatusCode, body)
			if attempt > h.cfg.Retries {
				return nil, &kephascord.TransportError{
					Op:  r.method + " " + r.route,
					Err: fmt.Errorf("%w: %w", kephascord.ErrRetriesExhausted, apiErr),
				}
			}
			log.Warn("server error, retrying", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			if err := sleep(r.ctx, time.Duration(attempt)*h.cfg.RetryBackoff); err != nil {
				return nil, h.ctxErr(r.ctx)
			}

		default:
			return nil, newAPIError(r, resp.StatusCode, body)
		}
	}
}

func (h *Handler) do(r *request) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(r.ctx, r.method, h.cfg.BaseURL+r.route, bytes.NewReader(r.body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	if r.auth && h.cfg.Token != "" {
		req.Header.Set("Authorization", h.cfg.Token)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.reason != "" {
		req.Header.Set(kephascord.HeaderAuditLogReason, r.reason)
	}

	resp, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (h *Handler) waitGlobal(ctx context.Context, route string) error {
	for {
		h.globalMu.Lock()
		d := time.Until(h.globalReset)
		h.globalMu.Unlock()
		if d <= 0 {
			return nil
		}
		h.metrics.ObserveRateLimitWait(true)
		if err := sleep(ctx, d); err != nil {
			return &kephascord.RateLimitError{Route: route, Global: true, RetryAfter: d, Err: h.ctxErr(ctx)}
		}
	}
}

// blocked reports whether the global block or b's reset forbids sending now.
func (h *Handler) blocked(b *bucket, now time.Time) bool {
	return h.GlobalReset().After(now) || b.delay(now) > 0
}

func (h *Handler) blockGlobal(now time.Time, d time.Duration) {
	h.globalMu.Lock()
	defer h.globalMu.Unlock()
	if r := now.Add(d); r.After(h.globalReset) {
		h.globalReset = r
	}
}

type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// parseRateLimit reads the wait and scope of a 429. The body wins over headers.
func parseRateLimit(h http.Header, body []byte) (time.Duration, bool) {
	var rl rateLimitBody
	_ = json.Unmarshal(body, &rl)

	global := rl.Global || h.Get(kephascord.HeaderRateLimitGlobal) == "true" ||
		h.Get(kephascord.HeaderRateLimitScope) == "global"

	wait := secondsToDuration(rl.RetryAfter)
	if wait <= 0 {
		if v := h.Get(kephascord.HeaderRetryAfter); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				wait = secondsToDuration(f)
			}
		}
	}
	if wait <= 0 {
		if d, ok := resetAfter(h, time.Now()); ok {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Second
	}
	return wait, global
}

func newAPIError(r *request, status int, body []byte) *kephascord.APIError {
	e := &kephascord.APIError{Status: status, Method: r.method, Route: r.route, Body: body}
	_ = json.Unmarshal(body, e)
	return e
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *kephascord.APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
