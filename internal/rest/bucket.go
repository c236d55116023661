package rest

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luciancaetano/kephascord"
)

var (
	snowflakeSegment = regexp.MustCompile(`/([a-z-]+)/[0-9]{16,20}`)
	reactionSegment  = regexp.MustCompile(`/reactions/[^/]+`)
	reactionUser     = regexp.MustCompile(`/reactions/:id/[^/]+`)
	webhookToken     = regexp.MustCompile(`^/webhooks/([0-9]+)/[A-Za-z0-9_-]{64,}`)
)

// majorParams keep their ID in the bucket key: the server buckets per resource.
var majorParams = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// RouteKey collapses a concrete route into its rate-limit bucket key.
//
//	GET /channels/111/messages/222  ->  /channels/111/messages/:id
//	DELETE /channels/111/messages/222  ->  DELETE/channels/111/messages/:id
func RouteKey(method, route string) string {
	if i := strings.IndexByte(route, '?'); i >= 0 {
		route = route[:i]
	}

	key := snowflakeSegment.ReplaceAllStringFunc(route, func(m string) string {
		sub := snowflakeSegment.FindStringSubmatch(m)
		if majorParams[sub[1]] {
			return m
		}
		return "/" + sub[1] + "/:id"
	})
	key = reactionSegment.ReplaceAllString(key, "/reactions/:id")
	key = reactionUser.ReplaceAllString(key, "/reactions/:id/:userID")
	key = webhookToken.ReplaceAllString(key, "/webhooks/$1/:token")

	// Message deletes have their own bucket.
	if method == http.MethodDelete && strings.HasSuffix(key, "/messages/:id") {
		key = method + key
	}
	return key
}

// bucket is the accounting for one route key. Only the bucket's worker
// goroutine mutates it; the mutex guards reads from Buckets().
type bucket struct {
	route string
	queue chan *request

	mu        sync.Mutex
	remaining int // -1 until the first response
	limit     int
	reset     time.Time
}

func newBucket(route string) *bucket {
	return &bucket{
		route:     route,
		queue:     make(chan *request, 256),
		remaining: -1,
		limit:     -1,
	}
}

// BucketState is a snapshot of one route bucket.
type BucketState struct {
	Route     string
	Remaining int
	Limit     int
	Reset     time.Time
}

func (b *bucket) snapshot() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{Route: b.route, Remaining: b.remaining, Limit: b.limit, Reset: b.reset}
}

// delay returns how long a request must wait before it may be sent.
func (b *bucket) delay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining == 0 && now.Before(b.reset) {
		return b.reset.Sub(now)
	}
	return 0
}

// update records the rate limit headers of a response.
func (b *bucket) update(h http.Header, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v := h.Get(kephascord.HeaderRateLimitLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.limit = n
		}
	}
	if v := h.Get(kephascord.HeaderRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.remaining = n
		}
	}
	if d, ok := resetAfter(h, now); ok {
		b.reset = now.Add(d)
	}
}

// block empties the bucket until now+d.
func (b *bucket) block(now time.Time, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	if r := now.Add(d); r.After(b.reset) {
		b.reset = r
	}
}

// resetAfter prefers the relative header; the absolute one is converted
// against the local clock so the bucket keeps a monotonic reading.
func resetAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if v := h.Get(kephascord.HeaderRateLimitResetAfter); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return secondsToDuration(f), true
		}
	}
	if v := h.Get(kephascord.HeaderRateLimitReset); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			at := time.UnixMilli(int64(f * 1000))
			d := at.Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}

func secondsToDuration(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
