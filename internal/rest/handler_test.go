package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephascord"
)

const (
	channelA = "111111111111111111"
	channelB = "222222222222222222"
	messageA = "333333333333333333"
)

func newTestHandler(t *testing.T, url string, mod func(*Config)) *Handler {
	t.Helper()
	cfg := Config{
		Token:           "Bot test-token",
		BaseURL:         url,
		Retries:         3,
		RetryBackoff:    10 * time.Millisecond,
		BulkDeleteDelay: 50 * time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	h := New(cfg)
	t.Cleanup(h.Close)
	return h
}

// arrivals records when each request reached the fake server.
type arrivals struct {
	mu    sync.Mutex
	times map[string][]time.Time
}

func (a *arrivals) record(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.times == nil {
		a.times = make(map[string][]time.Time)
	}
	a.times[path] = append(a.times[path], time.Now())
}

func (a *arrivals) get(path string) []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.times[path]...)
}

func TestRouteKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		route  string
		want   string
	}{
		{"major param kept", http.MethodGet, "/channels/111111111111111111", "/channels/111111111111111111"},
		{"message id collapsed", http.MethodGet, "/channels/111111111111111111/messages/333333333333333333", "/channels/111111111111111111/messages/:id"},
		{"message delete bucketed by method", http.MethodDelete, "/channels/111111111111111111/messages/333333333333333333", "DELETE/channels/111111111111111111/messages/:id"},
		{"guild member collapsed", http.MethodPut, "/guilds/444444444444444444/members/555555555555555555", "/guilds/444444444444444444/members/:id"},
		{"reactions collapsed", http.MethodPut, "/channels/111111111111111111/messages/333333333333333333/reactions/%F0%9F%91%8D/@me", "/channels/111111111111111111/messages/:id/reactions/:id/:userID"},
		{"query stripped", http.MethodGet, "/channels/111111111111111111/messages?limit=50", "/channels/111111111111111111/messages"},
		{"user collapsed", http.MethodGet, "/users/555555555555555555", "/users/:id"},
		{"webhook token collapsed", http.MethodPost, "/webhooks/666666666666666666/" + strings.Repeat("a", 68), "/webhooks/666666666666666666/:token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RouteKey(tt.method, tt.route))
		})
	}
}

func TestRequestWaitsForBucketReset(t *testing.T) {
	t.Parallel()

	var arr arrivals
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arr.record(r.URL.Path)
		w.Header().Set(kephascord.HeaderRateLimitLimit, "1")
		w.Header().Set(kephascord.HeaderRateLimitRemaining, "0")
		w.Header().Set(kephascord.HeaderRateLimitResetAfter, "0.3")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	ctx := context.Background()
	route := "/channels/" + channelA + "/messages"

	_, err := h.Request(ctx, http.MethodPost, route, true, map[string]string{"content": "1"}, nil)
	require.NoError(t, err)

	// Bucket is now empty until reset: the second request must wait, not fail.
	_, err = h.Request(ctx, http.MethodPost, route, true, map[string]string{"content": "2"}, nil)
	require.NoError(t, err)

	times := arr.get(route)
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 280*time.Millisecond)

	states := h.Buckets()
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].Limit)
}

func TestRequestRetriesRoute429(t *testing.T) {
	t.Parallel()

	var arr arrivals
	var hitsA atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arr.record(r.URL.Path)
		if strings.Contains(r.URL.Path, channelA) && hitsA.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.3,"global":false}`))
			return
		}
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	ctx := context.Background()
	routeA := "/channels/" + channelA
	routeB := "/channels/" + channelB

	var wg sync.WaitGroup
	var errA error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = h.Request(ctx, http.MethodGet, routeA, true, nil, nil)
	}()

	// Wait for the 429, then hit another route: it must not be delayed.
	require.Eventually(t, func() bool { return len(arr.get(routeA)) == 1 }, time.Second, 5*time.Millisecond)
	start := time.Now()
	_, err := h.Request(ctx, http.MethodGet, routeB, true, nil, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	wg.Wait()
	require.NoError(t, errA, "caller never observes the 429")

	times := arr.get(routeA)
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 280*time.Millisecond)
}

func TestRequestGlobal429BlocksAllRoutes(t *testing.T) {
	t.Parallel()

	var arr arrivals
	var first atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arr.record(r.URL.Path)
		if strings.Contains(r.URL.Path, channelA) && first.CompareAndSwap(false, true) {
			w.Header().Set(kephascord.HeaderRateLimitGlobal, "true")
			w.Header().Set(kephascord.HeaderRetryAfter, "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"global","retry_after":0.4,"global":true}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	ctx := context.Background()
	routeA := "/channels/" + channelA
	routeB := "/channels/" + channelB

	done := make(chan error, 1)
	go func() {
		_, err := h.Request(ctx, http.MethodGet, routeA, true, nil, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return !h.GlobalReset().IsZero() }, time.Second, 5*time.Millisecond)
	limited := arr.get(routeA)[0]

	_, err := h.Request(ctx, http.MethodGet, routeB, true, nil, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	timesB := arr.get(routeB)
	require.Len(t, timesB, 1)
	assert.GreaterOrEqual(t, timesB[0].Sub(limited), 380*time.Millisecond, "body retry_after wins over header")

	timesA := arr.get(routeA)
	require.Len(t, timesA, 2)
	assert.GreaterOrEqual(t, timesA[1].Sub(limited), 380*time.Millisecond)
}

func TestRequestGlobal429PausesQueuedRequests(t *testing.T) {
	t.Parallel()

	var arr arrivals
	var first atomic.Bool
	limitedAt := make(chan time.Time, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arr.record(r.URL.Path)
		if strings.Contains(r.URL.Path, channelA) && first.CompareAndSwap(false, true) {
			time.Sleep(100 * time.Millisecond)
			limitedAt <- time.Now()
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"global","retry_after":1,"global":true}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, func(c *Config) { c.SequencerWait = 300 * time.Millisecond })
	ctx := context.Background()
	routeA := "/channels/" + channelA
	routeB := "/channels/" + channelB

	done := make(chan error, 1)
	go func() {
		_, err := h.Request(ctx, http.MethodGet, routeA, true, nil, nil)
		done <- err
	}()

	// B is queued behind the sequencer before A's global 429 comes back.
	require.Eventually(t, func() bool { return len(arr.get(routeA)) == 1 }, time.Second, time.Millisecond)
	_, err := h.Request(ctx, http.MethodGet, routeB, true, nil, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	limited := <-limitedAt
	timesB := arr.get(routeB)
	require.Len(t, timesB, 1)
	assert.GreaterOrEqual(t, timesB[0].Sub(limited), 950*time.Millisecond)
}

func TestRequestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	body, err := h.Request(context.Background(), http.MethodGet, "/users/@me", true, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"ok"}`, string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRequestServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"oops","code":0}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, func(c *Config) { c.Retries = 2 })
	_, err := h.Request(context.Background(), http.MethodGet, "/users/@me", true, nil, nil)
	require.Error(t, err)

	var te *kephascord.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, kephascord.ErrRetriesExhausted)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRequestClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Missing Access","code":50001}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	_, err := h.Request(context.Background(), http.MethodGet, "/channels/"+channelA, true, nil, nil)

	var apiErr *kephascord.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, 50001, apiErr.Code)
	assert.Equal(t, "Missing Access", apiErr.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequestAuthHeader(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"url":"wss://gateway.example"}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	_, err := h.Request(context.Background(), http.MethodGet, "/gateway/bot", true, nil, nil)
	require.NoError(t, err)
	_, err = h.Request(context.Background(), http.MethodGet, "/gateway", false, nil, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bot test-token", seen["/gateway/bot"])
	assert.Empty(t, seen["/gateway"])
}

func TestRequestSequencerSpacing(t *testing.T) {
	t.Parallel()

	var arr arrivals
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arr.record("all")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, func(c *Config) { c.SequencerWait = 100 * time.Millisecond })

	var wg sync.WaitGroup
	for _, ch := range []string{channelA, channelB, "999999999999999999"} {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			_, err := h.Request(context.Background(), http.MethodGet, "/channels/"+ch, true, nil, nil)
			assert.NoError(t, err)
		}(ch)
	}
	wg.Wait()

	times := arr.get("all")
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 90*time.Millisecond)
	}
}

func TestRequestCancelledWhileRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(kephascord.HeaderRateLimitRemaining, "0")
		w.Header().Set(kephascord.HeaderRateLimitResetAfter, "5")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	route := "/channels/" + channelA + "/messages"
	_, err := h.Request(context.Background(), http.MethodGet, route, true, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Request(ctx, http.MethodGet, route, true, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRequestAfterClose(t *testing.T) {
	t.Parallel()

	h := New(Config{BaseURL: "http://127.0.0.1:1"})
	h.Close()
	_, err := h.Request(context.Background(), http.MethodGet, "/gateway", false, nil, nil)
	assert.ErrorIs(t, err, kephascord.ErrClientClosed)
}

func TestCreateMessageWithFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.JSONEq(t, `{"content":"hello"}`, r.FormValue("payload_json"))

		f, hdr, err := r.FormFile("files[0]")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.txt", hdr.Filename)
		assert.Equal(t, "file body", string(data))

		w.Write([]byte(`{"id":"` + messageA + `","channel_id":"` + channelA + `","content":"hello"}`))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	h := newTestHandler(t, srv.URL, func(c *Config) { c.Sink = sink })

	msg, err := h.CreateMessage(context.Background(), channelA, &kephascord.MessageCreate{Content: "hello"},
		&kephascord.File{Name: "report.txt", Reader: strings.NewReader("file body")})
	require.NoError(t, err)
	assert.Equal(t, messageA, msg.ID)
	assert.Len(t, sink.messages, 1)
}

func TestGetChannelWritesThroughSink(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"` + channelA + `","type":0,"guild_id":"444444444444444444","name":"general"}`))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	h := newTestHandler(t, srv.URL, func(c *Config) { c.Sink = sink })

	ch, err := h.GetChannel(context.Background(), channelA)
	require.NoError(t, err)
	assert.Equal(t, "general", ch.Name)
	require.Len(t, sink.channels, 1)
	assert.Same(t, sink.channels[0], ch)
}

func TestGatewayURLBootstrapsOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"url":"wss://gateway.example"}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url, err := h.GatewayURL(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "wss://gateway.example/?v=10&encoding=json", url)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())

	h.SetGatewayURL("")
	_, err := h.GatewayURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func messageIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(400000000000000000 + i)
	}
	return ids
}

type bulkCall struct {
	at   time.Time
	size int
}

func TestDeleteMessagesBatches(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []bulkCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bulkDeleteBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cleanup", r.Header.Get(kephascord.HeaderAuditLogReason))
		mu.Lock()
		calls = append(calls, bulkCall{at: time.Now(), size: len(body.Messages)})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, func(c *Config) { c.BulkDeleteDelay = 100 * time.Millisecond })
	n, err := h.DeleteMessages(context.Background(), channelA, messageIDs(250), "cleanup")
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	assert.Equal(t, []int{100, 100, 50}, []int{calls[0].size, calls[1].size, calls[2].size})
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), 100*time.Millisecond)
	}
}

func TestDeleteMessagesStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 2 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"Invalid Form Body","code":50035}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	n, err := h.DeleteMessages(context.Background(), channelA, messageIDs(250), "")
	require.Error(t, err)
	assert.Equal(t, 100, n)

	var bulk *kephascord.BulkError
	require.ErrorAs(t, err, &bulk)
	assert.Equal(t, 100, bulk.Completed)
	assert.True(t, IsStatus(err, http.StatusBadRequest))
	assert.Equal(t, int32(2), hits.Load(), "third batch is never sent")
}

func TestDeleteMessagesSingleUsesDelete(t *testing.T) {
	t.Parallel()

	var method, path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL, nil)
	n, err := h.DeleteMessages(context.Background(), channelA, []string{messageA}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, http.MethodDelete, method.Load())
	assert.Equal(t, "/channels/"+channelA+"/messages/"+messageA, path.Load())
}

type recordingSink struct {
	mu       sync.Mutex
	channels []*kephascord.Channel
	messages []*kephascord.Message
}

func (s *recordingSink) StoreChannel(c *kephascord.Channel) *kephascord.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, c)
	return c
}

func (s *recordingSink) StoreGuild(g *kephascord.Guild) *kephascord.Guild { return g }

func (s *recordingSink) StoreUser(u *kephascord.User) *kephascord.User { return u }

func (s *recordingSink) StoreMessage(m *kephascord.Message) *kephascord.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return m
}
