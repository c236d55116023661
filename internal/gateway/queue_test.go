package gateway

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnector stays in its connecting phase for hold after Connect.
type fakeConnector struct {
	id         int
	hold       time.Duration
	connecting atomic.Bool
	inFlight   *atomic.Int32
	maxSeen    *atomic.Int32

	mu       sync.Mutex
	admitted []time.Time
}

func (f *fakeConnector) ID() int          { return f.id }
func (f *fakeConnector) Connecting() bool { return f.connecting.Load() }

func (f *fakeConnector) Connect() error {
	f.connecting.Store(true)
	n := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.admitted = append(f.admitted, time.Now())
	f.mu.Unlock()

	time.AfterFunc(f.hold, func() {
		f.inFlight.Add(-1)
		f.connecting.Store(false)
	})
	return nil
}

func (f *fakeConnector) admissions() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.admitted...)
}

func newFakeConnectors(n int, hold time.Duration) []*fakeConnector {
	inFlight, maxSeen := &atomic.Int32{}, &atomic.Int32{}
	out := make([]*fakeConnector, n)
	for i := range out {
		out[i] = &fakeConnector{id: i, hold: hold, inFlight: inFlight, maxSeen: maxSeen}
	}
	return out
}

func TestConnectQueueSpacingAndExclusion(t *testing.T) {
	t.Parallel()

	const spacing = 60 * time.Millisecond
	q := NewConnectQueue(spacing, nil)
	defer q.Close()

	// hold > spacing makes the connecting gate, not the spacing, the binding constraint.
	shards := newFakeConnectors(5, 90*time.Millisecond)
	for _, s := range shards {
		q.Register(s)
	}
	for _, s := range shards {
		q.Enqueue(s)
	}

	require.Eventually(t, func() bool {
		for _, s := range shards {
			if len(s.admissions()) == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), shards[0].maxSeen.Load(), "more than one shard connecting at once")

	var prev time.Time
	for i, s := range shards {
		at := s.admissions()[0]
		if i > 0 {
			assert.True(t, at.After(prev), "admissions out of FIFO order")
			assert.GreaterOrEqual(t, at.Sub(prev), spacing)
		}
		prev = at
	}
}

func TestConnectQueueImmediateBypass(t *testing.T) {
	t.Parallel()

	q := NewConnectQueue(time.Hour, nil)
	defer q.Close()

	s := newFakeConnectors(1, time.Millisecond)[0]
	q.Enqueue(s)

	assert.Len(t, s.admissions(), 1, "first request must not wait")
	assert.Equal(t, 0, q.Len())
}

func TestConnectQueueRemove(t *testing.T) {
	t.Parallel()

	q := NewConnectQueue(50*time.Millisecond, nil)
	defer q.Close()

	shards := newFakeConnectors(3, time.Millisecond)
	for _, s := range shards {
		q.Enqueue(s)
	}
	require.Equal(t, 2, q.Len())

	assert.True(t, q.Remove(shards[1]))
	assert.False(t, q.Remove(shards[1]))

	require.Eventually(t, func() bool { return len(shards[2].admissions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, shards[1].admissions())
}

func TestConnectQueueUnregister(t *testing.T) {
	t.Parallel()

	q := NewConnectQueue(0, nil)
	defer q.Close()

	shards := newFakeConnectors(2, time.Hour)
	stuck, next := shards[0], shards[1]
	q.Enqueue(stuck)
	require.True(t, stuck.Connecting())
	q.Enqueue(next)
	require.Equal(t, 1, q.Len())

	time.Sleep(3 * connectingPoll)
	assert.Empty(t, next.admissions(), "a member in its connecting phase holds the gate")

	q.Unregister(stuck)
	require.Eventually(t, func() bool { return len(next.admissions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestConnectQueueEnqueueTwiceQueuesOnce(t *testing.T) {
	t.Parallel()

	q := NewConnectQueue(time.Hour, nil)
	defer q.Close()

	shards := newFakeConnectors(2, time.Millisecond)
	q.Enqueue(shards[0])
	q.Enqueue(shards[1])
	q.Enqueue(shards[1])
	assert.Equal(t, 1, q.Len())
}

func TestConnectQueueClose(t *testing.T) {
	t.Parallel()

	q := NewConnectQueue(30*time.Millisecond, nil)
	shards := newFakeConnectors(2, time.Millisecond)
	q.Enqueue(shards[0])
	q.Enqueue(shards[1])
	q.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, shards[1].admissions())

	q.Enqueue(shards[1])
	assert.Equal(t, 0, q.Len())
}
