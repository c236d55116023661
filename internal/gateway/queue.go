package gateway

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// connectingPoll is how often the queue re-checks while a shard is mid-handshake.
const connectingPoll = 50 * time.Millisecond

// Connector is a connection the queue can admit.
type Connector interface {
	ID() int
	// Connecting reports whether a handshake is in progress.
	Connecting() bool
	// Connect starts the handshake. It must enter the connecting phase before
	// returning.
	Connect() error
}

// ConnectQueue admits at most one connector into its connecting phase at a
// time, spacing admissions by at least spacing. The identify limit is per
// credential, so one queue serves every shard of a client.
type ConnectQueue struct {
	spacing time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	members []Connector
	pending []Connector
	last    time.Time
	timer   *time.Timer
	closed  bool
}

func NewConnectQueue(spacing time.Duration, log *zap.Logger) *ConnectQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectQueue{spacing: spacing, log: log.Named("queue")}
}

// Register adds c to the set whose connecting phase gates admissions.
func (q *ConnectQueue) Register(c Connector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !slices.Contains(q.members, c) {
		q.members = append(q.members, c)
	}
}

// Enqueue requests admission for c. When nothing is pending and the gate is
// open, c connects immediately.
func (q *ConnectQueue) Enqueue(c Connector) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || slices.Contains(q.pending, c) {
		return
	}
	if !slices.Contains(q.members, c) {
		q.members = append(q.members, c)
	}
	if len(q.pending) == 0 && q.waitLocked(time.Now()) == 0 {
		q.admitLocked(c, time.Now())
		return
	}
	q.pending = append(q.pending, c)
	q.log.Debug("shard queued", zap.Int("shard", c.ID()), zap.Int("pending", len(q.pending)))
	q.scheduleLocked()
}

// Unregister forgets c entirely: its connecting phase no longer gates
// admissions and a pending request of c is dropped.
func (q *ConnectQueue) Unregister(c Connector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.members = slices.DeleteFunc(q.members, func(m Connector) bool { return m == c })
	q.pending = slices.DeleteFunc(q.pending, func(m Connector) bool { return m == c })
}

// Remove drops a request that has not been admitted yet.
func (q *ConnectQueue) Remove(c Connector) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.Index(q.pending, c)
	if i < 0 {
		return false
	}
	q.pending = slices.Delete(q.pending, i, i+1)
	return true
}

// Len returns the number of pending requests.
func (q *ConnectQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the timer and drops every pending request.
func (q *ConnectQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *ConnectQueue) check() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.timer = nil
	if q.closed || len(q.pending) == 0 {
		return
	}
	now := time.Now()
	if q.waitLocked(now) == 0 {
		c := q.pending[0]
		q.pending = q.pending[1:]
		q.admitLocked(c, now)
	}
	if len(q.pending) > 0 {
		q.scheduleLocked()
	}
}

// waitLocked returns how long until the next admission is allowed.
func (q *ConnectQueue) waitLocked(now time.Time) time.Duration {
	for _, m := range q.members {
		if m.Connecting() {
			return max(connectingPoll, q.spacing-now.Sub(q.last))
		}
	}
	if d := q.spacing - now.Sub(q.last); d > 0 {
		return d
	}
	return 0
}

func (q *ConnectQueue) admitLocked(c Connector, now time.Time) {
	if err := c.Connect(); err != nil {
		q.log.Warn("shard not admitted", zap.Int("shard", c.ID()), zap.Error(err))
		return
	}
	q.last = now
	q.log.Debug("shard admitted", zap.Int("shard", c.ID()))
}

func (q *ConnectQueue) scheduleLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.waitLocked(time.Now()), q.check)
}
