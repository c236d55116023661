package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
)

// Bus delivers events synchronously to registered handlers, in registration
// order. A panicking handler is logged and does not stop delivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[kephascord.EventType][]kephascord.Handler
	any      []kephascord.Handler
	log      *zap.Logger
}

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[kephascord.EventType][]kephascord.Handler),
		log:      log,
	}
}

func (b *Bus) On(t kephascord.EventType, h kephascord.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *Bus) OnAny(h kephascord.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = append(b.any, h)
}

// Emit runs every handler for e in the calling goroutine.
func (b *Bus) Emit(e kephascord.Event) {
	b.mu.RLock()
	hs := b.handlers[e.Type()]
	as := b.any
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h, e)
	}
	for _, h := range as {
		b.call(h, e)
	}
}

func (b *Bus) call(h kephascord.Handler, e kephascord.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.Stringer("event", e.Type()),
				zap.Int("shard", e.Shard()),
				zap.Any("panic", r))
		}
	}()
	h(e)
}
