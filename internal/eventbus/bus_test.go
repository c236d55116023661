package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/luciancaetano/kephascord"
)

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := New(nil)
	var got []string

	b.On(kephascord.EventMessageCreate, func(kephascord.Event) { got = append(got, "first") })
	b.On(kephascord.EventMessageCreate, func(kephascord.Event) { got = append(got, "second") })
	b.On(kephascord.EventGuildCreate, func(kephascord.Event) { got = append(got, "guild") })
	b.OnAny(func(e kephascord.Event) { got = append(got, "any:"+e.Type().String()) })

	b.Emit(&kephascord.MessageEvent{Base: kephascord.Base{T: kephascord.EventMessageCreate}})

	assert.Equal(t, []string{"first", "second", "any:MESSAGE_CREATE"}, got)
}

func TestBusRecoversFromPanic(t *testing.T) {
	t.Parallel()

	b := New(nil)
	called := false

	b.On(kephascord.EventShardReady, func(kephascord.Event) { panic("boom") })
	b.On(kephascord.EventShardReady, func(kephascord.Event) { called = true })

	assert.NotPanics(t, func() {
		b.Emit(&kephascord.ShardEvent{Base: kephascord.Base{T: kephascord.EventShardReady}})
	})
	assert.True(t, called)
}
