package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/domain"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus(zap.NewNop())

	var got []Transition
	unsubscribe := b.Subscribe(func(tr Transition) { got = append(got, tr) })

	b.Publish(Transition{UUID: "u1", From: domain.StateDiscovered, To: domain.StateManagementConfiguring})
	unsubscribe()
	b.Publish(Transition{UUID: "u2"})

	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UUID)
}

func TestBus_PanickingHandler(t *testing.T) {
	b := NewBus(zap.NewNop())
	called := false
	b.Subscribe(func(Transition) { panic("boom") })
	b.Subscribe(func(Transition) { called = true })

	assert.NotPanics(t, func() { b.Publish(Transition{UUID: "u1"}) })
	assert.True(t, called)
}

func TestBus_SubscribeChanDropsWhenFull(t *testing.T) {
	b := NewBus(zap.NewNop())
	ch, unsubscribe := b.SubscribeChan(1)

	b.Publish(Transition{UUID: "first"})
	b.Publish(Transition{UUID: "second"})

	tr := <-ch
	assert.Equal(t, "first", tr.UUID)

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)

	assert.NotPanics(t, func() { b.Publish(Transition{UUID: "third"}) })
}
