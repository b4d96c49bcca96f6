package eventbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "mailsched/pkg/logx"
)

func TestPublishInRegistrationOrder(t *testing.T) {
	b := New(logx.Nop())
	var got []string
	b.Subscribe("mail", func(_ context.Context, e Event) { got = append(got, "first:"+string(e.Payload)) })
	b.Subscribe("mail", func(_ context.Context, e Event) { got = append(got, "second:"+string(e.Payload)) })
	b.Subscribe("other", func(_ context.Context, e Event) { got = append(got, "other") })

	n := b.Publish(context.Background(), Event{Name: "mail", Payload: json.RawMessage(`"ctx"`)})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{`first:"ctx"`, `second:"ctx"`}, got)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(logx.Nop())
	assert.Equal(t, 0, b.Publish(context.Background(), Event{Name: "nobody"}))
}

func TestUnsubscribe(t *testing.T) {
	b := New(logx.Nop())
	calls := 0
	unsub := b.Subscribe("mail", func(context.Context, Event) { calls++ })
	require.Equal(t, 1, b.Subscribers("mail"))

	unsub()
	unsub() // idempotent

	assert.Equal(t, 0, b.Subscribers("mail"))
	b.Publish(context.Background(), Event{Name: "mail"})
	assert.Equal(t, 0, calls)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(logx.Nop())
	reached := false
	b.Subscribe("mail", func(context.Context, Event) { panic("boom") })
	b.Subscribe("mail", func(context.Context, Event) { reached = true })

	require.NotPanics(t, func() {
		b.Publish(context.Background(), Event{Name: "mail"})
	})
	assert.True(t, reached)
}

func TestHandlerMaySubscribeDuringPublish(t *testing.T) {
	b := New(logx.Nop())
	b.Subscribe("mail", func(context.Context, Event) {
		b.Subscribe("mail", func(context.Context, Event) {})
	})
	assert.Equal(t, 1, b.Publish(context.Background(), Event{Name: "mail"}))
	assert.Equal(t, 2, b.Subscribers("mail"))
}
