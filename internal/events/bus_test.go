package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/worker/internal/model"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: "x", Data: 1})

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, "x", ev.Type)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: "first"})
	bus.Publish(Event{Type: "second"})

	assert.Equal(t, "first", (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(Event{Type: "after"})
}

func TestSinkMapsOutcomes(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	sink := NewSink(bus)
	ctx := context.Background()
	task := model.MessageTask{ID: "t1", ConnectionID: "c1", Target: "100", CampaignID: "k1"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, sink.RecordMessageQueued(ctx, task))
	require.NoError(t, sink.RecordRetryScheduled(ctx, task, "boom"))
	require.NoError(t, sink.RecordMessageOutcome(ctx, task, model.Outcome{Status: model.OutcomeSent, DeliveryID: "d1", Attempts: 2, At: at}))
	require.NoError(t, sink.RecordMessageOutcome(ctx, task, model.Outcome{Status: model.OutcomeFailed, Error: "x"}))
	require.NoError(t, sink.RecordMessageOutcome(ctx, task, model.Outcome{Status: model.OutcomeConnectionUnavailable}))
	require.NoError(t, sink.RecordMessageOutcome(ctx, task, model.Outcome{Status: model.OutcomeCancelled, Error: "campaign cancelled"}))
	require.NoError(t, sink.RecordCampaignProgress(ctx, model.Progress{CampaignID: "k1", Completed: 1, Total: 2}))
	require.NoError(t, sink.RecordCampaignFinal(ctx, model.Summary{CampaignID: "k1", CompletedAt: at}))
	require.NoError(t, sink.RecordStateChange(ctx, model.Connection{ID: "c1", State: model.StateReady}))

	var types []string
	for i := 0; i < 9; i++ {
		ev := <-ch
		types = append(types, ev.Type)
		if ev.Type == MessageSent {
			me := ev.Data.(MessageEvent)
			assert.Equal(t, "d1", me.DeliveryID)
			assert.Equal(t, 2, me.Attempts)
			assert.Equal(t, at, ev.Time)
		}
		if ev.Type == MessageRetry {
			assert.Equal(t, "boom", ev.Data.(MessageEvent).Error)
		}
	}
	assert.Equal(t, []string{
		MessageQueued, MessageRetry, MessageSent, MessageFailed, MessageUnavailable, MessageCancelled,
		CampaignProgress, CampaignCompleted, ConnectionState,
	}, types)
}
