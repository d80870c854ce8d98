package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var _ outcome.Sink = (*Notifier)(nil)

type fakeSender struct {
	mu   sync.Mutex
	to   []string
	msgs []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to.Recipient())
	f.msgs = append(f.msgs, what.(string))
	return &tele.Message{}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func TestAlertsForConnectionEvents(t *testing.T) {
	fs := &fakeSender{}
	n := NewNotifier(fs, 42, "worker-1", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	bg := context.Background()
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c1", State: model.StateReady}))
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c1", State: model.StateReconnecting}))
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c1", State: model.StateReady}))
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c1", State: model.StateDisconnected, LastError: "<stream> replaced"}))
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c2", State: model.StateDisconnected, NonRecoverable: true}))
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c3", State: model.StateDisconnected, Final: true}))
	require.NoError(t, n.RecordStateChange(bg, model.Connection{ID: "c4", State: model.StateFailed, LastError: "logged out"}))

	require.Eventually(t, func() bool { return len(fs.sent()) == 4 }, time.Second, 5*time.Millisecond)
	msgs := fs.sent()
	assert.Contains(t, msgs[0], "RECONNECTED")
	assert.Contains(t, msgs[1], "DISCONNECTED")
	assert.Contains(t, msgs[1], "&lt;stream&gt; replaced")
	assert.Contains(t, msgs[2], "RECONNECT FAILED")
	assert.Contains(t, msgs[3], "AUTH FAILED")
	assert.Equal(t, "42", fs.to[0])
}

func TestCampaignDoneAlert(t *testing.T) {
	fs := &fakeSender{}
	n := NewNotifier(fs, 1, "w", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	require.NoError(t, n.RecordCampaignFinal(context.Background(), model.Summary{
		CampaignID: "k1", Status: model.CampaignCompleted, Total: 12000, Sent: 11500, Failed: 500,
		Duration: 90 * time.Minute,
	}))
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	msg := fs.sent()[0]
	assert.Contains(t, msg, "CAMPAIGN DONE")
	assert.Contains(t, msg, "11,500 / 12,000")
	assert.Contains(t, msg, "1h30m0s")
}

func TestFullBufferDrops(t *testing.T) {
	n := NewNotifier(&fakeSender{}, 1, "w", zerolog.Nop())
	for i := 0; i < cap(n.alerts)+5; i++ {
		require.NoError(t, n.RecordCampaignFinal(context.Background(), model.Summary{CampaignID: "k"}))
	}
	assert.Len(t, n.alerts, cap(n.alerts))
}

func TestNewBotIsOffline(t *testing.T) {
	b, err := NewBot("123:abc")
	require.NoError(t, err)
	assert.NotNil(t, b)
}
