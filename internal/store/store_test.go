package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var _ outcome.Sink = (*Store)(nil)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := Open(context.Background(), "sqlite3", ":memory:", clock, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestConnectionUpsertAndRestoreSet(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	conns := []model.Connection{
		{ID: "a", OwnerID: "o", State: model.StateReady, Persistent: true, CreatedAt: epoch, LastActivity: epoch},
		{ID: "b", OwnerID: "o", State: model.StateReady, Persistent: false, CreatedAt: epoch.Add(time.Second), LastActivity: epoch},
		{ID: "c", OwnerID: "o", State: model.StateFailed, Persistent: true, CreatedAt: epoch.Add(2 * time.Second), LastActivity: epoch},
		{ID: "d", OwnerID: "o", State: model.StateDisconnected, Persistent: true, Final: true, CreatedAt: epoch.Add(3 * time.Second), LastActivity: epoch},
		{ID: "e", OwnerID: "o", State: model.StateReconnecting, Persistent: true, CreatedAt: epoch.Add(4 * time.Second), LastActivity: epoch},
	}
	for _, c := range conns {
		require.NoError(t, s.RecordStateChange(ctx, c))
	}

	updated := conns[0]
	updated.State = model.StateReconnecting
	updated.MessagesSent = 7
	updated.LastError = "keepalive timeout"
	updated.LastActivity = epoch.Add(time.Minute)
	require.NoError(t, s.RecordStateChange(ctx, updated))

	all, err := s.Connections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, model.StateReconnecting, all[0].State)
	assert.Equal(t, 7, all[0].MessagesSent)
	assert.Equal(t, "keepalive timeout", all[0].LastError)
	assert.True(t, all[0].LastActivity.Equal(epoch.Add(time.Minute)))
	assert.True(t, all[0].CreatedAt.Equal(epoch))

	restore, err := s.PersistentConnections(ctx)
	require.NoError(t, err)
	var ids []string
	for _, c := range restore {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "e"}, ids)
}

func TestMessageLogLifecycle(t *testing.T) {
	s, clock := openTest(t)
	ctx := context.Background()
	task := model.MessageTask{ID: "t1", ConnectionID: "c1", CampaignID: "k1", Target: "100",
		Payload: model.Payload{Text: "hi"}, CreatedAt: epoch}

	require.NoError(t, s.RecordMessageQueued(ctx, task))
	task.Attempts = 1
	clock.Advance(time.Second)
	require.NoError(t, s.RecordRetryScheduled(ctx, task, "send: timeout"))

	logs, err := s.MessageLogs(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogRetrying, logs[0].Status)
	assert.Equal(t, "send: timeout", logs[0].Error)
	assert.Nil(t, logs[0].SentAt)

	task.Attempts = 2
	require.NoError(t, s.RecordMessageOutcome(ctx, task, model.Outcome{
		TaskID: "t1", Status: model.OutcomeSent, DeliveryID: "wa-1", Attempts: 2, At: epoch.Add(2 * time.Second),
	}))
	logs, err = s.MessageLogs(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	l := logs[0]
	assert.Equal(t, string(model.OutcomeSent), l.Status)
	assert.Equal(t, "wa-1", l.DeliveryID)
	assert.Empty(t, l.Error)
	assert.Equal(t, 2, l.Attempts)
	assert.Equal(t, "hi", l.Body)
	require.NotNil(t, l.SentAt)
	assert.True(t, l.SentAt.Equal(epoch.Add(2*time.Second)))
}

func TestOutcomeWithoutQueuedRow(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	task := model.MessageTask{ID: "t9", ConnectionID: "c1", CampaignID: "k2", Target: "200"}
	require.NoError(t, s.RecordMessageOutcome(ctx, task, model.Outcome{
		Status: model.OutcomeConnectionUnavailable, Error: "connection not ready", At: epoch,
	}))
	logs, err := s.MessageLogs(ctx, "k2")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(model.OutcomeConnectionUnavailable), logs[0].Status)
	assert.Nil(t, logs[0].SentAt)
}

func TestCampaignRecordFlow(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	c := model.Campaign{
		ID: "k1", OwnerID: "o", ConnectionID: "c1", Targets: []string{"1", "2", "3"},
		BatchSize: 2, InterMessageDelay: 1500 * time.Millisecond, InterBatchDelay: time.Minute,
		Status: model.CampaignRunning, StartedAt: epoch,
	}
	require.NoError(t, s.RecordCampaignCreated(ctx, c))
	require.NoError(t, s.RecordCampaignProgress(ctx, model.Progress{
		CampaignID: "k1", Status: model.CampaignRunning, Success: 1, Failed: 1, Unavailable: 1, Batch: 1,
	}))

	r, err := s.Campaign(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.TargetsCount)
	assert.Equal(t, 1500*time.Millisecond, r.InterMessageDelay)
	assert.Equal(t, time.Minute, r.InterBatchDelay)
	assert.Equal(t, 1, r.CurrentBatch)
	assert.Equal(t, 1, r.UnavailableCount)
	assert.Nil(t, r.CompletedAt)

	require.NoError(t, s.RecordCampaignFinal(ctx, model.Summary{
		CampaignID: "k1", Status: model.CampaignCompleted, Sent: 2, Failed: 1, TimedOut: true,
		CompletedAt: epoch.Add(time.Hour), Duration: time.Hour,
	}))
	r, err = s.Campaign(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, r.Status)
	assert.Equal(t, 2, r.SentCount)
	assert.True(t, r.TimedOut)
	assert.Equal(t, time.Hour, r.Duration)
	require.NotNil(t, r.CompletedAt)
	assert.True(t, r.CompletedAt.Equal(epoch.Add(time.Hour)))
}

func TestCampaignNotFound(t *testing.T) {
	s, _ := openTest(t)
	_, err := s.Campaign(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{driver: "postgres"}
	assert.Equal(t, "UPDATE x SET a = $1 WHERE id = $2", s.rebind("UPDATE x SET a = ? WHERE id = ?"))
	s.driver = "sqlite3"
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := Open(context.Background(), "sqlite3", "file:"+filepath.Join(dir, "w.db")+"?_foreign_keys=on",
		clockwork.NewRealClock(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.DirExists(t, dir)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", clockwork.NewRealClock(), zerolog.Nop())
	assert.Error(t, err)
}
