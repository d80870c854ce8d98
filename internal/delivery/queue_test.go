package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome/outcometest"
)

type sendCall struct {
	target string
	at     time.Time
}

type scriptedAdapter struct {
	mu       sync.Mutex
	state    adapter.State
	failures map[string]int // target -> remaining failures
	failErr  error
	sendTime time.Duration
	calls    []sendCall
	active   int
	peak     int
}

func newScripted() *scriptedAdapter {
	return &scriptedAdapter{state: adapter.StateConnected, failures: map[string]int{}}
}

func (a *scriptedAdapter) Connect(context.Context) error { return nil }
func (a *scriptedAdapter) Teardown() error              { return nil }

func (a *scriptedAdapter) State(context.Context) (adapter.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

func (a *scriptedAdapter) Send(_ context.Context, target string, _ model.Payload) (string, error) {
	a.mu.Lock()
	a.active++
	if a.active > a.peak {
		a.peak = a.active
	}
	a.calls = append(a.calls, sendCall{target: target, at: time.Now()})
	d := a.sendTime
	a.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.active--
	if a.failures[target] != 0 {
		if a.failures[target] > 0 {
			a.failures[target]--
		}
		err := a.failErr
		if err == nil {
			err = errors.New("server returned error 500")
		}
		return "", err
	}
	return "wamid-" + target, nil
}

func (a *scriptedAdapter) targets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c.target)
	}
	return out
}

func (a *scriptedAdapter) sendTimes() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Time, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c.at)
	}
	return out
}

type fakeConns struct {
	mu         sync.Mutex
	adapters   map[string]adapter.Adapter
	downgraded []string
	sent       int
	failed     int
}

func newConns() *fakeConns {
	return &fakeConns{adapters: map[string]adapter.Adapter{}}
}

func (c *fakeConns) set(id string, a adapter.Adapter) {
	c.mu.Lock()
	c.adapters[id] = a
	c.mu.Unlock()
}

func (c *fakeConns) Acquire(_ context.Context, id string) (adapter.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.adapters[id]
	return a, ok
}

func (c *fakeConns) Downgrade(id, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downgraded = append(c.downgraded, id)
	delete(c.adapters, id)
}

func (c *fakeConns) Touch(_ string, sent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sent {
		c.sent++
	} else {
		c.failed++
	}
}

type trackerFunc func(model.MessageTask, model.Outcome)

func (f trackerFunc) OnTaskOutcome(t model.MessageTask, o model.Outcome) { f(t, o) }

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryDelay:   5 * time.Millisecond,
		MessageDelay: time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
		SendTimeout:  time.Second,
	}
}

func runQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitOutcomes(t *testing.T, rec *outcometest.Recorder, n int) []model.Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.OutcomeList()) >= n }, 3*time.Second, 2*time.Millisecond)
	return rec.OutcomeList()
}

func task(conn, target string) model.MessageTask {
	return model.MessageTask{ConnectionID: conn, Target: target, Payload: model.Payload{Text: "hello"}}
}

func TestSendSuccessRecordsOneOutcome(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	id, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	outs := waitOutcomes(t, rec, 1)
	require.Len(t, outs, 1)
	assert.Equal(t, id, outs[0].TaskID)
	assert.Equal(t, model.OutcomeSent, outs[0].Status)
	assert.Equal(t, 1, outs[0].Attempts)
	assert.Equal(t, "wamid-T1", outs[0].DeliveryID)
	assert.Len(t, rec.QueuedList(), 1)
	assert.Equal(t, 0, rec.RetryCount())
}

func TestRetryTwiceThenSucceed(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.failures["T1"] = 2
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	_, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)

	waitOutcomes(t, rec, 1)
	time.Sleep(20 * time.Millisecond)
	outs := rec.OutcomeList()
	require.Len(t, outs, 1)
	assert.Equal(t, model.OutcomeSent, outs[0].Status)
	assert.Equal(t, 3, outs[0].Attempts)
	assert.Equal(t, 2, rec.RetryCount())
	assert.Len(t, a.targets(), 3)
}

func TestRetryBoundEmitsSingleFailure(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.failures["T1"] = -1
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	_, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)

	waitOutcomes(t, rec, 1)
	time.Sleep(30 * time.Millisecond)
	outs := rec.OutcomeList()
	require.Len(t, outs, 1)
	assert.Equal(t, model.OutcomeFailed, outs[0].Status)
	assert.Equal(t, 3, outs[0].Attempts)
	assert.Contains(t, outs[0].Error, "server returned error 500")
	assert.Equal(t, 2, rec.RetryCount())
	assert.Len(t, a.targets(), 3)
	assert.Equal(t, 0, q.Len())

	conns.mu.Lock()
	defer conns.mu.Unlock()
	assert.Equal(t, 1, conns.failed)
}

func TestUnavailableConnectionIsNotAnAttempt(t *testing.T) {
	conns, rec := newConns(), &outcometest.Recorder{}
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	_, err := q.Enqueue(task("gone", "T1"))
	require.NoError(t, err)

	outs := waitOutcomes(t, rec, 1)
	assert.Equal(t, model.OutcomeConnectionUnavailable, outs[0].Status)
	assert.Equal(t, 0, outs[0].Attempts)
	assert.Equal(t, 0, rec.RetryCount())
}

func TestFailedHealthProbeDowngrades(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.state = adapter.StateClosed
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	_, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)

	outs := waitOutcomes(t, rec, 1)
	assert.Equal(t, model.OutcomeConnectionUnavailable, outs[0].Status)
	assert.Empty(t, a.targets(), "no send after a failed probe")
	conns.mu.Lock()
	assert.Equal(t, []string{"c1"}, conns.downgraded)
	conns.mu.Unlock()
}

func TestDegradedAdapterStillSends(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.state = adapter.StateDegraded
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	_, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)
	outs := waitOutcomes(t, rec, 1)
	assert.Equal(t, model.OutcomeSent, outs[0].Status)
}

func TestAtMostOneSendInFlight(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.sendTime = 3 * time.Millisecond
	conns.set("c1", a)
	conns.set("c2", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := "c1"
			if i%2 == 0 {
				conn = "c2"
			}
			_, err := q.Enqueue(task(conn, fmt.Sprintf("T%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	waitOutcomes(t, rec, 20)
	a.mu.Lock()
	assert.Equal(t, 1, a.peak)
	a.mu.Unlock()
	assert.Equal(t, 1, q.MaxConcurrentSends())
}

func TestFIFOOrder(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())

	want := []string{"T1", "T2", "T3", "T4", "T5"}
	for _, target := range want {
		_, err := q.Enqueue(task("c1", target))
		require.NoError(t, err)
	}
	runQueue(t, q)

	waitOutcomes(t, rec, len(want))
	assert.Equal(t, want, a.targets())
}

func TestRetryJumpsToFront(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.failures["A"] = 1
	conns.set("c1", a)
	cfg := fastConfig()
	cfg.RetryDelay = 0
	cfg.MessageDelay = 5 * time.Millisecond
	q := NewQueue(cfg, conns, rec, nil, zerolog.Nop())

	for _, target := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(task("c1", target))
		require.NoError(t, err)
	}
	runQueue(t, q)

	waitOutcomes(t, rec, 3)
	assert.Equal(t, []string{"A", "A", "B", "C"}, a.targets())
}

func TestPacingBetweenSends(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.failures["T2"] = 1
	conns.set("c1", a)
	cfg := fastConfig()
	cfg.RetryDelay = 0
	cfg.MessageDelay = 25 * time.Millisecond
	q := NewQueue(cfg, conns, rec, nil, zerolog.Nop())

	for i := 1; i <= 4; i++ {
		_, err := q.Enqueue(task("c1", fmt.Sprintf("T%d", i)))
		require.NoError(t, err)
	}
	runQueue(t, q)

	waitOutcomes(t, rec, 4)
	times := a.sendTimes()
	require.Len(t, times, 5)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 25*time.Millisecond, "gap %d", i)
	}
}

func TestTaskDelayOverridesDefault(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())

	for i := 1; i <= 3; i++ {
		tk := task("c1", fmt.Sprintf("T%d", i))
		tk.Delay = 20 * time.Millisecond
		_, err := q.Enqueue(tk)
		require.NoError(t, err)
	}
	runQueue(t, q)

	waitOutcomes(t, rec, 3)
	times := a.sendTimes()
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 20*time.Millisecond)
	}
}

func TestCancelPendingTask(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())

	_, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)
	id2, err := q.Enqueue(task("c1", "T2"))
	require.NoError(t, err)
	_, err = q.Enqueue(task("c1", "T3"))
	require.NoError(t, err)

	assert.True(t, q.Cancel(id2))
	assert.False(t, q.Cancel(id2))
	assert.False(t, q.Cancel("unknown"))
	assert.Equal(t, 2, q.Len())

	outs := rec.OutcomeList()
	require.Len(t, outs, 1)
	assert.Equal(t, id2, outs[0].TaskID)
	assert.Equal(t, model.OutcomeCancelled, outs[0].Status)
	assert.False(t, outs[0].Success())

	runQueue(t, q)
	waitOutcomes(t, rec, 3)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"T1", "T3"}, a.targets())
}

func TestCancelCampaignTaskReachesTracker(t *testing.T) {
	rec := &outcometest.Recorder{}
	q := NewQueue(fastConfig(), newConns(), rec, nil, zerolog.Nop())
	var got []model.Outcome
	q.SetTracker(trackerFunc(func(_ model.MessageTask, o model.Outcome) { got = append(got, o) }))

	tk := task("c1", "T1")
	tk.CampaignID = "camp-1"
	id, err := q.Enqueue(tk)
	require.NoError(t, err)

	require.True(t, q.Cancel(id))
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].TaskID)
	assert.Equal(t, model.OutcomeCancelled, got[0].Status)
	assert.Zero(t, q.Len())
}

func TestCancelCampaignPurgesOnlyItsTasks(t *testing.T) {
	rec := &outcometest.Recorder{}
	q := NewQueue(fastConfig(), newConns(), rec, nil, zerolog.Nop())
	for i := 0; i < 3; i++ {
		tk := task("c1", fmt.Sprintf("T%d", i))
		tk.CampaignID = "camp-1"
		_, err := q.Enqueue(tk)
		require.NoError(t, err)
	}
	_, err := q.Enqueue(task("c1", "solo"))
	require.NoError(t, err)

	assert.Equal(t, 3, q.CancelCampaign("camp-1", "campaign cancelled"))
	assert.Equal(t, 0, q.CancelCampaign("", "campaign cancelled"))
	assert.Equal(t, 1, q.Len())

	outs := rec.OutcomeList()
	require.Len(t, outs, 3)
	for _, o := range outs {
		assert.Equal(t, model.OutcomeCancelled, o.Status)
		assert.Equal(t, "campaign cancelled", o.Error)
	}
}

func TestCancelCampaignResolvesDelayedRetries(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.failures["T1"] = -1
	conns.set("c1", a)
	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	q := NewQueue(cfg, conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	tk := task("c1", "T1")
	tk.CampaignID = "camp-1"
	_, err := q.Enqueue(tk)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.RetryCount() == 1 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, q.CancelCampaign("camp-1", "campaign exceeded maximum duration"))
	outs := waitOutcomes(t, rec, 1)
	assert.Equal(t, model.OutcomeCancelled, outs[0].Status)
	assert.Equal(t, 1, outs[0].Attempts)
	assert.Zero(t, q.Len())
}

func TestConnectionLostRequestsRecovery(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	a.failures["T1"] = -1
	a.failErr = errors.New("websocket not connected")
	conns.set("c1", a)
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	q := NewQueue(cfg, conns, rec, nil, zerolog.Nop())
	runQueue(t, q)

	_, err := q.Enqueue(task("c1", "T1"))
	require.NoError(t, err)

	select {
	case req := <-q.Recoveries():
		assert.Equal(t, "c1", req.ConnectionID)
		assert.Contains(t, req.Reason, "websocket not connected")
	case <-time.After(2 * time.Second):
		t.Fatal("no recovery request")
	}
	outs := waitOutcomes(t, rec, 1)
	assert.Equal(t, model.OutcomeFailed, outs[0].Status)
}

func TestTrackerSeesOnlyCampaignTasks(t *testing.T) {
	conns, a, rec := newConns(), newScripted(), &outcometest.Recorder{}
	conns.set("c1", a)
	q := NewQueue(fastConfig(), conns, rec, nil, zerolog.Nop())

	var mu sync.Mutex
	var seen []string
	q.SetTracker(trackerFunc(func(t model.MessageTask, _ model.Outcome) {
		mu.Lock()
		seen = append(seen, t.Target)
		mu.Unlock()
	}))
	runQueue(t, q)

	tk := task("c1", "in-campaign")
	tk.CampaignID = "camp-1"
	_, err := q.Enqueue(tk)
	require.NoError(t, err)
	_, err = q.Enqueue(task("c1", "single"))
	require.NoError(t, err)

	waitOutcomes(t, rec, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"in-campaign"}, seen)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewQueue(fastConfig(), newConns(), nil, nil, zerolog.Nop())
	q.Close()
	_, err := q.Enqueue(task("c1", "T1"))
	assert.True(t, errors.Is(err, ErrQueueClosed))
}

func TestIsConnectionLost(t *testing.T) {
	cases := map[string]bool{
		"websocket not connected":         true,
		"send: connection reset by peer":  true,
		"unexpected EOF":                  true,
		"server returned error 479":       false,
		"context deadline exceeded":       false,
		"failed to send: stream replaced": true,
		"invalid JID: missing server":     false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, IsConnectionLost(errors.New(msg)), msg)
	}
	assert.False(t, IsConnectionLost(nil))
}
