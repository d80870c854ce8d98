// Package delivery is the process-wide outbound queue. One dispatcher sends
// one message at a time, in FIFO order, with pacing between sends and bounded
// retries that jump the line once their delay has passed.
package delivery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/antiban"
	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var ErrQueueClosed = errors.New("delivery queue closed")

// Connections is what the queue needs from the lifecycle manager.
type Connections interface {
	// Acquire returns the adapter iff the connection is sendable.
	Acquire(ctx context.Context, id string) (adapter.Adapter, bool)
	Downgrade(id, reason string)
	Touch(id string, sent bool)
}

// Tracker receives terminal outcomes of campaign tasks.
type Tracker interface {
	OnTaskOutcome(task model.MessageTask, out model.Outcome)
}

// Config is the queue's send policy.
type Config struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	MessageDelay time.Duration
	Jitter       time.Duration
	ProbeTimeout time.Duration
	SendTimeout  time.Duration
	// VaryText applies spin tags and invisible variation before each send.
	VaryText bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MessageDelay < 0 {
		c.MessageDelay = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Queue is the Delivery Queue.
type Queue struct {
	cfg   Config
	conns Connections
	sink  outcome.Sink
	clock clockwork.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	pending  []model.MessageTask
	retries  retryQueue
	tracker  Tracker
	closed   bool
	inFlight string // task id being sent, "" when idle

	wake       chan struct{}
	recoveries chan model.RecoveryRequest

	sending     atomic.Int32
	maxInFlight atomic.Int32
}

// NewQueue creates a queue. Run must be started for anything to be sent.
func NewQueue(cfg Config, conns Connections, sink outcome.Sink, clock clockwork.Clock, log zerolog.Logger) *Queue {
	if sink == nil {
		sink = outcome.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		cfg:        cfg.withDefaults(),
		conns:      conns,
		sink:       sink,
		clock:      clock,
		log:        log.With().Str("component", "delivery").Logger(),
		wake:       make(chan struct{}, 1),
		recoveries: make(chan model.RecoveryRequest, 16),
	}
}

// SetTracker registers the receiver of campaign task outcomes.
func (q *Queue) SetTracker(t Tracker) {
	q.mu.Lock()
	q.tracker = t
	q.mu.Unlock()
}

// Recoveries carries connection-lost signals for the lifecycle manager.
// Signals are dropped when nobody keeps up.
func (q *Queue) Recoveries() <-chan model.RecoveryRequest {
	return q.recoveries
}

// Enqueue appends a task to the tail of the work list and returns its id.
// It never blocks on the dispatcher.
func (q *Queue) Enqueue(task model.MessageTask) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Attempts = 0
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.clock.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.pending = append(q.pending, task)
	depth := len(q.pending) + q.retries.len()
	q.mu.Unlock()

	q.log.Debug().Str("task_id", task.ID).Str("connection_id", task.ConnectionID).
		Str("campaign_id", task.CampaignID).Int("depth", depth).Msg("message queued")
	if err := q.sink.RecordMessageQueued(context.Background(), task); err != nil {
		q.log.Warn().Err(err).Str("task_id", task.ID).Msg("record queued message")
	}
	q.signal()
	return task.ID, nil
}

// Cancel removes a task that has not been dispatched yet and records it as
// cancelled. It reports whether anything was removed; in-flight and finished
// tasks are left alone.
func (q *Queue) Cancel(taskID string) bool {
	removed := q.remove(func(t model.MessageTask) bool { return t.ID == taskID })
	for _, t := range removed {
		q.finish(t, model.Outcome{Status: model.OutcomeCancelled, Error: "cancelled before dispatch"})
	}
	if len(removed) > 0 {
		q.log.Info().Str("task_id", taskID).Msg("message cancelled")
	}
	return len(removed) > 0
}

// CancelCampaign removes every not-yet-dispatched task of a campaign. Each
// removed task is recorded as cancelled with reason as its error.
func (q *Queue) CancelCampaign(campaignID, reason string) int {
	if campaignID == "" {
		return 0
	}
	removed := q.remove(func(t model.MessageTask) bool { return t.CampaignID == campaignID })
	for _, t := range removed {
		q.finish(t, model.Outcome{Status: model.OutcomeCancelled, Error: reason})
	}
	if len(removed) > 0 {
		q.log.Info().Str("campaign_id", campaignID).Int("removed", len(removed)).Msg("campaign tasks purged")
	}
	return len(removed)
}

func (q *Queue) remove(fn func(model.MessageTask) bool) []model.MessageTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []model.MessageTask
	kept := q.pending[:0]
	for _, t := range q.pending {
		if fn(t) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = model.MessageTask{}
	}
	q.pending = kept
	return append(removed, q.retries.remove(fn)...)
}

// Len is the number of tasks waiting, including delayed retries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.retries.len()
}

// InFlight returns the id of the task being sent, if any.
func (q *Queue) InFlight() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// MaxConcurrentSends is the highest number of simultaneous sends observed.
func (q *Queue) MaxConcurrentSends() int {
	return int(q.maxInFlight.Load())
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run is the dispatcher. Only one Run may be active per queue. When ctx is
// done the queue is closed to new work and Run returns.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info().Int("max_attempts", q.cfg.MaxAttempts).Dur("message_delay", q.cfg.MessageDelay).
		Msg("dispatcher started")
	defer func() {
		q.mu.Lock()
		q.closed = true
		left := len(q.pending) + q.retries.len()
		q.mu.Unlock()
		q.log.Info().Int("left", left).Msg("dispatcher stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		task, wait, ok := q.next()
		if !ok {
			if err := q.idle(ctx, wait); err != nil {
				return nil
			}
			continue
		}
		if q.dispatch(ctx, task) {
			if err := q.pace(ctx, task); err != nil {
				return nil
			}
		}
	}
}

// Close rejects further Enqueue calls. Waiting tasks stay where they are.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// next promotes due retries to the front and pops the head. When nothing is
// ready it returns how long until the earliest retry (0 means none pending).
func (q *Queue) next() (model.MessageTask, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if due := q.retries.due(now); len(due) > 0 {
		q.pending = append(due, q.pending...)
	}
	if len(q.pending) == 0 {
		at, ok := q.retries.next()
		if !ok {
			return model.MessageTask{}, 0, false
		}
		wait := at.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return model.MessageTask{}, wait, false
	}
	task := q.pending[0]
	q.pending[0] = model.MessageTask{}
	q.pending = q.pending[1:]
	q.inFlight = task.ID
	return task, 0, true
}

func (q *Queue) idle(ctx context.Context, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		t := q.clock.NewTimer(wait)
		defer t.Stop()
		timeout = t.Chan()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
	case <-timeout:
	}
	return nil
}

// pace waits the inter-message delay after a send attempt.
func (q *Queue) pace(ctx context.Context, task model.MessageTask) error {
	base := q.cfg.MessageDelay
	if task.Delay > 0 {
		base = task.Delay
	}
	d := antiban.Timing{Base: base, Jitter: q.cfg.Jitter}.Delay()
	if d <= 0 {
		return nil
	}
	t := q.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

// dispatch handles one task and reports whether a send was attempted.
func (q *Queue) dispatch(ctx context.Context, task model.MessageTask) bool {
	defer func() {
		q.mu.Lock()
		q.inFlight = ""
		q.mu.Unlock()
	}()
	log := q.log.With().Str("task_id", task.ID).Str("connection_id", task.ConnectionID).Logger()

	a, ok := q.conns.Acquire(ctx, task.ConnectionID)
	if !ok {
		log.Debug().Msg("connection not sendable")
		q.finish(task, model.Outcome{Status: model.OutcomeConnectionUnavailable, Error: "connection not ready"})
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, q.cfg.ProbeTimeout)
	st, err := a.State(pctx)
	cancel()
	if err != nil || st == adapter.StateClosed {
		reason := "health probe: adapter closed"
		if err != nil {
			reason = "health probe: " + err.Error()
		}
		log.Warn().Str("reason", reason).Msg("connection failed health probe")
		q.conns.Downgrade(task.ConnectionID, reason)
		q.finish(task, model.Outcome{Status: model.OutcomeConnectionUnavailable, Error: reason})
		return false
	}
	if st == adapter.StateDegraded {
		log.Warn().Msg("adapter degraded, sending anyway")
	}

	task.Attempts++
	payload := task.Payload
	if q.cfg.VaryText {
		payload.Text = antiban.Vary(payload.Text)
	}

	ref, err := q.send(ctx, a, task.Target, payload)
	if err == nil {
		log.Info().Int("attempt", task.Attempts).Str("delivery_id", ref).Msg("message sent")
		q.conns.Touch(task.ConnectionID, true)
		q.finish(task, model.Outcome{Status: model.OutcomeSent, DeliveryID: ref})
		return true
	}

	if IsConnectionLost(err) {
		q.requestRecovery(task.ConnectionID, err.Error())
	}
	if task.Attempts < q.cfg.MaxAttempts {
		log.Warn().Err(err).Int("attempt", task.Attempts).Dur("retry_in", q.cfg.RetryDelay).Msg("send failed, retrying")
		q.scheduleRetry(task, err.Error())
		return true
	}
	log.Error().Err(err).Int("attempt", task.Attempts).Msg("send failed, giving up")
	q.conns.Touch(task.ConnectionID, false)
	q.finish(task, model.Outcome{Status: model.OutcomeFailed, Error: err.Error()})
	return true
}

func (q *Queue) send(ctx context.Context, a adapter.Adapter, target string, payload model.Payload) (string, error) {
	n := q.sending.Add(1)
	defer q.sending.Add(-1)
	for {
		peak := q.maxInFlight.Load()
		if n <= peak || q.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	sctx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	defer cancel()
	ref, err := a.Send(sctx, target, payload)
	if err != nil {
		return "", errors.Wrap(err, "send")
	}
	return ref, nil
}

func (q *Queue) scheduleRetry(task model.MessageTask, reason string) {
	q.mu.Lock()
	q.retries.push(task, q.clock.Now().Add(q.cfg.RetryDelay))
	q.mu.Unlock()
	if err := q.sink.RecordRetryScheduled(context.Background(), task, reason); err != nil {
		q.log.Warn().Err(err).Str("task_id", task.ID).Msg("record retry")
	}
}

func (q *Queue) finish(task model.MessageTask, out model.Outcome) {
	out.TaskID = task.ID
	out.Attempts = task.Attempts
	out.At = q.clock.Now()
	if err := q.sink.RecordMessageOutcome(context.Background(), task, out); err != nil {
		q.log.Warn().Err(err).Str("task_id", task.ID).Msg("record outcome")
	}
	if task.CampaignID == "" {
		return
	}
	q.mu.Lock()
	tr := q.tracker
	q.mu.Unlock()
	if tr != nil {
		tr.OnTaskOutcome(task, out)
	}
}

func (q *Queue) requestRecovery(connectionID, reason string) {
	select {
	case q.recoveries <- model.RecoveryRequest{ConnectionID: connectionID, Reason: reason}:
		q.log.Info().Str("connection_id", connectionID).Msg("connection lost, recovery requested")
	default:
		q.log.Warn().Str("connection_id", connectionID).Msg("recovery channel full, dropping request")
	}
}

var connectionLostSignatures = []string{
	"connection closed",
	"connection lost",
	"connection reset",
	"websocket not connected",
	"not connected",
	"broken pipe",
	"eof",
	"session closed",
	"target closed",
	"stream replaced",
	"keepalive timeout",
}

// IsConnectionLost reports whether a send error looks like the underlying
// connection is gone rather than a one-off failure.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range connectionLostSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
