// Package campaign drives bulk sends: it slices a target list into batches,
// feeds them into the delivery queue at a paced rate and folds the per-task
// outcomes back into one Campaign record.
package campaign

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var (
	ErrEmptyTargets          = errors.New("empty target list")
	ErrConnectionNotSendable = errors.New("connection not sendable")
	ErrUnknownCampaign       = errors.New("unknown campaign")
	ErrCampaignClosed        = errors.New("campaign closed")
)

// Queue is the part of the delivery queue the processor feeds.
type Queue interface {
	Enqueue(task model.MessageTask) (string, error)
	CancelCampaign(campaignID, reason string) int
}

// Connections answers the sendability check made at start.
type Connections interface {
	IsSendable(ctx context.Context, id string) bool
}

// Config holds the defaults applied to zero pacing fields.
type Config struct {
	BatchSize         int
	InterMessageDelay time.Duration
	InterBatchDelay   time.Duration
	MaxDuration       time.Duration
	// ProgressEvery reports progress after this many completions.
	ProgressEvery int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 6 * time.Hour
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 10
	}
	return c
}

type run struct {
	c model.Campaign

	ctx    context.Context
	cancel context.CancelFunc

	paused bool
	resume chan struct{}

	pending  map[string]int // task id -> target index
	recorded []bool         // per target index
	since    int            // completions since the last progress report
	deadline clockwork.Timer
}

// Processor is the Batch Campaign Processor.
type Processor struct {
	cfg   Config
	queue Queue
	conns Connections
	sink  outcome.Sink
	clock clockwork.Clock
	log   zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewProcessor creates a processor feeding queue.
func NewProcessor(cfg Config, queue Queue, conns Connections, sink outcome.Sink, clock clockwork.Clock, log zerolog.Logger) *Processor {
	if sink == nil {
		sink = outcome.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Processor{
		cfg:   cfg.withDefaults(),
		queue: queue,
		conns: conns,
		sink:  sink,
		clock: clock,
		log:   log.With().Str("component", "campaign").Logger(),
		runs:  make(map[string]*run),
	}
}

// batchBounds returns the [start, end) index pairs of each batch.
func batchBounds(n, size int) [][2]int {
	if n == 0 || size <= 0 {
		return nil
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// Start validates the request, records the campaign and starts feeding it.
func (p *Processor) Start(ctx context.Context, spec model.CampaignSpec) (string, error) {
	if len(spec.Targets) == 0 {
		return "", ErrEmptyTargets
	}
	if !p.conns.IsSendable(ctx, spec.ConnectionID) {
		return "", errors.Wrap(ErrConnectionNotSendable, spec.ConnectionID)
	}

	pacing := spec.Pacing
	if pacing.BatchSize <= 0 {
		pacing.BatchSize = p.cfg.BatchSize
	}
	if pacing.InterMessageDelay <= 0 {
		pacing.InterMessageDelay = p.cfg.InterMessageDelay
	}
	if pacing.InterBatchDelay <= 0 {
		pacing.InterBatchDelay = p.cfg.InterBatchDelay
	}
	if pacing.MaxDuration <= 0 {
		pacing.MaxDuration = p.cfg.MaxDuration
	}

	now := p.clock.Now()
	c := model.Campaign{
		ID:                uuid.NewString(),
		OwnerID:           spec.OwnerID,
		ConnectionID:      spec.ConnectionID,
		Targets:           append([]string(nil), spec.Targets...),
		Payload:           spec.Payload,
		BatchSize:         pacing.BatchSize,
		InterMessageDelay: pacing.InterMessageDelay,
		InterBatchDelay:   pacing.InterBatchDelay,
		MaxDuration:       pacing.MaxDuration,
		Status:            model.CampaignQueued,
		StartedAt:         now,
	}
	if err := p.sink.RecordCampaignCreated(ctx, c); err != nil {
		p.log.Warn().Err(err).Str("campaign_id", c.ID).Msg("record campaign")
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:      rctx,
		cancel:   cancel,
		resume:   make(chan struct{}),
		pending:  make(map[string]int),
		recorded: make([]bool, len(c.Targets)),
	}
	c.Status = model.CampaignRunning
	r.c = c

	p.mu.Lock()
	p.runs[c.ID] = r
	id := c.ID
	r.deadline = p.clock.AfterFunc(c.MaxDuration, func() { p.expire(id) })
	p.mu.Unlock()

	p.log.Info().Str("campaign_id", id).Str("connection_id", c.ConnectionID).
		Str("targets", humanize.Comma(int64(len(c.Targets)))).Int("batches", c.Batches()).
		Int("batch_size", c.BatchSize).Msg("campaign started")
	p.report(model.ProgressOf(c))

	p.wg.Add(1)
	go p.feed(r)
	return id, nil
}

// feed enqueues the targets batch by batch. It runs on its own goroutine
// until every target is enqueued or the campaign closes.
func (p *Processor) feed(r *run) {
	defer p.wg.Done()

	p.mu.Lock()
	id, conn, payload := r.c.ID, r.c.ConnectionID, r.c.Payload
	targets := r.c.Targets
	size, msgDelay, batchDelay := r.c.BatchSize, r.c.InterMessageDelay, r.c.InterBatchDelay
	p.mu.Unlock()

	bounds := batchBounds(len(targets), size)
	for b, bound := range bounds {
		if !p.waitRunnable(r) {
			return
		}
		p.mu.Lock()
		r.c.CurrentBatchIndex = b
		p.mu.Unlock()
		p.log.Info().Str("campaign_id", id).Int("batch", b+1).Int("of", len(bounds)).
			Int("size", bound[1]-bound[0]).Msg("enqueuing batch")

		for i := bound[0]; i < bound[1]; i++ {
			if !p.waitRunnable(r) {
				return
			}
			task := model.MessageTask{
				ID:           uuid.NewString(),
				ConnectionID: conn,
				Target:       targets[i],
				Payload:      payload,
				CampaignID:   id,
				Delay:        msgDelay,
			}
			p.mu.Lock()
			if r.c.Status.Closed() {
				p.mu.Unlock()
				return
			}
			r.pending[task.ID] = i
			p.mu.Unlock()

			if _, err := p.queue.Enqueue(task); err != nil {
				p.fail(r, task.ID, err)
				return
			}
			p.mu.Lock()
			r.c.Enqueued++
			p.mu.Unlock()

			if i < bound[1]-1 && !p.sleep(r, msgDelay) {
				return
			}
		}

		p.mu.Lock()
		prog, closed := model.ProgressOf(r.c), r.c.Status.Closed()
		r.since = 0
		p.mu.Unlock()
		if closed {
			return
		}
		p.report(prog)

		if b < len(bounds)-1 && !p.sleep(r, batchDelay) {
			return
		}
	}
	p.log.Info().Str("campaign_id", id).Int("targets", len(targets)).Msg("all batches enqueued")
}

// waitRunnable blocks while the campaign is paused. It returns false once the
// campaign is closed.
func (p *Processor) waitRunnable(r *run) bool {
	for {
		p.mu.Lock()
		if r.c.Status.Closed() || r.ctx.Err() != nil {
			p.mu.Unlock()
			return false
		}
		if !r.paused {
			p.mu.Unlock()
			return true
		}
		ch := r.resume
		p.mu.Unlock()

		select {
		case <-ch:
		case <-r.ctx.Done():
			return false
		}
	}
}

func (p *Processor) sleep(r *run, d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

// Pause halts further enqueuing. Tasks already queued still go out.
func (p *Processor) Pause(id string) error {
	p.mu.Lock()
	r, err := p.open(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if r.paused {
		p.mu.Unlock()
		return nil
	}
	r.paused = true
	r.c.Status = model.CampaignPaused
	prog := model.ProgressOf(r.c)
	p.mu.Unlock()

	p.log.Info().Str("campaign_id", id).Msg("campaign paused")
	p.report(prog)
	return nil
}

// Resume continues a paused campaign.
func (p *Processor) Resume(id string) error {
	p.mu.Lock()
	r, err := p.open(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !r.paused {
		p.mu.Unlock()
		return nil
	}
	r.paused = false
	r.c.Status = model.CampaignRunning
	close(r.resume)
	r.resume = make(chan struct{})
	prog := model.ProgressOf(r.c)
	p.mu.Unlock()

	p.log.Info().Str("campaign_id", id).Msg("campaign resumed")
	p.report(prog)
	return nil
}

// Cancel closes the campaign, stops feeding and purges its undispatched
// tasks. Sends already in flight are not recalled.
func (p *Processor) Cancel(id string) error {
	p.mu.Lock()
	r, err := p.open(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	sum := p.closeLocked(r, model.CampaignCancelled)
	p.mu.Unlock()

	purged := p.queue.CancelCampaign(id, "campaign cancelled")
	p.log.Info().Str("campaign_id", id).Int("purged", purged).Msg("campaign cancelled")
	p.final(sum)
	return nil
}

// open returns a campaign that is not closed. Callers hold p.mu.
func (p *Processor) open(id string) (*run, error) {
	r, ok := p.runs[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownCampaign, id)
	}
	if r.c.Status.Closed() {
		return nil, errors.Wrapf(ErrCampaignClosed, "%s is %s", id, r.c.Status)
	}
	return r, nil
}

// OnTaskOutcome folds a terminal task outcome into its campaign. Outcomes for
// unknown tasks, repeated outcomes and outcomes after close are ignored.
func (p *Processor) OnTaskOutcome(task model.MessageTask, out model.Outcome) {
	p.mu.Lock()
	r, ok := p.runs[task.CampaignID]
	if !ok || r.c.Status.Closed() {
		p.mu.Unlock()
		return
	}
	idx, ok := r.pending[task.ID]
	if !ok || r.recorded[idx] {
		p.mu.Unlock()
		return
	}
	delete(r.pending, task.ID)
	r.recorded[idx] = true

	switch out.Status {
	case model.OutcomeSent:
		r.c.SentCount++
	case model.OutcomeConnectionUnavailable:
		r.c.FailedCount++
		r.c.UnavailableCount++
	default:
		r.c.FailedCount++
	}
	at := out.At
	if at.IsZero() {
		at = p.clock.Now()
	}
	r.c.Results = append(r.c.Results, model.TargetResult{
		Target:   task.Target,
		TaskID:   task.ID,
		Status:   out.Status,
		Error:    out.Error,
		Attempts: out.Attempts,
		At:       at,
	})
	r.since++

	var (
		prog    *model.Progress
		sum     *model.Summary
		summary model.Summary
	)
	if r.c.Completed() >= len(r.c.Targets) {
		summary = p.closeLocked(r, model.CampaignCompleted)
		sum = &summary
	} else if r.since >= p.cfg.ProgressEvery {
		r.since = 0
		pr := model.ProgressOf(r.c)
		prog = &pr
	}
	p.mu.Unlock()

	if prog != nil {
		p.report(*prog)
	}
	if sum != nil {
		p.log.Info().Str("campaign_id", sum.CampaignID).Int("sent", sum.Sent).Int("failed", sum.Failed).
			Int("unavailable", sum.Unavailable).Dur("duration", sum.Duration).
			Msg("campaign completed")
		p.final(*sum)
	}
}

const expiredReason = "campaign exceeded maximum duration"

// expire force-completes a campaign that ran past its maximum duration.
// Targets without an outcome are recorded as failed.
func (p *Processor) expire(id string) {
	p.mu.Lock()
	r, ok := p.runs[id]
	if !ok || r.c.Status.Closed() {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	outstanding := 0
	for i, done := range r.recorded {
		if done {
			continue
		}
		r.recorded[i] = true
		r.c.FailedCount++
		r.c.Results = append(r.c.Results, model.TargetResult{
			Target: r.c.Targets[i],
			Status: model.OutcomeFailed,
			Error:  expiredReason,
			At:     now,
		})
		outstanding++
	}
	r.pending = make(map[string]int)
	r.c.TimedOut = true
	sum := p.closeLocked(r, model.CampaignCompleted)
	maxDuration := r.c.MaxDuration
	p.mu.Unlock()

	purged := p.queue.CancelCampaign(id, expiredReason)
	p.log.Warn().Str("campaign_id", id).Int("outstanding", outstanding).Int("purged", purged).
		Dur("max_duration", maxDuration).Msg("campaign hit maximum duration, force-completed")
	p.final(sum)
}

// fail closes the campaign after the queue refused a task.
func (p *Processor) fail(r *run, taskID string, cause error) {
	p.mu.Lock()
	delete(r.pending, taskID)
	if r.c.Status.Closed() {
		p.mu.Unlock()
		return
	}
	sum := p.closeLocked(r, model.CampaignFailed)
	id := r.c.ID
	p.mu.Unlock()

	p.queue.CancelCampaign(id, "campaign failed: "+cause.Error())
	p.log.Error().Err(cause).Str("campaign_id", id).Msg("campaign failed")
	p.final(sum)
}

// closeLocked moves a campaign to a terminal status. Callers hold p.mu.
func (p *Processor) closeLocked(r *run, status model.CampaignStatus) model.Summary {
	now := p.clock.Now()
	r.c.Status = status
	r.c.CompletedAt = now
	r.c.Duration = now.Sub(r.c.StartedAt)
	if r.paused {
		r.paused = false
		close(r.resume)
		r.resume = make(chan struct{})
	}
	if r.deadline != nil {
		r.deadline.Stop()
	}
	r.cancel()
	return model.SummaryOf(r.c)
}

func (p *Processor) report(prog model.Progress) {
	if err := p.sink.RecordCampaignProgress(context.Background(), prog); err != nil {
		p.log.Warn().Err(err).Str("campaign_id", prog.CampaignID).Msg("record progress")
	}
}

func (p *Processor) final(sum model.Summary) {
	if err := p.sink.RecordCampaignFinal(context.Background(), sum); err != nil {
		p.log.Warn().Err(err).Str("campaign_id", sum.CampaignID).Msg("record campaign summary")
	}
}

// Get returns a snapshot of one campaign.
func (p *Processor) Get(id string) (model.Campaign, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[id]
	if !ok {
		return model.Campaign{}, errors.Wrap(ErrUnknownCampaign, id)
	}
	return snapshot(r.c), nil
}

// List returns every campaign, oldest first.
func (p *Processor) List() []model.Campaign {
	p.mu.Lock()
	out := make([]model.Campaign, 0, len(p.runs))
	for _, r := range p.runs {
		out = append(out, snapshot(r.c))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func snapshot(c model.Campaign) model.Campaign {
	c.Targets = append([]string(nil), c.Targets...)
	c.Results = append([]model.TargetResult(nil), c.Results...)
	return c
}

// Shutdown stops every feeder without closing the campaigns and waits for
// them to return.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	for _, r := range p.runs {
		r.cancel()
		if r.deadline != nil {
			r.deadline.Stop()
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
