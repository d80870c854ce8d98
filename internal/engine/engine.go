// Package engine assembles the lifecycle manager, the delivery queue and the
// campaign processor behind one API used by the HTTP layer and the command.
package engine

import (
	"context"
	"io"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/campaign"
	"github.com/whatsapp-automation/worker/internal/delivery"
	"github.com/whatsapp-automation/worker/internal/lifecycle"
	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var ErrInvalidRequest = errors.New("invalid request")

// Restorer lists the connections to re-open at startup.
type Restorer interface {
	PersistentConnections(ctx context.Context) ([]model.Connection, error)
}

type Options struct {
	Lifecycle lifecycle.Config
	Delivery  delivery.Config
	Campaign  campaign.Config

	Factory  adapter.Factory
	Sink     outcome.Sink
	Restorer Restorer
	// Closers are closed by Close after the core has stopped.
	Closers []io.Closer

	Clock clockwork.Clock
	Log   zerolog.Logger
}

type Engine struct {
	conns     *lifecycle.Manager
	queue     *delivery.Queue
	campaigns *campaign.Processor
	restorer  Restorer
	closers   []io.Closer
	log       zerolog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Factory == nil {
		return nil, errors.New("engine: adapter factory is required")
	}
	if opts.Sink == nil {
		opts.Sink = outcome.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	conns := lifecycle.NewManager(opts.Lifecycle, opts.Factory, opts.Sink, opts.Clock, opts.Log)
	queue := delivery.NewQueue(opts.Delivery, conns, opts.Sink, opts.Clock, opts.Log)
	proc := campaign.NewProcessor(opts.Campaign, queue, conns, opts.Sink, opts.Clock, opts.Log)
	queue.SetTracker(proc)

	return &Engine{
		conns:     conns,
		queue:     queue,
		campaigns: proc,
		restorer:  opts.Restorer,
		closers:   opts.Closers,
		log:       opts.Log.With().Str("component", "engine").Logger(),
	}, nil
}

// Run drives the core until ctx is done: the lifecycle actor, the dispatcher,
// the recovery watcher, and a one-shot restore of persistent connections.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.conns.Run(gctx) })
	g.Go(func() error { return e.queue.Run(gctx) })
	g.Go(func() error {
		e.conns.WatchRecovery(gctx, e.queue.Recoveries())
		return nil
	})
	g.Go(func() error {
		e.restore(gctx)
		return nil
	})
	err := g.Wait()
	e.campaigns.Shutdown()
	return err
}

func (e *Engine) restore(ctx context.Context) {
	if e.restorer == nil {
		return
	}
	stored, err := e.restorer.PersistentConnections(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("load stored connections")
		return
	}
	var result *multierror.Error
	for _, c := range stored {
		if err := e.conns.Restore(ctx, c); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "restore %s", c.ID))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		e.log.Error().Err(err).Msg("restore connections")
	}
	e.log.Info().Int("connections", len(stored)).Msg("stored connections restored")
}

// Close stops campaign feeders, rejects new messages and closes resources.
func (e *Engine) Close() error {
	e.campaigns.Shutdown()
	e.queue.Close()
	var result *multierror.Error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Connections

func (e *Engine) CreateConnection(ctx context.Context, ownerID string, persistent bool) (model.Connection, error) {
	if strings.TrimSpace(ownerID) == "" {
		return model.Connection{}, errors.Wrap(ErrInvalidRequest, "owner_id: cannot be blank")
	}
	id, err := e.conns.Create(ctx, ownerID, persistent)
	if err != nil {
		return model.Connection{}, err
	}
	return e.conns.Get(ctx, id)
}

// TerminateConnection closes a connection for good. Messages still queued for
// it resolve as connection_unavailable when dispatched, so campaigns converge.
func (e *Engine) TerminateConnection(ctx context.Context, id string) error {
	return e.conns.Terminate(ctx, id)
}

func (e *Engine) RequestReconnect(ctx context.Context, id string) (bool, error) {
	return e.conns.RequestReconnect(ctx, id)
}

func (e *Engine) ProbeConnection(ctx context.Context, id string) (model.ConnectionState, error) {
	return e.conns.Probe(ctx, id)
}

func (e *Engine) Connection(ctx context.Context, id string) (model.Connection, error) {
	return e.conns.Get(ctx, id)
}

func (e *Engine) Connections(ctx context.Context) ([]model.Connection, error) {
	return e.conns.List(ctx)
}

// Messages

// MaxDelay caps every caller-supplied pacing duration.
const MaxDelay = 24 * time.Hour

// MessageRequest is a single message outside any campaign.
type MessageRequest struct {
	ConnectionID string        `json:"connection_id"`
	Target       string        `json:"target"`
	Payload      model.Payload `json:"payload"`
	Delay        time.Duration `json:"delay,omitempty"`
}

func (r MessageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ConnectionID, validation.Required),
		validation.Field(&r.Target, validation.Required),
		validation.Field(&r.Payload, validation.By(validPayload)),
		validation.Field(&r.Delay, validation.Min(time.Duration(0)), validation.Max(MaxDelay)),
	)
}

func validPayload(v interface{}) error {
	p, _ := v.(model.Payload)
	if strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.MediaRef) == "" {
		return errors.New("text or media_ref is required")
	}
	return nil
}

// EnqueueMessage queues one message for a known connection. Whether the
// connection is sendable is decided at dispatch time.
func (e *Engine) EnqueueMessage(ctx context.Context, req MessageRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", errors.Wrap(ErrInvalidRequest, err.Error())
	}
	if _, err := e.conns.Get(ctx, req.ConnectionID); err != nil {
		return "", err
	}
	return e.queue.Enqueue(model.MessageTask{
		ConnectionID: req.ConnectionID,
		Target:       req.Target,
		Payload:      req.Payload,
		Delay:        req.Delay,
	})
}

// CancelMessage drops a message that has not been dispatched yet.
func (e *Engine) CancelMessage(id string) bool {
	return e.queue.Cancel(id)
}

// QueueDepth is the number of messages waiting, including delayed retries.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// Sending is 1 while a provider send is in progress.
func (e *Engine) Sending() int {
	if e.queue.InFlight() != "" {
		return 1
	}
	return 0
}

// Campaigns

func validateSpec(s model.CampaignSpec) error {
	nonNegative, capped := validation.Min(time.Duration(0)), validation.Max(MaxDelay)
	return validation.Errors{
		"connection_id":              validation.Validate(s.ConnectionID, validation.Required),
		"targets":                    validation.Validate(s.Targets, validation.Each(validation.Required)),
		"payload":                    validation.Validate(s.Payload, validation.By(validPayload)),
		"pacing.batch_size":          validation.Validate(s.Pacing.BatchSize, validation.Min(0)),
		"pacing.inter_message_delay": validation.Validate(s.Pacing.InterMessageDelay, nonNegative, capped),
		"pacing.inter_batch_delay":   validation.Validate(s.Pacing.InterBatchDelay, nonNegative, capped),
		"pacing.max_duration":        validation.Validate(s.Pacing.MaxDuration, nonNegative, capped),
	}.Filter()
}

// StartCampaign validates the request shape, then hands it to the processor,
// which rejects empty target lists and unsendable connections.
func (e *Engine) StartCampaign(ctx context.Context, spec model.CampaignSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", errors.Wrap(ErrInvalidRequest, err.Error())
	}
	if _, err := e.conns.Get(ctx, spec.ConnectionID); err != nil {
		return "", err
	}
	return e.campaigns.Start(ctx, spec)
}

func (e *Engine) PauseCampaign(id string) error  { return e.campaigns.Pause(id) }
func (e *Engine) ResumeCampaign(id string) error { return e.campaigns.Resume(id) }
func (e *Engine) CancelCampaign(id string) error { return e.campaigns.Cancel(id) }

func (e *Engine) Campaign(id string) (model.Campaign, error) {
	return e.campaigns.Get(id)
}

func (e *Engine) Campaigns() []model.Campaign {
	return e.campaigns.List()
}
