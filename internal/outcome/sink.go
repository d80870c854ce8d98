// Package outcome defines the narrow interface the core uses to persist and
// broadcast what happened: connection state changes, message outcomes and
// campaign progress.
package outcome

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/whatsapp-automation/worker/internal/model"
)

type Sink interface {
	RecordStateChange(ctx context.Context, conn model.Connection) error
	RecordMessageQueued(ctx context.Context, task model.MessageTask) error
	RecordRetryScheduled(ctx context.Context, task model.MessageTask, reason string) error
	RecordMessageOutcome(ctx context.Context, task model.MessageTask, out model.Outcome) error
	RecordCampaignCreated(ctx context.Context, c model.Campaign) error
	RecordCampaignProgress(ctx context.Context, p model.Progress) error
	RecordCampaignFinal(ctx context.Context, s model.Summary) error
}

// Nop ignores everything. Embed it to implement only part of Sink.
type Nop struct{}

func (Nop) RecordStateChange(context.Context, model.Connection) error { return nil }
func (Nop) RecordMessageQueued(context.Context, model.MessageTask) error {
	return nil
}
func (Nop) RecordRetryScheduled(context.Context, model.MessageTask, string) error {
	return nil
}
func (Nop) RecordMessageOutcome(context.Context, model.MessageTask, model.Outcome) error {
	return nil
}
func (Nop) RecordCampaignCreated(context.Context, model.Campaign) error   { return nil }
func (Nop) RecordCampaignProgress(context.Context, model.Progress) error { return nil }
func (Nop) RecordCampaignFinal(context.Context, model.Summary) error     { return nil }

// Fanout forwards every record to all sinks, in order, and joins their errors.
// A failing sink does not stop the others.
type Fanout []Sink

func (f Fanout) each(fn func(Sink) error) error {
	var result *multierror.Error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := fn(s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (f Fanout) RecordStateChange(ctx context.Context, conn model.Connection) error {
	return f.each(func(s Sink) error { return s.RecordStateChange(ctx, conn) })
}

func (f Fanout) RecordMessageQueued(ctx context.Context, task model.MessageTask) error {
	return f.each(func(s Sink) error { return s.RecordMessageQueued(ctx, task) })
}

func (f Fanout) RecordRetryScheduled(ctx context.Context, task model.MessageTask, reason string) error {
	return f.each(func(s Sink) error { return s.RecordRetryScheduled(ctx, task, reason) })
}

func (f Fanout) RecordMessageOutcome(ctx context.Context, task model.MessageTask, out model.Outcome) error {
	return f.each(func(s Sink) error { return s.RecordMessageOutcome(ctx, task, out) })
}

func (f Fanout) RecordCampaignCreated(ctx context.Context, c model.Campaign) error {
	return f.each(func(s Sink) error { return s.RecordCampaignCreated(ctx, c) })
}

func (f Fanout) RecordCampaignProgress(ctx context.Context, p model.Progress) error {
	return f.each(func(s Sink) error { return s.RecordCampaignProgress(ctx, p) })
}

func (f Fanout) RecordCampaignFinal(ctx context.Context, sum model.Summary) error {
	return f.each(func(s Sink) error { return s.RecordCampaignFinal(ctx, sum) })
}
