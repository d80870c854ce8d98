// Package outcometest provides an in-memory outcome sink for tests.
package outcometest

import (
	"context"
	"sync"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var _ outcome.Sink = (*Recorder)(nil)

// Recorder keeps every record in memory.
type Recorder struct {
	mu       sync.Mutex
	States   []model.Connection
	Queued   []model.MessageTask
	Retries  []model.MessageTask
	Outcomes []model.Outcome
	Tasks    []model.MessageTask
	Created  []model.Campaign
	Progress []model.Progress
	Finals   []model.Summary
}

func (r *Recorder) RecordStateChange(_ context.Context, conn model.Connection) error {
	r.mu.Lock()
	r.States = append(r.States, conn)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordMessageQueued(_ context.Context, task model.MessageTask) error {
	r.mu.Lock()
	r.Queued = append(r.Queued, task)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordRetryScheduled(_ context.Context, task model.MessageTask, _ string) error {
	r.mu.Lock()
	r.Retries = append(r.Retries, task)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordMessageOutcome(_ context.Context, task model.MessageTask, out model.Outcome) error {
	r.mu.Lock()
	r.Tasks = append(r.Tasks, task)
	r.Outcomes = append(r.Outcomes, out)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordCampaignCreated(_ context.Context, c model.Campaign) error {
	r.mu.Lock()
	r.Created = append(r.Created, c)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordCampaignProgress(_ context.Context, p model.Progress) error {
	r.mu.Lock()
	r.Progress = append(r.Progress, p)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RecordCampaignFinal(_ context.Context, s model.Summary) error {
	r.mu.Lock()
	r.Finals = append(r.Finals, s)
	r.mu.Unlock()
	return nil
}

// StateHistory returns the states recorded for one connection, in order.
func (r *Recorder) StateHistory(connectionID string) []model.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ConnectionState
	for _, c := range r.States {
		if c.ID == connectionID {
			out = append(out, c.State)
		}
	}
	return out
}

// OutcomeList returns a copy of the recorded outcomes.
func (r *Recorder) OutcomeList() []model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Outcome(nil), r.Outcomes...)
}

// RetryCount returns how many retries were scheduled.
func (r *Recorder) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Retries)
}

// QueuedList returns a copy of the queued tasks.
func (r *Recorder) QueuedList() []model.MessageTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MessageTask(nil), r.Queued...)
}

// FinalList returns a copy of the recorded campaign summaries.
func (r *Recorder) FinalList() []model.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Summary(nil), r.Finals...)
}

// ProgressList returns a copy of the recorded progress reports.
func (r *Recorder) ProgressList() []model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Progress(nil), r.Progress...)
}
