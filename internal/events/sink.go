package events

import (
	"context"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

// Sink turns records into bus events.
type Sink struct {
	outcome.Nop
	bus *Bus
}

func NewSink(bus *Bus) *Sink {
	return &Sink{bus: bus}
}

// ConnectionEvent is the payload of connection-state.
type ConnectionEvent struct {
	ConnectionID   string                `json:"connection_id"`
	State          model.ConnectionState `json:"state"`
	Challenge      string                `json:"challenge,omitempty"`
	NonRecoverable bool                  `json:"non_recoverable,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// MessageEvent is the payload of the message-* events.
type MessageEvent struct {
	TaskID       string `json:"task_id"`
	ConnectionID string `json:"connection_id"`
	CampaignID   string `json:"campaign_id,omitempty"`
	Target       string `json:"target"`
	Attempts     int    `json:"attempts"`
	DeliveryID   string `json:"delivery_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Sink) RecordStateChange(_ context.Context, c model.Connection) error {
	s.bus.Publish(Event{Type: ConnectionState, Data: ConnectionEvent{
		ConnectionID:   c.ID,
		State:          c.State,
		Challenge:      c.Challenge,
		NonRecoverable: c.NonRecoverable,
		Error:          c.LastError,
	}})
	return nil
}

func (s *Sink) RecordMessageQueued(_ context.Context, t model.MessageTask) error {
	s.bus.Publish(Event{Type: MessageQueued, Data: messageEvent(t)})
	return nil
}

func (s *Sink) RecordRetryScheduled(_ context.Context, t model.MessageTask, reason string) error {
	ev := messageEvent(t)
	ev.Error = reason
	s.bus.Publish(Event{Type: MessageRetry, Data: ev})
	return nil
}

func (s *Sink) RecordMessageOutcome(_ context.Context, t model.MessageTask, out model.Outcome) error {
	ev := messageEvent(t)
	ev.Attempts = out.Attempts
	ev.DeliveryID = out.DeliveryID
	ev.Error = out.Error

	typ := MessageFailed
	switch out.Status {
	case model.OutcomeSent:
		typ = MessageSent
	case model.OutcomeConnectionUnavailable:
		typ = MessageUnavailable
	case model.OutcomeCancelled:
		typ = MessageCancelled
	}
	s.bus.Publish(Event{Type: typ, Time: out.At, Data: ev})
	return nil
}

func (s *Sink) RecordCampaignCreated(_ context.Context, c model.Campaign) error {
	s.bus.Publish(Event{Type: CampaignCreated, Data: model.ProgressOf(c)})
	return nil
}

func (s *Sink) RecordCampaignProgress(_ context.Context, p model.Progress) error {
	s.bus.Publish(Event{Type: CampaignProgress, Data: p})
	return nil
}

func (s *Sink) RecordCampaignFinal(_ context.Context, sum model.Summary) error {
	s.bus.Publish(Event{Type: CampaignCompleted, Time: sum.CompletedAt, Data: sum})
	return nil
}

func messageEvent(t model.MessageTask) MessageEvent {
	return MessageEvent{
		TaskID:       t.ID,
		ConnectionID: t.ConnectionID,
		CampaignID:   t.CampaignID,
		Target:       t.Target,
		Attempts:     t.Attempts,
	}
}
