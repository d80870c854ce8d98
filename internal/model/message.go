package model

import "time"

// Payload is the content of one outbound message.
type Payload struct {
	Text     string `json:"text"`
	MediaRef string `json:"media_ref,omitempty"`
}

// MessageTask is one unit of delivery work: one recipient, one payload.
type MessageTask struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Target       string    `json:"target"`
	Payload      Payload   `json:"payload"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`

	// Delay is the pacing applied after this task's send attempt.
	// Zero means the queue default.
	Delay time.Duration `json:"delay,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeSent                  OutcomeStatus = "sent"
	OutcomeFailed                OutcomeStatus = "failed"
	OutcomeConnectionUnavailable OutcomeStatus = "connection_unavailable"
	// OutcomeCancelled marks a task removed from the queue before dispatch.
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the terminal result of a MessageTask.
type Outcome struct {
	TaskID     string        `json:"task_id"`
	Status     OutcomeStatus `json:"status"`
	DeliveryID string        `json:"delivery_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	At         time.Time     `json:"at"`
}

// Success reports whether the message reached the provider.
func (o Outcome) Success() bool {
	return o.Status == OutcomeSent
}

// RecoveryRequest asks the lifecycle manager to verify a connection after a
// send failed with a connection-lost signature.
type RecoveryRequest struct {
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"`
}
