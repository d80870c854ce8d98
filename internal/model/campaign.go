package model

import "time"

type CampaignStatus string

const (
	CampaignQueued    CampaignStatus = "queued"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Closed reports whether the status is terminal.
func (s CampaignStatus) Closed() bool {
	switch s {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// Pacing controls how fast a campaign feeds the delivery queue.
type Pacing struct {
	BatchSize         int           `json:"batch_size"`
	InterMessageDelay time.Duration `json:"inter_message_delay"`
	InterBatchDelay   time.Duration `json:"inter_batch_delay"`
	// MaxDuration caps the whole campaign; zero means the processor default.
	MaxDuration time.Duration `json:"max_duration"`
}

// CampaignSpec is a request to start a campaign.
type CampaignSpec struct {
	OwnerID      string   `json:"owner_id"`
	ConnectionID string   `json:"connection_id"`
	Targets      []string `json:"targets"`
	Payload      Payload  `json:"payload"`
	Pacing       Pacing   `json:"pacing"`
}

// TargetResult is the per-target entry appended as outcomes arrive.
type TargetResult struct {
	Target   string        `json:"target"`
	TaskID   string        `json:"task_id"`
	Status   OutcomeStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
}

// Campaign aggregates the tasks sent to many recipients under one pacing config.
type Campaign struct {
	ID                string         `json:"id"`
	OwnerID           string         `json:"owner_id"`
	ConnectionID      string         `json:"connection_id"`
	Targets           []string       `json:"targets"`
	Payload           Payload        `json:"payload"`
	BatchSize         int            `json:"batch_size"`
	InterMessageDelay time.Duration  `json:"inter_message_delay"`
	InterBatchDelay   time.Duration  `json:"inter_batch_delay"`
	MaxDuration       time.Duration  `json:"max_duration"`
	Status            CampaignStatus `json:"status"`
	CurrentBatchIndex int            `json:"current_batch_index"`
	Enqueued          int            `json:"enqueued"`
	SentCount         int            `json:"sent_count"`
	FailedCount       int            `json:"failed_count"`
	// UnavailableCount is the part of FailedCount caused by an unsendable connection.
	UnavailableCount int            `json:"unavailable_count"`
	TimedOut         bool           `json:"timed_out"`
	Results          []TargetResult `json:"results,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`
	Duration         time.Duration  `json:"duration"`
}

// Completed is the number of targets with a terminal outcome.
func (c Campaign) Completed() int {
	return c.SentCount + c.FailedCount
}

// Batches is the number of batches the target list partitions into.
func (c Campaign) Batches() int {
	if c.BatchSize <= 0 || len(c.Targets) == 0 {
		return 0
	}
	return (len(c.Targets) + c.BatchSize - 1) / c.BatchSize
}

// Progress is the counters snapshot reported while a campaign runs.
type Progress struct {
	CampaignID  string         `json:"campaign_id"`
	Status      CampaignStatus `json:"status"`
	Completed   int            `json:"completed"`
	Total       int            `json:"total"`
	Success     int            `json:"success"`
	Failed      int            `json:"failed"`
	Unavailable int            `json:"unavailable"`
	Batch       int            `json:"batch"`
}

// Summary is reported once when a campaign closes.
type Summary struct {
	CampaignID  string         `json:"campaign_id"`
	Status      CampaignStatus `json:"status"`
	Total       int            `json:"total"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	Unavailable int            `json:"unavailable"`
	TimedOut    bool           `json:"timed_out"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// ProgressOf snapshots the counters of c.
func ProgressOf(c Campaign) Progress {
	return Progress{
		CampaignID:  c.ID,
		Status:      c.Status,
		Completed:   c.Completed(),
		Total:       len(c.Targets),
		Success:     c.SentCount,
		Failed:      c.FailedCount,
		Unavailable: c.UnavailableCount,
		Batch:       c.CurrentBatchIndex,
	}
}

// SummaryOf builds the final summary of a closed campaign.
func SummaryOf(c Campaign) Summary {
	return Summary{
		CampaignID:  c.ID,
		Status:      c.Status,
		Total:       len(c.Targets),
		Sent:        c.SentCount,
		Failed:      c.FailedCount,
		Unavailable: c.UnavailableCount,
		TimedOut:    c.TimedOut,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		Duration:    c.Duration,
	}
}
