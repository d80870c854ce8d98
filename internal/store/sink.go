package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/whatsapp-automation/worker/internal/model"
)

func (s *Store) RecordStateChange(ctx context.Context, c model.Connection) error {
	err := s.exec(ctx, `
		INSERT INTO connections (id, owner_id, state, persistent, final, non_recoverable, last_error,
			messages_sent, messages_failed, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			persistent = excluded.persistent,
			final = excluded.final,
			non_recoverable = excluded.non_recoverable,
			last_error = excluded.last_error,
			messages_sent = excluded.messages_sent,
			messages_failed = excluded.messages_failed,
			last_activity = excluded.last_activity`,
		c.ID, c.OwnerID, string(c.State), c.Persistent, c.Final, c.NonRecoverable, nullStr(c.LastError),
		c.MessagesSent, c.MessagesFailed, millis(c.CreatedAt), millis(c.LastActivity),
	)
	return errors.Wrapf(err, "save connection %s", c.ID)
}

func (s *Store) RecordMessageQueued(ctx context.Context, t model.MessageTask) error {
	now := millis(s.clock.Now())
	queued := millis(t.CreatedAt)
	if queued == 0 {
		queued = now
	}
	err := s.exec(ctx, `
		INSERT INTO message_logs (id, connection_id, campaign_id, target, body, status, attempts, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, attempts = excluded.attempts, updated_at = excluded.updated_at`,
		t.ID, t.ConnectionID, nullStr(t.CampaignID), t.Target, nullStr(t.Payload.Text), LogQueued, t.Attempts, queued, now,
	)
	return errors.Wrapf(err, "log queued message %s", t.ID)
}

func (s *Store) RecordRetryScheduled(ctx context.Context, t model.MessageTask, reason string) error {
	err := s.exec(ctx, `UPDATE message_logs SET status = ?, error = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		LogRetrying, nullStr(reason), t.Attempts, millis(s.clock.Now()), t.ID)
	return errors.Wrapf(err, "log retry %s", t.ID)
}

func (s *Store) RecordMessageOutcome(ctx context.Context, t model.MessageTask, out model.Outcome) error {
	at := out.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	var sentAt any
	if out.Success() {
		sentAt = millis(at)
	}
	queued := millis(t.CreatedAt)
	if queued == 0 {
		queued = millis(at)
	}
	err := s.exec(ctx, `
		INSERT INTO message_logs (id, connection_id, campaign_id, target, body, status, delivery_id, error,
			attempts, queued_at, updated_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			delivery_id = excluded.delivery_id,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at,
			sent_at = excluded.sent_at`,
		t.ID, t.ConnectionID, nullStr(t.CampaignID), t.Target, nullStr(t.Payload.Text), string(out.Status),
		nullStr(out.DeliveryID), nullStr(out.Error), out.Attempts, queued, millis(at), sentAt,
	)
	return errors.Wrapf(err, "log outcome %s", t.ID)
}

func (s *Store) RecordCampaignCreated(ctx context.Context, c model.Campaign) error {
	err := s.exec(ctx, `
		INSERT INTO campaigns (id, owner_id, connection_id, targets_count, batch_size,
			inter_message_delay_ms, inter_batch_delay_ms, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status`,
		c.ID, c.OwnerID, c.ConnectionID, len(c.Targets), c.BatchSize,
		c.InterMessageDelay.Milliseconds(), c.InterBatchDelay.Milliseconds(), string(c.Status), millis(c.StartedAt),
	)
	return errors.Wrapf(err, "save campaign %s", c.ID)
}

func (s *Store) RecordCampaignProgress(ctx context.Context, p model.Progress) error {
	err := s.exec(ctx, `
		UPDATE campaigns SET status = ?, current_batch = ?, sent_count = ?, failed_count = ?, unavailable_count = ?
		WHERE id = ?`,
		string(p.Status), p.Batch, p.Success, p.Failed, p.Unavailable, p.CampaignID,
	)
	return errors.Wrapf(err, "save campaign progress %s", p.CampaignID)
}

func (s *Store) RecordCampaignFinal(ctx context.Context, sum model.Summary) error {
	err := s.exec(ctx, `
		UPDATE campaigns SET status = ?, sent_count = ?, failed_count = ?, unavailable_count = ?,
			timed_out = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(sum.Status), sum.Sent, sum.Failed, sum.Unavailable, sum.TimedOut,
		millis(sum.CompletedAt), sum.Duration.Milliseconds(), sum.CampaignID,
	)
	return errors.Wrapf(err, "save campaign summary %s", sum.CampaignID)
}
