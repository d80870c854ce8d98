package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/whatsapp-automation/worker/internal/model"
)

const connectionColumns = `id, owner_id, state, persistent, final, non_recoverable, last_error,
	messages_sent, messages_failed, created_at, last_activity`

// Connections returns every stored connection, oldest first.
func (s *Store) Connections(ctx context.Context) ([]model.Connection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at, id`)
}

// PersistentConnections returns the connections to bring back after a
// restart: persistent, not terminated and not failed.
func (s *Store) PersistentConnections(ctx context.Context) ([]model.Connection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE persistent = ? AND final = ? AND state <> ?
		ORDER BY created_at, id`, true, false, string(model.StateFailed))
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]model.Connection, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query connections")
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		var (
			c                model.Connection
			state            string
			lastErr          sql.NullString
			created, touched int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &state, &c.Persistent, &c.Final, &c.NonRecoverable, &lastErr,
			&c.MessagesSent, &c.MessagesFailed, &created, &touched); err != nil {
			return nil, errors.Wrap(err, "scan connection")
		}
		c.State = model.ConnectionState(state)
		c.LastError = lastErr.String
		c.CreatedAt = fromMillis(created)
		c.LastActivity = fromMillis(touched)
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate connections")
}

// Campaign loads one campaign row.
func (s *Store) Campaign(ctx context.Context, id string) (CampaignRecord, error) {
	var (
		r                   CampaignRecord
		status              string
		msgDelay, batchWait int64
		started, duration   int64
		completed           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, owner_id, connection_id, targets_count, batch_size, inter_message_delay_ms,
			inter_batch_delay_ms, status, current_batch, sent_count, failed_count, unavailable_count,
			timed_out, started_at, completed_at, duration_ms
		FROM campaigns WHERE id = ?`), id).Scan(
		&r.ID, &r.OwnerID, &r.ConnectionID, &r.TargetsCount, &r.BatchSize, &msgDelay,
		&batchWait, &status, &r.CurrentBatch, &r.SentCount, &r.FailedCount, &r.UnavailableCount,
		&r.TimedOut, &started, &completed, &duration,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignRecord{}, errors.Wrapf(ErrNotFound, "campaign %s", id)
	}
	if err != nil {
		return CampaignRecord{}, errors.Wrapf(err, "load campaign %s", id)
	}
	r.Status = model.CampaignStatus(status)
	r.InterMessageDelay = time.Duration(msgDelay) * time.Millisecond
	r.InterBatchDelay = time.Duration(batchWait) * time.Millisecond
	r.StartedAt = fromMillis(started)
	r.CompletedAt = nullMillis(completed)
	r.Duration = time.Duration(duration) * time.Millisecond
	return r, nil
}

// MessageLogs returns the log rows of one campaign in queue order.
func (s *Store) MessageLogs(ctx context.Context, campaignID string) ([]MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, connection_id, campaign_id, target, body, status, delivery_id, error,
			attempts, queued_at, updated_at, sent_at
		FROM message_logs WHERE campaign_id = ?
		ORDER BY queued_at, id`), campaignID)
	if err != nil {
		return nil, errors.Wrap(err, "query message logs")
	}
	defer rows.Close()

	var out []MessageLog
	for rows.Next() {
		var (
			l                                 MessageLog
			campaign, body, delivery, failure sql.NullString
			queued, updated                   int64
			sent                              sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.ConnectionID, &campaign, &l.Target, &body, &l.Status, &delivery, &failure,
			&l.Attempts, &queued, &updated, &sent); err != nil {
			return nil, errors.Wrap(err, "scan message log")
		}
		l.CampaignID = campaign.String
		l.Body = body.String
		l.DeliveryID = delivery.String
		l.Error = failure.String
		l.QueuedAt = fromMillis(queued)
		l.UpdatedAt = fromMillis(updated)
		l.SentAt = nullMillis(sent)
		out = append(out, l)
	}
	return out, errors.Wrap(rows.Err(), "iterate message logs")
}
