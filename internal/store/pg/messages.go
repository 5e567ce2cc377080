package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"referlane/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const messageColumns = `
	id, campaign_id, business_id, COALESCE(customer_id,''), channel, to_address,
	message_body, COALESCE(referral_link,''), metadata_json, status, attempts,
	last_attempt_at, scheduled_at, COALESCE(last_error,''), created_at
`

// DueMessages selects queued messages whose scheduled_at is unset or in the
// past, oldest first. An empty campaignID means all campaigns.
func (s *Store) DueMessages(ctx context.Context, limit int, campaignID string, now time.Time) ([]store.CampaignMessage, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM campaign_messages
		WHERE status='queued' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY created_at
		LIMIT $2
	`
	args := []any{now, limit}
	if campaignID != "" {
		q = `
			SELECT ` + messageColumns + `
			FROM campaign_messages
			WHERE status='queued' AND (scheduled_at IS NULL OR scheduled_at <= $1)
			  AND campaign_id=$3
			ORDER BY created_at
			LIMIT $2
		`
		args = append(args, campaignID)
	}

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CampaignMessage
	for rows.Next() {
		var m store.CampaignMessage
		var metaJSON []byte
		err := rows.Scan(&m.ID, &m.CampaignID, &m.BusinessID, &m.CustomerID, &m.Channel,
			&m.ToAddress, &m.MessageBody, &m.ReferralLink, &metaJSON, &m.Status,
			&m.Attempts, &m.LastAttemptAt, &m.ScheduledAt, &m.LastError, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaJSON, &m.Metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClaimMessage flips a message from queued to sending. The affected-row count
// is the lock result: zero means another runner claimed it first.
func (s *Store) ClaimMessage(ctx context.Context, msgID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='sending', attempts=attempts+1, last_attempt_at=$2
		WHERE id=$1 AND status='queued'
	`, msgID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseClaim puts a claimed message back into the queue without recording a
// failure. Used when the provider circuit is open and the send never ran.
func (s *Store) ReleaseClaim(ctx context.Context, msgID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages SET status='queued' WHERE id=$1 AND status='sending'
	`, msgID)
	return err
}

// ReclaimStale requeues messages stuck in sending past the lease cutoff,
// which happens when a dispatcher crashes between claim and terminal stamp.
func (s *Store) ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	cutoff := now.Add(-staleAfter)
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='queued'
		WHERE status='sending' AND last_attempt_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) MarkMessageSent(ctx context.Context, in store.SentUpdate) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE campaign_messages
		SET status='sent', provider_msg_id=$2, sent_at=$3, last_error=NULL
		WHERE id=$1
	`, in.MessageID, in.ProviderMsgID, in.Now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1 WHERE id=$1
	`, in.CampaignID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{
		"message_id":      in.MessageID,
		"campaign_id":     in.CampaignID,
		"provider_msg_id": in.ProviderMsgID,
	})
	if _, err := tx.Exec(ctx, `
		INSERT INTO referral_events (id, business_id, event_type, metadata_json, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.EventID, in.BusinessID, "campaign_message_sent", meta, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkMessageFailed(ctx context.Context, in store.FailedUpdate) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE campaign_messages
		SET status='failed', last_error=$2
		WHERE id=$1
	`, in.MessageID, in.Reason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET failed_count = failed_count + 1 WHERE id=$1
	`, in.CampaignID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{
		"message_id":  in.MessageID,
		"campaign_id": in.CampaignID,
		"error":       in.Reason,
	})
	if _, err := tx.Exec(ctx, `
		INSERT INTO referral_events (id, business_id, event_type, metadata_json, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.EventID, in.BusinessID, "campaign_message_failed", meta, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
