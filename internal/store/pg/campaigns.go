package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"referlane/internal/domain"
	"referlane/internal/store"
)

// MarkCampaignSending opportunistically advances a campaign out of queued.
// No-op if the campaign already moved past that state.
func (s *Store) MarkCampaignSending(ctx context.Context, campaignID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='sending', updated_at=$2
		WHERE id=$1 AND status='queued'
	`, campaignID, now)
	return err
}

// CampaignProgress counts the campaign's messages by state. Delivered rows
// count as sent for settlement purposes.
func (s *Store) CampaignProgress(ctx context.Context, campaignID string) (store.CampaignProgress, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('queued','sending')),
			COUNT(*) FILTER (WHERE status IN ('sent','delivered')),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM campaign_messages WHERE campaign_id=$1
	`, campaignID)
	var p store.CampaignProgress
	if err := row.Scan(&p.InFlight, &p.Sent, &p.Failed); err != nil {
		return store.CampaignProgress{}, err
	}
	return p, nil
}

// SettleCampaign moves a campaign to a terminal status. Returns false when
// the campaign was already settled, so repeated finalize calls notify once.
func (s *Store) SettleCampaign(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3
		WHERE id=$1 AND status IN ('queued','sending')
	`, campaignID, status, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CampaignByID(ctx context.Context, campaignID string) (store.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, business_id, name, channel, status, total_recipients, sent_count,
		       failed_count, snapshot_business_name, COALESCE(snapshot_reward_text,''),
		       COALESCE(snapshot_logo_url,''), created_at
		FROM campaigns WHERE id=$1
	`, campaignID)
	var c store.Campaign
	err := row.Scan(&c.ID, &c.BusinessID, &c.Name, &c.Channel, &c.Status,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&c.SnapshotBusinessName, &c.SnapshotRewardText, &c.SnapshotLogoURL, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Campaign{}, false, nil
		}
		return store.Campaign{}, false, err
	}
	return c, true, nil
}
