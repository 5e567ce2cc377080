package dispatch

import (
	"context"
	"time"

	"referlane/internal/domain"
	"referlane/internal/observability"
)

// Finalize settles a campaign's terminal status from the current state of
// its messages. Safe to call any number of times and from interleaved batch
// runs: it reads live counts, not batch-local tallies, and the settle update
// only fires while the campaign is still unsettled.
func (r *Runner) Finalize(ctx context.Context, campaignID string) error {
	p, err := r.Store.CampaignProgress(ctx, campaignID)
	if err != nil {
		return err
	}
	if p.InFlight > 0 {
		// Still being worked on, possibly by another runner.
		return nil
	}

	status := domain.CampaignCompleted
	if p.Failed > 0 {
		status = domain.CampaignPartial
	}

	settled, err := r.Store.SettleCampaign(ctx, campaignID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}
	observability.CampaignsSettled.WithLabelValues(string(status)).Inc()

	if r.Notifier != nil {
		if c, found, err := r.Store.CampaignByID(ctx, campaignID); err == nil && found {
			r.Notifier.CampaignSettled(ctx, c, status)
		}
	}
	return nil
}
