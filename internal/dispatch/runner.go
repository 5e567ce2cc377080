package dispatch

import (
	"context"
	"log/slog"
	"time"

	"referlane/internal/domain"
	"referlane/internal/observability"
	"referlane/internal/sender"
	"referlane/internal/store"
	"referlane/internal/util"
)

const DefaultBatchSize = 25

type Store interface {
	DueMessages(ctx context.Context, limit int, campaignID string, now time.Time) ([]store.CampaignMessage, error)
	ClaimMessage(ctx context.Context, msgID string, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, msgID string) error
	ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)
	MarkCampaignSending(ctx context.Context, campaignID string, now time.Time) error
	MarkMessageSent(ctx context.Context, in store.SentUpdate) error
	MarkMessageFailed(ctx context.Context, in store.FailedUpdate) error
	CampaignByID(ctx context.Context, campaignID string) (store.Campaign, bool, error)
	CampaignProgress(ctx context.Context, campaignID string) (store.CampaignProgress, error)
	SettleCampaign(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) (bool, error)
}

type ChannelDispatcher interface {
	Dispatch(ctx context.Context, campaign store.Campaign, msg store.CampaignMessage) sender.Outcome
}

// Notifier receives the owner-notification side effect when a campaign
// settles. The delivery mechanism (dashboard email) lives outside this
// service.
type Notifier interface {
	CampaignSettled(ctx context.Context, campaign store.Campaign, status domain.CampaignStatus)
}

type LogNotifier struct{}

func (LogNotifier) CampaignSettled(_ context.Context, campaign store.Campaign, status domain.CampaignStatus) {
	slog.Info("campaign settled",
		"campaign_id", campaign.ID,
		"business_id", campaign.BusinessID,
		"status", string(status),
		"sent", campaign.SentCount,
		"failed", campaign.FailedCount,
	)
}

type Runner struct {
	Store    Store
	Sender   ChannelDispatcher
	Notifier Notifier
	Lease    time.Duration

	// EventID is injectable so tests can use stable ids.
	EventID func() string
}

func NewRunner(st Store, snd ChannelDispatcher, lease time.Duration) *Runner {
	return &Runner{
		Store:    st,
		Sender:   snd,
		Notifier: LogNotifier{},
		Lease:    lease,
		EventID:  util.NewEventID,
	}
}

// RunBatch claims and dispatches due messages, oldest first, sequentially.
// Concurrent runs are safe: the conditional claim guarantees each message is
// owned by one run, and losing a claim is a silent skip. A provider failure
// marks that message failed and the batch continues. Every campaign touched
// is finalized afterwards.
func (r *Runner) RunBatch(ctx context.Context, batchSize int, campaignID string) (domain.BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var res domain.BatchResult
	msgs, err := r.Store.DueMessages(ctx, batchSize, campaignID, time.Now().UTC())
	if err != nil {
		return res, err
	}

	touched := make(map[string]bool)
	campaigns := make(map[string]store.Campaign)

	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}

		claimed, err := r.Store.ClaimMessage(ctx, m.ID, time.Now().UTC())
		if err != nil {
			return res, err
		}
		if !claimed {
			// Another runner got there first.
			observability.ClaimsLost.Inc()
			continue
		}
		res.Processed++
		touched[m.CampaignID] = true

		if err := r.Store.MarkCampaignSending(ctx, m.CampaignID, time.Now().UTC()); err != nil {
			slog.Warn("advance campaign to sending failed", "campaign_id", m.CampaignID, "err", err)
		}

		c, ok := campaigns[m.CampaignID]
		if !ok {
			loaded, found, err := r.Store.CampaignByID(ctx, m.CampaignID)
			if err != nil || !found {
				slog.Warn("campaign lookup failed", "campaign_id", m.CampaignID, "err", err)
			}
			c = loaded
			campaigns[m.CampaignID] = c
		}

		out := r.Sender.Dispatch(ctx, c, m)
		switch {
		case out.Transient:
			// The provider was never reached; put the message back.
			if err := r.Store.ReleaseClaim(ctx, m.ID); err != nil {
				slog.Error("release claim failed", "message_id", m.ID, "err", err)
			}
			res.Processed--
		case out.Sent:
			err := r.Store.MarkMessageSent(ctx, store.SentUpdate{
				MessageID:     m.ID,
				CampaignID:    m.CampaignID,
				BusinessID:    m.BusinessID,
				ProviderMsgID: out.ProviderMsgID,
				EventID:       r.EventID(),
				Now:           time.Now().UTC(),
			})
			if err != nil {
				slog.Error("mark message sent failed", "message_id", m.ID, "err", err)
				continue
			}
			res.Sent++
		default:
			err := r.Store.MarkMessageFailed(ctx, store.FailedUpdate{
				MessageID:  m.ID,
				CampaignID: m.CampaignID,
				BusinessID: m.BusinessID,
				Reason:     out.Reason,
				EventID:    r.EventID(),
				Now:        time.Now().UTC(),
			})
			if err != nil {
				slog.Error("mark message failed failed", "message_id", m.ID, "err", err)
				continue
			}
			res.Failed++
			slog.Info("campaign message failed",
				"message_id", m.ID,
				"campaign_id", m.CampaignID,
				"class", string(out.Class),
				"reason", out.Reason,
			)
		}
	}

	for id := range touched {
		if err := r.Finalize(ctx, id); err != nil {
			slog.Error("finalize campaign failed", "campaign_id", id, "err", err)
		}
	}
	return res, nil
}

// ReclaimStale requeues messages whose sending claim outlived the lease,
// typically after a dispatcher crash mid-send.
func (r *Runner) ReclaimStale(ctx context.Context) (int, error) {
	n, err := r.Store.ReclaimStale(ctx, time.Now().UTC(), r.Lease)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.Reclaimed.Add(float64(n))
		slog.Info("reclaimed stale claims", "count", n)
	}
	return n, nil
}
