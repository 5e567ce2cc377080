package attribution

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"referlane/internal/domain"
	"referlane/internal/observability"
	"referlane/internal/store"
	"referlane/internal/util"
)

// Rejection classes surfaced to the HTTP edge. None of them leaves partial
// state behind.
var (
	ErrUnauthorized = errors.New("unknown or mismatched discount secret")
	ErrUnknownCode  = errors.New("no ambassador for discount code")
)

type Store interface {
	BusinessBySecret(ctx context.Context, secret string) (store.Business, bool, error)
	AmbassadorByDiscountCode(ctx context.Context, businessID, code string) (store.Ambassador, bool, error)
	RedemptionExists(ctx context.Context, businessID, orderReference string) (bool, error)
	RecordConversion(ctx context.Context, in store.ConversionInsert) (created bool, err error)
}

// Service turns a redeemed discount code into an idempotent ledger entry, a
// completed referral, and an ambassador credit. Retrying an identical
// redemption is indistinguishable in effect from a single successful call:
// the (business_id, order_reference) unique constraint in the store is the
// enforcement mechanism, the RedemptionExists read is only a fast path.
type Service struct {
	Store Store

	RedemptionID func() string
	ReferralID   func() string
	EventID      func() string
}

func New(st Store) *Service {
	return &Service{
		Store:        st,
		RedemptionID: util.NewRedemptionID,
		ReferralID:   util.NewReferralID,
		EventID:      util.NewEventID,
	}
}

func (s *Service) Redeem(ctx context.Context, secret string, req domain.RedeemRequest) (domain.RedeemResponse, error) {
	if secret == "" {
		observability.Redemptions.WithLabelValues("auth_rejected").Inc()
		return domain.RedeemResponse{}, ErrUnauthorized
	}
	business, found, err := s.Store.BusinessBySecret(ctx, secret)
	if err != nil {
		return domain.RedeemResponse{}, err
	}
	if !found {
		observability.Redemptions.WithLabelValues("auth_rejected").Inc()
		return domain.RedeemResponse{}, ErrUnauthorized
	}

	if err := req.Validate(); err != nil {
		observability.Redemptions.WithLabelValues("invalid").Inc()
		return domain.RedeemResponse{}, err
	}

	ambassador, found, err := s.Store.AmbassadorByDiscountCode(ctx, business.ID, req.DiscountCode)
	if err != nil {
		return domain.RedeemResponse{}, err
	}
	if !found {
		observability.Redemptions.WithLabelValues("code_unknown").Inc()
		return domain.RedeemResponse{}, ErrUnknownCode
	}

	// Fast path for retries: skip the write entirely when the order was
	// already credited.
	if exists, err := s.Store.RedemptionExists(ctx, business.ID, req.OrderReference); err != nil {
		return domain.RedeemResponse{}, err
	} else if exists {
		observability.Redemptions.WithLabelValues("duplicate").Inc()
		return domain.RedeemResponse{Duplicate: true, AmbassadorID: ambassador.ID, Reward: decimal.Zero}, nil
	}

	reward := business.RewardType.RewardFor(business.RewardAmount, req.Amount)

	redemptionID := s.RedemptionID()
	created, err := s.Store.RecordConversion(ctx, store.ConversionInsert{
		RedemptionID:   redemptionID,
		ReferralID:     s.ReferralID(),
		BusinessID:     business.ID,
		AmbassadorID:   ambassador.ID,
		OrderReference: req.OrderReference,
		DiscountCode:   req.DiscountCode,
		Amount:         req.Amount,
		Reward:         reward,
		Source:         req.Source,
		EventID:        s.EventID(),
		Now:            util.NowUTC(),
	})
	if err != nil {
		return domain.RedeemResponse{}, err
	}
	if !created {
		// Lost the race to an identical concurrent request; the other one
		// committed, so this retry is a no-op success.
		observability.Redemptions.WithLabelValues("duplicate").Inc()
		return domain.RedeemResponse{Duplicate: true, AmbassadorID: ambassador.ID, Reward: decimal.Zero}, nil
	}

	observability.Redemptions.WithLabelValues("ok").Inc()
	slog.Info("conversion credited",
		"business_id", business.ID,
		"ambassador_id", ambassador.ID,
		"order_reference", req.OrderReference,
		"reward", reward.String(),
	)
	return domain.RedeemResponse{
		RedemptionID: redemptionID,
		AmbassadorID: ambassador.ID,
		Reward:       reward,
	}, nil
}
