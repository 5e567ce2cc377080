package pg

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"referlane/internal/store"
)

func (s *Store) BusinessBySecret(ctx context.Context, secret string) (store.Business, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, discount_secret, reward_type, reward_amount
		FROM businesses WHERE discount_secret=$1
	`, secret)
	var b store.Business
	err := row.Scan(&b.ID, &b.Name, &b.DiscountSecret, &b.RewardType, &b.RewardAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Business{}, false, nil
		}
		return store.Business{}, false, err
	}
	return b, true, nil
}

func (s *Store) AmbassadorByDiscountCode(ctx context.Context, businessID, code string) (store.Ambassador, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, business_id, name, discount_code, credit_balance
		FROM ambassadors WHERE business_id=$1 AND discount_code=$2
	`, businessID, code)
	var a store.Ambassador
	err := row.Scan(&a.ID, &a.BusinessID, &a.Name, &a.DiscountCode, &a.CreditBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Ambassador{}, false, nil
		}
		return store.Ambassador{}, false, err
	}
	return a, true, nil
}

// RedemptionExists is the advisory fast path for duplicate detection. The
// unique constraint on (business_id, order_reference) inside RecordConversion
// is what actually prevents a double credit under concurrency.
func (s *Store) RedemptionExists(ctx context.Context, businessID, orderReference string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT 1 FROM discount_redemptions WHERE business_id=$1 AND order_reference=$2
	`, businessID, orderReference)
	var one int
	err := row.Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordConversion applies a conversion in one transaction: redemption row,
// referral completion, ambassador credit, and the audit event commit together
// or not at all. Returns created=false when the idempotency key already
// exists, in which case nothing was written.
func (s *Store) RecordConversion(ctx context.Context, in store.ConversionInsert) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO discount_redemptions (id, business_id, order_reference, discount_code, amount, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (business_id, order_reference) DO NOTHING
	`, in.RedemptionID, in.BusinessID, in.OrderReference, in.DiscountCode, in.Amount, nullIfEmpty(in.Source), in.Now)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		// Retry of an already-applied conversion.
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO referrals (id, business_id, ambassador_id, status, transaction_value, created_by, consent_given, created_at)
		VALUES ($1,$2,$3,'completed',$4,NULL,true,$5)
		ON CONFLICT (business_id, ambassador_id)
		DO UPDATE SET status='completed', transaction_value=EXCLUDED.transaction_value
	`, in.ReferralID, in.BusinessID, in.AmbassadorID, in.Amount, in.Now); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ambassadors SET credit_balance = credit_balance + $2 WHERE id=$1
	`, in.AmbassadorID, in.Reward); err != nil {
		return false, err
	}

	meta, _ := json.Marshal(map[string]string{
		"order_reference": in.OrderReference,
		"discount_code":   in.DiscountCode,
		"amount":          in.Amount.String(),
		"reward":          in.Reward.String(),
	})
	if _, err := tx.Exec(ctx, `
		INSERT INTO referral_events (id, business_id, ambassador_id, event_type, metadata_json, created_at)
		VALUES ($1,$2,$3,'conversion_completed',$4,$5)
	`, in.EventID, in.BusinessID, in.AmbassadorID, meta, in.Now); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}
