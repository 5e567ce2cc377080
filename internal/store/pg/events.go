package pg

import (
	"context"
	"encoding/json"

	"referlane/internal/store"
)

func (s *Store) AppendEvent(ctx context.Context, in store.EventInsert) error {
	meta, _ := json.Marshal(in.Metadata)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO referral_events (id, business_id, ambassador_id, event_type, metadata_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.ID, in.BusinessID, nullIfEmpty(in.AmbassadorID), in.EventType, meta, in.Now)
	return err
}

// EventsForBusiness returns the newest events first, for the dashboard feed.
func (s *Store) EventsForBusiness(ctx context.Context, businessID string, limit int) ([]store.Event, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, business_id, COALESCE(ambassador_id,''), event_type, metadata_json, created_at
		FROM referral_events
		WHERE business_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var e store.Event
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.AmbassadorID, &e.EventType, &metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaJSON, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}
