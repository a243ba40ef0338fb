package pgledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-course-purchase/internal/idempotency"
)

// Claim takes the processing lease for eventID in one statement: a new marker is
// inserted, and an IN_PROGRESS marker whose lease lapsed is taken over by the upsert's
// conditional update. Anything else is reported from the stored status.
func (s *Store) Claim(ctx context.Context, eventID string) (idempotency.ClaimResult, error) {
	now := s.now()
	var claimed string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO purchase_event_markers (event_id, status, lease_expires_at, created_at, updated_at)
		VALUES ($1, 'IN_PROGRESS', $2, $3, $3)
		ON CONFLICT (event_id) DO UPDATE
			SET lease_expires_at = EXCLUDED.lease_expires_at, updated_at = EXCLUDED.updated_at
			WHERE purchase_event_markers.status = 'IN_PROGRESS'
				AND purchase_event_markers.lease_expires_at <= $4
		RETURNING event_id`,
		eventID, now.Add(s.lease).Unix(), now, now.Unix()).Scan(&claimed)
	if err == nil {
		return idempotency.ClaimAcquired, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return idempotency.ClaimBusy, fmt.Errorf("claim marker: %w", err)
	}

	rec, err := s.GetMarker(ctx, eventID)
	if err != nil {
		return idempotency.ClaimBusy, err
	}
	if rec != nil && rec.Status == idempotency.StatusDone {
		return idempotency.ClaimDone, nil
	}
	return idempotency.ClaimBusy, nil
}

// GetMarker returns the marker for eventID, or (nil, nil) if none exists.
func (s *Store) GetMarker(ctx context.Context, eventID string) (*idempotency.EventRecord, error) {
	var rec idempotency.EventRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, status, purchase_id, lease_expires_at, created_at, updated_at, note
		FROM purchase_event_markers WHERE event_id = $1`, eventID).
		Scan(&rec.EventID, &rec.Status, &rec.PurchaseID, &rec.LeaseExpiresAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get marker: %w", err)
	}
	return &rec, nil
}

// MarkDone records the event as processed. Once DONE the event is never claimed again
// and the row is never deleted.
func (s *Store) MarkDone(ctx context.Context, eventID, purchaseID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_event_markers (event_id, status, purchase_id, lease_expires_at, created_at, updated_at)
		VALUES ($1, 'DONE', $2, 0, $3, $3)
		ON CONFLICT (event_id) DO UPDATE
			SET status = 'DONE', purchase_id = EXCLUDED.purchase_id, lease_expires_at = 0,
				updated_at = EXCLUDED.updated_at`,
		eventID, purchaseID, now)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// Release gives an IN_PROGRESS lease back so the next delivery can retry at once.
// A DONE marker is left untouched.
func (s *Store) Release(ctx context.Context, eventID, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE purchase_event_markers SET lease_expires_at = 0, note = $2, updated_at = $3
		WHERE event_id = $1 AND status = 'IN_PROGRESS'`,
		eventID, note, s.now())
	if err != nil {
		return fmt.Errorf("release marker: %w", err)
	}
	return nil
}
