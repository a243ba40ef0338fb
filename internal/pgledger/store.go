package pgledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imrishuroy/go-course-purchase/internal/purchases"
)

// uniqueViolation is the SQLSTATE Postgres reports for a unique constraint conflict.
const uniqueViolation = "23505"

const purchaseColumns = `purchase_id, course_id, user_id, amount, currency, status,
	external_session_id, external_event_id, failure_reason, propagated_at, created_at, updated_at`

// Store is a purchase ledger and event marker store on PostgreSQL.
// Every status transition is a single conditional UPDATE, so the row lock serialises
// concurrent writers the same way DynamoDB condition expressions do.
type Store struct {
	db      *sql.DB
	lease   time.Duration
	nowFunc func() time.Time
}

// NewStore wraps an open database. lease bounds how long an event marker claim is held.
func NewStore(db *sql.DB, lease time.Duration) *Store {
	return &Store{
		db:      db,
		lease:   lease,
		nowFunc: time.Now,
	}
}

func (s *Store) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Microsecond)
}

// Create inserts a new pending purchase. Returns purchases.ErrExists if the id is taken.
func (s *Store) Create(ctx context.Context, p purchases.Purchase) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (purchase_id, course_id, user_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (purchase_id) DO NOTHING`,
		p.PurchaseID, p.CourseID, p.UserID, p.Amount, p.Currency, string(p.Status), p.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return purchases.ErrExists
	}
	return nil
}

// Get fetches a purchase by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, purchaseID string) (*purchases.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE purchase_id = $1`, purchaseID)
	return scanOne(row)
}

// GetBySession resolves a purchase by its external session id. Returns (nil, nil) if the
// session id was never attached.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*purchases.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_session_id = $1`, sessionID)
	return scanOne(row)
}

// AttachSession binds a session id to a pending purchase. The unique index on
// external_session_id keeps a session from pointing at two purchases.
func (s *Store) AttachSession(ctx context.Context, purchaseID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases SET external_session_id = $2, updated_at = $3
		WHERE purchase_id = $1 AND status = 'pending' AND external_session_id IS NULL`,
		purchaseID, sessionID, s.now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return purchases.ErrSessionTaken
		}
		return fmt.Errorf("attach session: %w", err)
	}
	return expectOne(res)
}

// Complete moves a pending purchase to completed with the confirmed amount.
// Ownership is derived from the completed row, so no second write is needed.
func (s *Store) Complete(ctx context.Context, p purchases.Purchase, confirmedAmount int64, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases SET status = 'completed', amount = $2, external_event_id = $3, updated_at = $4
		WHERE purchase_id = $1 AND status = 'pending'`,
		p.PurchaseID, confirmedAmount, eventID, s.now())
	if err != nil {
		return fmt.Errorf("complete purchase: %w", err)
	}
	return expectOne(res)
}

// Fail moves a pending purchase to failed. An empty eventID keeps the stored one.
func (s *Store) Fail(ctx context.Context, purchaseID, reason, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases SET status = 'failed', failure_reason = $2,
			external_event_id = COALESCE(NULLIF($3, ''), external_event_id), updated_at = $4
		WHERE purchase_id = $1 AND status = 'pending'`,
		purchaseID, reason, eventID, s.now())
	if err != nil {
		return fmt.Errorf("fail purchase: %w", err)
	}
	return expectOne(res)
}

// MarkPropagated stamps propagated_at once. Repeated calls on a completed purchase are
// no-ops; any other status returns purchases.ErrStatusMismatch.
func (s *Store) MarkPropagated(ctx context.Context, purchaseID string) error {
	now := s.now()
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE purchases SET propagated_at = COALESCE(propagated_at, $2),
			updated_at = CASE WHEN propagated_at IS NULL THEN $2 ELSE updated_at END
		WHERE purchase_id = $1 AND status = 'completed'
		RETURNING status`,
		purchaseID, now).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return purchases.ErrStatusMismatch
	}
	if err != nil {
		return fmt.Errorf("mark propagated: %w", err)
	}
	return nil
}

// HasCompleted reports whether userID owns a completed purchase of courseID.
func (s *Store) HasCompleted(ctx context.Context, userID, courseID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM purchases WHERE user_id = $1 AND course_id = $2 AND status = 'completed')`,
		userID, courseID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query ownership: %w", err)
	}
	return ok, nil
}

// ListByStatus returns up to limit purchases in status created before the cutoff, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status purchases.Status, before time.Time, limit int32) ([]purchases.Purchase, error) {
	return s.list(ctx, `status = $1 AND created_at < $2`, limit, string(status), before.UTC())
}

// ListOrphaned returns pending purchases created before the cutoff that never got a
// checkout session.
func (s *Store) ListOrphaned(ctx context.Context, before time.Time, limit int32) ([]purchases.Purchase, error) {
	return s.list(ctx, `status = 'pending' AND external_session_id IS NULL AND created_at < $1`, limit, before.UTC())
}

// ListUnpropagated returns completed purchases created before the cutoff whose enrollment
// propagation has not finished.
func (s *Store) ListUnpropagated(ctx context.Context, before time.Time, limit int32) ([]purchases.Purchase, error) {
	return s.list(ctx, `status = 'completed' AND propagated_at IS NULL AND created_at < $1`, limit, before.UTC())
}

func (s *Store) list(ctx context.Context, where string, limit int32, args ...any) ([]purchases.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE ` + where + ` ORDER BY created_at`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var list []purchases.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*purchases.Purchase, error) {
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPurchase(sc scanner) (*purchases.Purchase, error) {
	var (
		p          purchases.Purchase
		status     string
		sessionID  sql.NullString
		eventID    sql.NullString
		propagated sql.NullTime
	)
	err := sc.Scan(&p.PurchaseID, &p.CourseID, &p.UserID, &p.Amount, &p.Currency, &status,
		&sessionID, &eventID, &p.FailureReason, &propagated, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	p.Status = purchases.Status(status)
	p.ExternalSessionID = sessionID.String
	p.ExternalEventID = eventID.String
	if propagated.Valid {
		t := propagated.Time.UTC()
		p.PropagatedAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// expectOne maps a guarded UPDATE that touched no row to purchases.ErrStatusMismatch.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return purchases.ErrStatusMismatch
	}
	return nil
}
