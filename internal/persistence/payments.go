package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PaymentRecord is the persisted form of a PaymentMandate. Immutable once
// written; there is no update path.
type PaymentRecord struct {
	ID          string    `json:"id"`
	CartID      string    `json:"cart_id"`
	PaymentJSON string    `json:"payment_json"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (s *Store) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	var rec PaymentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cart_id, payment_json, amount, currency, status, created_at, processed_at
		FROM payment_mandates WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.CartID, &rec.PaymentJSON, &rec.Amount, &rec.Currency, &rec.Status, &rec.CreatedAt, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment mandate: %w", err)
	}
	return &rec, nil
}

// DeleteSettledMandates removes payment mandates processed before cutoff,
// along with the used carts they consumed. Payments referenced by a task
// that still exists are retained so task records stay resolvable.
func (s *Store) DeleteSettledMandates(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM payment_mandates
			WHERE processed_at < ?
			  AND id NOT IN (SELECT payment_mandate_id FROM tasks WHERE payment_mandate_id IS NOT NULL);
		`, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM cart_mandates
			WHERE is_used = 1
			  AND created_at < ?
			  AND id NOT IN (SELECT cart_id FROM payment_mandates);
		`, cutoff.UTC())
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("delete settled mandates: %w", err)
	}
	return deleted, nil
}

// PaymentCount reports the number of authorized payments, used by metrics.
func (s *Store) PaymentCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM payment_mandates;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("payment count: %w", err)
	}
	return count, nil
}
