package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CartRecord is the persisted form of a CartMandate. CartJSON holds the full
// AP2 mandate document; the remaining columns exist for querying and expiry.
type CartRecord struct {
	ID              string    `json:"id"`
	SkillID         string    `json:"skill_id"`
	TaskDescription string    `json:"task_description"`
	CartJSON        string    `json:"cart_json"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Used            bool      `json:"is_used"`
}

func (s *Store) InsertCart(ctx context.Context, rec CartRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cart_mandates (id, skill_id, task_description, cart_json, created_at, expires_at, is_used)
			VALUES (?, ?, ?, ?, ?, ?, 0);
		`, rec.ID, rec.SkillID, rec.TaskDescription, rec.CartJSON, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}

func (s *Store) GetCart(ctx context.Context, id string) (*CartRecord, error) {
	var (
		rec  CartRecord
		used int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, skill_id, task_description, cart_json, created_at, expires_at, is_used
		FROM cart_mandates WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.SkillID, &rec.TaskDescription, &rec.CartJSON, &rec.CreatedAt, &rec.ExpiresAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	rec.Used = used != 0
	return &rec, nil
}

// ConsumeCart atomically flips the cart's single-use flag and records the
// payment mandate in the same transaction. The conditional UPDATE is the
// only place is_used changes, so concurrent payments against one cart see
// exactly one winner. Returns ErrNotFound if the cart does not exist and
// ErrCartAlreadyUsed if the flag was already set.
func (s *Store) ConsumeCart(ctx context.Context, cartID string, pm PaymentRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume cart tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE cart_mandates SET is_used = 1 WHERE id = ? AND is_used = 0;
		`, cartID)
		if err != nil {
			return fmt.Errorf("mark cart used: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark cart used rows: %w", err)
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM cart_mandates WHERE id = ?;`, cartID).Scan(&exists); err != nil {
				return fmt.Errorf("check cart exists: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrCartAlreadyUsed
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payment_mandates (id, cart_id, payment_json, amount, currency, status, created_at, processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, pm.ID, pm.CartID, pm.PaymentJSON, pm.Amount, pm.Currency, pm.Status, pm.CreatedAt.UTC(), pm.ProcessedAt.UTC()); err != nil {
			return fmt.Errorf("insert payment mandate: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit consume cart tx: %w", err)
		}
		return nil
	})
}

// DeleteExpiredCarts removes unused carts whose expiry predates cutoff.
// Used carts are retained for the payment audit trail.
func (s *Store) DeleteExpiredCarts(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM cart_mandates WHERE is_used = 0 AND expires_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired carts: %w", err)
	}
	return deleted, nil
}
