package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskRecord struct {
	ID               string     `json:"id"`
	SkillID          string     `json:"skill_id"`
	Status           TaskStatus `json:"status"`
	UserMessage      string     `json:"user_message"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	Price            float64    `json:"price"`
	Currency         string     `json:"currency"`
	CartID           string     `json:"cart_id,omitempty"`
	PaymentMandateID string     `json:"payment_mandate_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// InsertTask persists a new task. Initial status is payment_required for
// unpaid submissions or working when a valid payment mandate was supplied;
// the price is snapshotted here and never re-read from the catalog.
func (s *Store) InsertTask(ctx context.Context, rec TaskRecord) error {
	if rec.Status != TaskStatusPaymentRequired && rec.Status != TaskStatusWorking {
		return fmt.Errorf("%w: initial status %q", ErrIllegalTransition, rec.Status)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, skill_id, status, user_message, price, currency, cart_id, payment_mandate_id, created_at, started_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, rec.ID, rec.SkillID, rec.Status, rec.UserMessage, rec.Price, rec.Currency,
			rec.CartID, rec.PaymentMandateID, rec.CreatedAt.UTC(), nullableTime(rec.StartedAt))
		return err
	})
	if isPaymentBindingConflict(err) {
		return ErrPaymentMandateInUse
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// isPaymentBindingConflict detects a violation of the unique index binding
// one payment mandate to one task.
func isPaymentBindingConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "tasks.payment_mandate_id")
}

func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	return s.getTaskWhere(ctx, "id = ?", id)
}

// GetTaskByPaymentMandate returns the task funded by the given payment
// mandate. The unique index on tasks.payment_mandate_id guarantees at
// most one row.
func (s *Store) GetTaskByPaymentMandate(ctx context.Context, paymentMandateID string) (*TaskRecord, error) {
	return s.getTaskWhere(ctx, "payment_mandate_id = ?", paymentMandateID)
}

func (s *Store) getTaskWhere(ctx context.Context, where string, arg any) (*TaskRecord, error) {
	var (
		rec               TaskRecord
		result, errMsg    sql.NullString
		cartID, pmID      sql.NullString
		startedAt, doneAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, skill_id, status, user_message, result, error, price, currency, cart_id, payment_mandate_id, created_at, started_at, completed_at
		FROM tasks WHERE `+where+`;
	`, arg).Scan(&rec.ID, &rec.SkillID, &rec.Status, &rec.UserMessage, &result, &errMsg,
		&rec.Price, &rec.Currency, &cartID, &pmID, &rec.CreatedAt, &startedAt, &doneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	rec.Result = result.String
	rec.Error = errMsg.String
	rec.CartID = cartID.String
	rec.PaymentMandateID = pmID.String
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// StartTask moves a task from payment_required to working, attaching the
// cart and payment mandate that settled it.
func (s *Store) StartTask(ctx context.Context, taskID, cartID, paymentMandateID string) error {
	return s.transitionTask(ctx, taskID, TaskStatusPaymentRequired, TaskStatusWorking, `
		UPDATE tasks
		SET status = ?, cart_id = NULLIF(?, ''), payment_mandate_id = NULLIF(?, ''), started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusWorking, cartID, paymentMandateID, taskID, TaskStatusPaymentRequired)
}

// CompleteTask moves a working task to completed and stores the result.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	return s.transitionTask(ctx, taskID, TaskStatusWorking, TaskStatusCompleted, `
		UPDATE tasks
		SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusCompleted, result, taskID, TaskStatusWorking)
}

// FailTask moves a working task to failed with the given error. The price
// columns are untouched: billing is final once a payment mandate exists.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return s.transitionTask(ctx, taskID, TaskStatusWorking, TaskStatusFailed, `
		UPDATE tasks
		SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusFailed, errMsg, taskID, TaskStatusWorking)
}

// transitionTask runs a conditional status UPDATE and classifies a zero-row
// result as missing task or illegal transition.
func (s *Store) transitionTask(ctx context.Context, taskID string, from, to TaskStatus, query string, args ...any) error {
	if !TransitionAllowed(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if isPaymentBindingConflict(err) {
			return ErrPaymentMandateInUse
		}
		if err != nil {
			return fmt.Errorf("transition task %s → %s: %w", from, to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition task rows: %w", err)
		}
		if n == 0 {
			var exists int
			if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task exists: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return fmt.Errorf("%w: task %s not in %s", ErrIllegalTransition, taskID, from)
		}
		return nil
	})
}

// TaskCounts reports tasks per status, used by metrics and the info endpoint.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int64)
	for rows.Next() {
		var (
			status TaskStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return counts, nil
}

// DeleteOldTasks removes terminal tasks completed before cutoff.
func (s *Store) DeleteOldTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
		`, TaskStatusCompleted, TaskStatusFailed, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	return deleted, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
