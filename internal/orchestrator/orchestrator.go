// Package orchestrator owns the task state machine: payment_required →
// working → {completed, failed}. Paid submissions enter working directly
// and execute before returning; unpaid ones wait for the mandate flow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/consultd/internal/catalog"
	"github.com/basket/consultd/internal/engine"
	"github.com/basket/consultd/internal/mandate"
	"github.com/basket/consultd/internal/otel"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/shared"
)

// ErrTaskNotFound is returned when a task id resolves to nothing.
var ErrTaskNotFound = errors.New("task not found")

// NextSteps is the three-call mandate sequence an unpaid caller must
// perform, in order.
var NextSteps = []string{"createIntentMandate", "createCartMandate", "processPayment"}

type Orchestrator struct {
	store      *persistence.Store
	mandates   *mandate.Service
	brain      engine.Brain
	logger     *slog.Logger
	metrics    *otel.Metrics
	genTimeout time.Duration
}

// New builds an Orchestrator. metrics may be nil.
func New(store *persistence.Store, mandates *mandate.Service, brain engine.Brain, logger *slog.Logger, metrics *otel.Metrics, genTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		store:      store,
		mandates:   mandates,
		brain:      brain,
		logger:     logger.With("component", "orchestrator"),
		metrics:    metrics,
		genTimeout: genTimeout,
	}
}

// SubmitParams carries a task submission. TaskID is optional: when given
// and unknown it becomes the new task's id, and when it names an existing
// unpaid task a valid PaymentMandateID settles that task instead of
// creating a new one.
type SubmitParams struct {
	TaskID           string
	SkillID          string
	UserMessage      string
	PaymentMandateID string
}

// SubmitResult pairs the task record with the reply text and, for unpaid
// tasks, the next_steps hint.
type SubmitResult struct {
	Task         *persistence.TaskRecord
	ResponseText string
	NextSteps    []string
}

// SubmitTask validates the skill, then either executes immediately (an
// authorized payment mandate was supplied) or parks the task in
// payment_required with the mandate-flow hint. Fail-fast: nothing is
// persisted on an unknown skill.
func (o *Orchestrator) SubmitTask(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	skill, err := catalog.Parse(p.SkillID)
	if err != nil {
		return nil, err
	}
	entry, err := catalog.Lookup(skill)
	if err != nil {
		return nil, err
	}

	// Resolve payment first. A missing or unauthorized mandate downgrades
	// to the unpaid path rather than failing the call.
	var payment *persistence.PaymentRecord
	if p.PaymentMandateID != "" {
		payment, err = o.mandates.LookupAuthorized(ctx, p.PaymentMandateID)
		if err != nil && !errors.Is(err, mandate.ErrPaymentMandateNotFound) {
			return nil, err
		}
	}

	// A payment mandate funds exactly one task. Resubmitting a spent
	// mandate returns the task it already paid for instead of billing a
	// second one.
	if payment != nil {
		bound, err := o.store.GetTaskByPaymentMandate(ctx, payment.ID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		if bound != nil {
			o.logger.InfoContext(ctx, "payment mandate already bound",
				"trace_id", shared.TraceID(ctx), "payment_mandate_id", payment.ID, "task_id", bound.ID)
			return o.boundResult(bound), nil
		}
	}

	if p.TaskID != "" {
		existing, err := o.store.GetTask(ctx, p.TaskID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return o.resumeTask(ctx, existing, payment)
		}
	}

	taskID := p.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	now := time.Now().UTC()

	if payment == nil {
		task := persistence.TaskRecord{
			ID:          taskID,
			SkillID:     p.SkillID,
			Status:      persistence.TaskStatusPaymentRequired,
			UserMessage: p.UserMessage,
			Price:       entry.Price,
			Currency:    catalog.Currency,
			CreatedAt:   now,
		}
		if err := o.store.InsertTask(ctx, task); err != nil {
			return nil, err
		}
		o.logger.InfoContext(ctx, "task awaiting payment",
			"trace_id", shared.TraceID(ctx), "task_id", taskID, "skill_id", p.SkillID)
		return &SubmitResult{
			Task:         &task,
			ResponseText: fmt.Sprintf("Payment required: $%.2f %s. Use AP2 flow or provide payment.", entry.Price, catalog.Currency),
			NextSteps:    NextSteps,
		}, nil
	}

	// Paid path: price comes from the cart total captured on the payment
	// record, not from the catalog.
	task := persistence.TaskRecord{
		ID:               taskID,
		SkillID:          p.SkillID,
		Status:           persistence.TaskStatusWorking,
		UserMessage:      p.UserMessage,
		Price:            payment.Amount,
		Currency:         payment.Currency,
		CartID:           payment.CartID,
		PaymentMandateID: payment.ID,
		CreatedAt:        now,
		StartedAt:        &now,
	}
	if err := o.store.InsertTask(ctx, task); err != nil {
		// Lost a race to another submission with the same mandate.
		if errors.Is(err, persistence.ErrPaymentMandateInUse) {
			if bound, gerr := o.store.GetTaskByPaymentMandate(ctx, payment.ID); gerr == nil {
				return o.boundResult(bound), nil
			}
		}
		return nil, err
	}
	return o.execute(ctx, taskID, entry, p.UserMessage)
}

// boundResult reports a task that already consumed its payment mandate.
func (o *Orchestrator) boundResult(task *persistence.TaskRecord) *SubmitResult {
	res := &SubmitResult{Task: task, ResponseText: task.Result}
	if task.Status == persistence.TaskStatusFailed {
		res.ResponseText = "Error processing request: " + task.Error
	}
	return res
}

// resumeTask settles an existing unpaid task when a payment arrives, and
// reports current state otherwise. Terminal tasks are never mutated.
func (o *Orchestrator) resumeTask(ctx context.Context, task *persistence.TaskRecord, payment *persistence.PaymentRecord) (*SubmitResult, error) {
	if task.Status == persistence.TaskStatusPaymentRequired && payment != nil {
		if err := o.store.StartTask(ctx, task.ID, payment.CartID, payment.ID); err != nil {
			if errors.Is(err, persistence.ErrPaymentMandateInUse) {
				if bound, gerr := o.store.GetTaskByPaymentMandate(ctx, payment.ID); gerr == nil {
					return o.boundResult(bound), nil
				}
			}
			return nil, err
		}
		skill, err := catalog.Parse(task.SkillID)
		if err != nil {
			return nil, err
		}
		entry, err := catalog.Lookup(skill)
		if err != nil {
			return nil, err
		}
		return o.execute(ctx, task.ID, entry, task.UserMessage)
	}

	res := &SubmitResult{Task: task, ResponseText: task.Result}
	if task.Status == persistence.TaskStatusPaymentRequired {
		res.ResponseText = fmt.Sprintf("Payment required: $%.2f %s. Use AP2 flow or provide payment.", task.Price, task.Currency)
		res.NextSteps = NextSteps
	}
	return res, nil
}

// execute runs the generation engine for a working task and lands it in a
// terminal state. Generation failures, timeouts included, are absorbed
// into the task record: the cart and payment are already consumed and
// billing stays final.
func (o *Orchestrator) execute(ctx context.Context, taskID string, entry catalog.Entry, userMessage string) (*SubmitResult, error) {
	prompt := fmt.Sprintf("%s\n\nClient Request: %s\n\nProvide professional consulting response:",
		entry.SystemInstruction, userMessage)

	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	defer cancel()

	genCtx, span := otel.StartClientSpan(genCtx, "llm.generate",
		otel.AttrTaskID.String(taskID), otel.AttrSkillID.String(string(entry.Skill)))
	start := time.Now()
	result, err := o.brain.Generate(genCtx, entry.SystemInstruction, prompt)
	otel.EndClientSpan(span, err)
	o.metrics.RecordGeneration(ctx, string(entry.Skill), time.Since(start), err == nil)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, engine.ErrGenerationTimeout) {
			err = fmt.Errorf("%w: %v", engine.ErrGenerationTimeout, err)
		}
		o.logger.ErrorContext(ctx, "generation failed",
			"trace_id", shared.TraceID(ctx),
			"task_id", taskID,
			"error", err,
			"error_class", engine.ClassifyError(err),
			"duration_ms", time.Since(start).Milliseconds())
		if ferr := o.store.FailTask(ctx, taskID, err.Error()); ferr != nil {
			return nil, ferr
		}
		task, gerr := o.store.GetTask(ctx, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return &SubmitResult{Task: task, ResponseText: "Error processing request: " + err.Error()}, nil
	}

	if err := o.store.CompleteTask(ctx, taskID, result); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "task completed",
		"trace_id", shared.TraceID(ctx),
		"task_id", taskID,
		"skill_id", string(entry.Skill),
		"duration_ms", time.Since(start).Milliseconds())

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Task: task, ResponseText: result}, nil
}

// GetStatus returns the task record for polling.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (*persistence.TaskRecord, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ContinueConversation is a stateless pass-through to the generation
// engine scoped by an existing task. It never changes task status and
// never re-checks payment.
func (o *Orchestrator) ContinueConversation(ctx context.Context, taskID, message string) (string, error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", ErrTaskNotFound
		}
		return "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	defer cancel()

	genCtx, span := otel.StartClientSpan(genCtx, "llm.generate", otel.AttrTaskID.String(taskID))
	reply, err := o.brain.Generate(genCtx, "", "Continue the consulting conversation: "+message)
	otel.EndClientSpan(span, err)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, engine.ErrGenerationTimeout) {
			err = fmt.Errorf("%w: %v", engine.ErrGenerationTimeout, err)
		}
		return "", err
	}
	return reply, nil
}
