package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all consultd metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	GenerationDuration metric.Float64Histogram
	CartsCreated       metric.Int64Counter
	PaymentsAuthorized metric.Int64Counter
	TasksFinished      metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("consultd.request.duration",
		metric.WithDescription("JSON-RPC request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram("consultd.generation.duration",
		metric.WithDescription("LLM generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CartsCreated, err = meter.Int64Counter("consultd.carts.created",
		metric.WithDescription("Cart mandates issued"),
	)
	if err != nil {
		return nil, err
	}

	m.PaymentsAuthorized, err = meter.Int64Counter("consultd.payments.authorized",
		metric.WithDescription("Payment mandates authorized"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("consultd.tasks.finished",
		metric.WithDescription("Tasks reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("consultd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest records one JSON-RPC request with its outcome.
func (m *Metrics) RecordRequest(ctx context.Context, method string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrRPCMethod.String(method),
		attribute.Bool("consultd.rpc.ok", ok),
	))
}

// RecordGeneration records one LLM generation call with its outcome.
func (m *Metrics) RecordGeneration(ctx context.Context, skillID string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.GenerationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrSkillID.String(skillID),
		attribute.Bool("consultd.generation.ok", ok),
	))
}

// CartCreated counts a newly issued cart mandate.
func (m *Metrics) CartCreated(ctx context.Context, skillID string) {
	if m == nil {
		return
	}
	m.CartsCreated.Add(ctx, 1, metric.WithAttributes(AttrSkillID.String(skillID)))
}

// PaymentAuthorized counts a newly authorized payment mandate.
func (m *Metrics) PaymentAuthorized(ctx context.Context) {
	if m == nil {
		return
	}
	m.PaymentsAuthorized.Add(ctx, 1)
}

// RateLimitRejected counts a request turned away by the rate limiter.
func (m *Metrics) RateLimitRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

// TaskFinished counts a task entering a terminal status.
func (m *Metrics) TaskFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.TasksFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("consultd.task.status", status)))
}
