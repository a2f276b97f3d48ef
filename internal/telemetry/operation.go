// Package telemetry records the boot sequence as one trace: a root span for
// the sequence carrying the planned steps, and a child span per step.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName = "palpable.plan"
	PlanJSONKey   = "palpable.plan.json"
	// SoftFailureKey marks a step that failed without failing the sequence.
	SoftFailureKey     = "palpable.step.soft_failure"
	defaultOperationID = "operation"
)

type PlannedStep struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Operation is a running sequence of steps.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens the root span for operation and records plan on it.
func Start(ctx context.Context, tracer trace.Tracer, operation string, plan Plan) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("start telemetry operation: tracer is required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("start telemetry operation: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultOperationID
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("start telemetry operation: marshal plan: %w", err)
	}

	spanCtx, span := tracer.Start(ctx, operation)
	span.AddEvent(PlanEventName, trace.WithAttributes(attribute.String(PlanJSONKey, string(planJSON))))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// Annotate sets attributes on the root span.
func (o *Operation) Annotate(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

// RunStep runs fn inside a child span named id. A failing step marks its span
// as errored and returns the error.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, stepID)
	defer span.End()

	err := fn(stepCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// RunSoftStep is RunStep for steps whose failure the sequence tolerates. The
// error is recorded on the span and returned, but the span is flagged so it
// is not read as a failed boot.
func (o *Operation) RunSoftStep(ctx context.Context, id string, fn func(context.Context) error) error {
	return o.RunStep(ctx, id, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(SoftFailureKey, true))
		}
		return err
	})
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := seen[stepID]; exists {
			return fmt.Errorf("duplicate step id %q", stepID)
		}
		seen[stepID] = struct{}{}
	}
	return nil
}
