package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics records pipeline-level events: message ingest, window
// closes, fact changes, proactive decisions, queue depth, and breaker state
// transitions. All methods are safe for concurrent use.
type PipelineMetrics struct {
	inst *Instruments
}

// NewPipelineMetrics returns a recorder bound to the given instruments.
func NewPipelineMetrics(inst *Instruments) *PipelineMetrics {
	return &PipelineMetrics{inst: inst}
}

// MessageIngested records one ingested group chat message.
func (p *PipelineMetrics) MessageIngested(ctx context.Context, chatID int64) {
	p.inst.MessagesIngested.Add(ctx, 1, metric.WithAttributes(
		AttrChatID.Int64(chatID),
	))
}

// WindowClosed records a window close with its trigger ("size", "timeout",
// "topic_shift").
func (p *PipelineMetrics) WindowClosed(ctx context.Context, reason string) {
	p.inst.WindowsClosed.Add(ctx, 1, metric.WithAttributes(
		AttrWindowReason.String(reason),
	))
}

// FactChangeApplied records one applied fact change by type ("creation",
// "reinforcement", "evolution", "correction", "supersession").
func (p *PipelineMetrics) FactChangeApplied(ctx context.Context, changeType string) {
	p.inst.FactChanges.Add(ctx, 1, metric.WithAttributes(
		AttrChangeType.String(changeType),
	))
}

// ProactiveDecision records a proactive gate outcome for a trigger.
func (p *PipelineMetrics) ProactiveDecision(ctx context.Context, trigger string, sent bool) {
	decision := "suppressed"
	if sent {
		decision = "sent"
	}
	p.inst.ProactiveDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrTrigger.String(trigger),
		AttrDecision.String(decision),
	))
}

// ReplySent records one reply delivered to a chat.
func (p *PipelineMetrics) ReplySent(ctx context.Context, chatID int64) {
	p.inst.RepliesSent.Add(ctx, 1, metric.WithAttributes(
		AttrChatID.Int64(chatID),
	))
}

// QueueDelta adjusts the queue depth gauge. Call with +1 on enqueue and -1
// on dequeue or drop.
func (p *PipelineMetrics) QueueDelta(ctx context.Context, delta int64) {
	p.inst.QueueDepth.Add(ctx, delta)
}

// BreakerTransition records a circuit breaker state change.
func (p *PipelineMetrics) BreakerTransition(ctx context.Context, name, from, to string) {
	p.inst.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrBreakerName.String(name),
		AttrBreakerState.String(to),
		attribute.String("breaker.from", from),
	))
}
