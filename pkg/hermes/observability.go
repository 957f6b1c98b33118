package hermes

import "context"

type Label struct {
	Key   string
	Value string
}

type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

// Logger is the operational logger. Fields must never carry entry details,
// patient identifiers or user agents.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]any)
	Warn(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

// Metric names shared by the audit pipeline.
const (
	MetricAppends         = "mnemosyne_audit_appends_total"
	MetricAppendSeconds   = "mnemosyne_audit_append_seconds"
	MetricFailures        = "mnemosyne_audit_failures_total"
	MetricEscalations     = "mnemosyne_audit_escalations_total"
	MetricSidecarMismatch = "mnemosyne_audit_sidecar_mismatch_total"
	MetricPartialTails    = "mnemosyne_audit_partial_tails_total"
	MetricVerify          = "mnemosyne_verify_total"
	MetricDeadLetters     = "mnemosyne_ingest_dead_letters_total"
	MetricQueueDepth      = "mnemosyne_ingest_queue_depth"
)
