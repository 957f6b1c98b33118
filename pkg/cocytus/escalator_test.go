package cocytus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logCall struct {
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []logCall
}

func (l *recordingLogger) Info(ctx context.Context, msg string, fields map[string]any) {}
func (l *recordingLogger) Warn(ctx context.Context, msg string, fields map[string]any) {}
func (l *recordingLogger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, logCall{msg: msg, fields: fields})
}

func (l *recordingLogger) criticals() []logCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logCall
	for _, c := range l.errors {
		if c.msg == criticalMessage {
			out = append(out, c)
		}
	}
	return out
}

type memorySink struct {
	mu      sync.Mutex
	records []*Record
	err     error
}

func (s *memorySink) Write(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func (m *countingMetrics) IncCounter(name string, value float64, labels ...hermes.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]float64{}
	}
	m.counts[name] += value
}
func (m *countingMetrics) ObserveHistogram(name string, value float64, labels ...hermes.Label) {}
func (m *countingMetrics) SetGauge(name string, value float64, labels ...hermes.Label)         {}

func rec(channel string) *Record {
	return &Record{
		Channel:   channel,
		Operation: "PHI_ACCESS",
		RequestID: "req-1",
		Kind:      "chain_write",
		Reason:    "disk full",
		CreatedAt: time.Now(),
	}
}

func TestEscalator_FirstFailureAlertsImmediately(t *testing.T) {
	sink := &memorySink{}
	logger := &recordingLogger{}
	metrics := &countingMetrics{}
	e := NewEscalator(sink, logger, metrics, time.Hour, 1)

	e.Escalate(context.Background(), rec("phi_access"))

	require.Len(t, logger.criticals(), 1)
	assert.Equal(t, "phi_access", logger.criticals()[0].fields["channel"])
	assert.Len(t, sink.records, 1)
	assert.Equal(t, 1.0, metrics.counts["mnemosyne_audit_escalations_total"])
}

func TestEscalator_ThrottlesAlertsButNotRecords(t *testing.T) {
	sink := &memorySink{}
	logger := &recordingLogger{}
	metrics := &countingMetrics{}
	e := NewEscalator(sink, logger, metrics, time.Hour, 1)

	for i := 0; i < 5; i++ {
		e.Escalate(context.Background(), rec("phi_access"))
	}
	e.Escalate(context.Background(), rec("encounter"))

	crit := logger.criticals()
	require.Len(t, crit, 2, "one alert per channel within the window")
	assert.Equal(t, "encounter", crit[1].fields["channel"])
	assert.Len(t, sink.records, 6, "every failure is recorded")
	assert.Equal(t, 6.0, metrics.counts["mnemosyne_audit_escalations_total"])
}

func TestEscalator_ReportsSuppressedCount(t *testing.T) {
	logger := &recordingLogger{}
	e := NewEscalator(nil, logger, nil, 200*time.Millisecond, 1)

	e.Escalate(context.Background(), rec("security"))
	e.Escalate(context.Background(), rec("security"))
	e.Escalate(context.Background(), rec("security"))

	require.Eventually(t, func() bool {
		e.Escalate(context.Background(), rec("security"))
		return len(logger.criticals()) == 2
	}, 2*time.Second, 50*time.Millisecond)

	assert.GreaterOrEqual(t, logger.criticals()[1].fields["suppressed"], 2)
}

func TestEscalator_SinkFailureIsLogged(t *testing.T) {
	sink := &memorySink{err: errors.New("sink down")}
	logger := &recordingLogger{}
	e := NewEscalator(sink, logger, nil, time.Hour, 1)

	e.Escalate(context.Background(), rec("system"))

	assert.Len(t, logger.errors, 2)
	assert.Equal(t, "Failed to write audit dead letter", logger.errors[0].msg)
}

func TestLogSink_Write(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, s.Write(context.Background(), rec("phi_access")))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "Audit dead letter", out["msg"])
	assert.Equal(t, "ERROR", out["level"])
	assert.Equal(t, "chain_write", out["kind"])
}

func TestMultiSink(t *testing.T) {
	a := &memorySink{}
	b := &memorySink{err: errors.New("b failed")}
	err := MultiSink{a, b}.Write(context.Background(), rec("system"))
	assert.EqualError(t, err, "b failed")
	assert.Len(t, a.records, 1)
	assert.Len(t, b.records, 1)
}
