package olympus

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-audit/mnemosyne/pkg/config"
	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
	"github.com/mnemosyne-audit/mnemosyne/pkg/requestcontext"
	"github.com/mnemosyne-audit/mnemosyne/pkg/themis"
)

const testSaltRef = "literal:runtime-test-salt-0123456789"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	cfg.Audit.Dir = t.TempDir()
	cfg.Audit.PatientSaltRef = testSaltRef
	cfg.Secrets.AllowLiteral = true
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), cfg, WithOutput(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

var testDay = time.Date(2024, 9, 12, 14, 30, 0, 0, time.UTC)

func TestRuntime_LogThenVerify(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	ctx := requestcontext.WithTime(context.Background(), testDay)

	for i := range 3 {
		_, err := rt.Logger.Log(ctx, themis.ChannelPHIAccess, themis.OpPHIAccess, audit.Event{
			UserID:    audit.Int64(int64(i)),
			PatientID: "mrn-778",
			Details:   map[string]any{"fields_accessed": []any{"allergies"}},
		})
		require.NoError(t, err)
	}

	report, err := rt.Verifier.Verify(ctx, themis.ChannelPHIAccess, "2024-09-12")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(3), report.EntriesVerified)

	raw, err := os.ReadFile(filepath.Join(rt.Config.Audit.Dir, "phi_access_2024-09-12.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "mrn-778")
}

func TestRuntime_SaltResolution(t *testing.T) {
	t.Run("Unset", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Audit.PatientSaltRef = "env:MNEMOSYNE_TEST_UNSET_SALT"
		_, err := New(context.Background(), cfg, WithOutput(io.Discard))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "patient salt")
	})

	t.Run("LiteralNotAllowed", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Secrets.AllowLiteral = false
		_, err := New(context.Background(), cfg, WithOutput(io.Discard))
		assert.Error(t, err)
	})

	t.Run("FromEnv", func(t *testing.T) {
		t.Setenv("MNEMOSYNE_TEST_SALT", "0123456789abcdef0123")
		cfg := testConfig(t)
		cfg.Audit.PatientSaltRef = "env:MNEMOSYNE_TEST_SALT"
		newTestRuntime(t, cfg)
	})
}

func TestRuntime_RulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redaction.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(cfg.Redaction.RulesFile, []byte(`
version: clinic-7
fields:
  identity: [chart_number]
patterns:
  - name: ssn
    pattern: '\d{3}-\d{2}-\d{4}'
    token: '[SSN-REDACTED]'
`), 0o600))

	rt := newTestRuntime(t, cfg)
	assert.Equal(t, "clinic-7", rt.Redactor.Rules().Version())

	out, err := rt.Redactor.Redact(map[string]any{"chart_number": "C-1", "email": "a@b.org"})
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", out["chart_number"])
	assert.Equal(t, "a@b.org", out["email"], "custom rules replace the built-in list")
}

func TestRuntime_Handler(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	ctx := requestcontext.WithTime(context.Background(), testDay)
	_, err := rt.Logger.Log(ctx, themis.ChannelSystem, "STARTUP", audit.Event{})
	require.NoError(t, err)

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `mnemosyne_audit_appends_total{channel="system"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRuntime_QueueNotConfigured(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	_, err := rt.Producer()
	assert.ErrorIs(t, err, ErrNoQueue)
}

func TestRuntime_IngestChannels(t *testing.T) {
	cfg := testConfig(t)
	rt := newTestRuntime(t, cfg)

	all, err := rt.IngestChannels()
	require.NoError(t, err)
	assert.Equal(t, rt.Registry.Channels(), all)

	cfg.Ingest.Channels = []string{"phi_access"}
	some, err := rt.IngestChannels()
	require.NoError(t, err)
	assert.Equal(t, []domain.Channel{themis.ChannelPHIAccess}, some)

	cfg.Ingest.Channels = []string{"billing"}
	_, err = rt.IngestChannels()
	assert.ErrorIs(t, err, themis.ErrUnknownChannelOrOperation)
}

func TestRuntime_AsyncIngestion(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Ingest.Channels = []string{"authentication"}
	cfg.Ingest.Consumer = "test-consumer"
	rt := newTestRuntime(t, cfg)

	producer, err := rt.Producer()
	require.NoError(t, err)

	ctx := requestcontext.WithTime(context.Background(), testDay)
	for _, op := range []domain.Operation{"LOGIN", "MFA_CHALLENGE", "LOGOUT"} {
		_, err := producer.Log(ctx, themis.ChannelAuthentication, op, audit.Event{UserID: audit.Int64(9)})
		require.NoError(t, err)
	}

	q, err := rt.Queue()
	require.NoError(t, err)
	d, err := rt.Dispatcher(q)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	path := filepath.Join(cfg.Audit.Dir, "authentication_2024-09-12.log")
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		return err == nil && bytes.Count(raw, []byte("\n")) == 3
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	report, err := rt.Verifier.Verify(context.Background(), themis.ChannelAuthentication, "2024-09-12")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(3), report.EntriesVerified)
}
