// Package olympus assembles the audit pipeline from configuration: one
// Runtime per process owns the store, the chain locks, the logger and the
// verifier, and hands out the optional Redis ingestion pieces.
package olympus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemosyne-audit/mnemosyne/pkg/acheron"
	"github.com/mnemosyne-audit/mnemosyne/pkg/cerberus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/cocytus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/config"
	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/erebus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
	"github.com/mnemosyne-audit/mnemosyne/pkg/judges"
	"github.com/mnemosyne-audit/mnemosyne/pkg/lethe"
	"github.com/mnemosyne-audit/mnemosyne/pkg/themis"
)

// ErrNoQueue is returned when asynchronous ingestion is requested but
// redis.addr is not configured.
var ErrNoQueue = errors.New("redis.addr is not configured")

type options struct {
	secrets  cerberus.SecretProvider
	output   io.Writer
	registry *prometheus.Registry
}

type Option func(*options)

// WithSecretProvider replaces the provider chain built from config.
func WithSecretProvider(p cerberus.SecretProvider) Option {
	return func(o *options) { o.secrets = p }
}

// WithOutput sends operational logs to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithPrometheusRegistry registers metrics on reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Runtime is the wired audit core.
type Runtime struct {
	Config    *config.Config
	Registry  *themis.Registry
	Redactor  *lethe.Redactor
	Store     *erebus.LocalStore
	Hasher    *audit.ChainHasher
	Logger    *audit.Logger
	Verifier  *judges.Verifier
	Escalator *cocytus.Escalator
	Metrics   hermes.Metrics
	Log       *slog.Logger

	prom *prometheus.Registry
	ops  hermes.Logger
	sink cocytus.Sink

	mu    sync.Mutex
	queue *acheron.RedisQueue
}

// New resolves the patient salt and builds every component. Nothing is
// written until the first log call.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	o := &options{output: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	slogger := hermes.NewLogger(cfg.Log.Level, o.output)
	ops := hermes.NewSlogAdapter(slogger)
	metrics := hermes.NewPrometheusMetrics(o.registry)

	rules := lethe.DefaultRuleset()
	if cfg.Redaction.RulesFile != "" {
		loaded, err := lethe.LoadRuleset(cfg.Redaction.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	redactor := lethe.NewRedactor(rules.WithMaxDepth(cfg.Redaction.MaxDepth))

	secrets := o.secrets
	if secrets == nil {
		secrets = cerberus.NewSecretProvider(ctx, SecretsConfig(cfg))
	}
	salt, err := cerberus.ResolveSalt(ctx, secrets, cfg.Audit.PatientSaltRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve patient salt: %w", err)
	}

	registry := themis.DefaultRegistry()
	serializer, err := audit.NewSerializer(registry, redactor, salt, audit.WithUserAgentMax(cfg.Audit.UserAgentMax))
	if err != nil {
		return nil, err
	}

	mode, err := cfg.Audit.Mode()
	if err != nil {
		return nil, err
	}
	store, err := erebus.NewLocalStore(cfg.Audit.Dir,
		erebus.WithFileMode(mode),
		erebus.WithSidecar(cfg.Audit.Sidecar),
		erebus.WithLogger(ops),
		erebus.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	hasher := audit.NewChainHasher(store,
		audit.WithLockTimeout(cfg.Audit.LockTimeout),
		audit.WithChainLogger(ops),
		audit.WithChainMetrics(metrics),
	)

	sink := cocytus.NewLogSink(slogger)
	escalator := cocytus.NewEscalator(sink, ops, metrics, cfg.Escalation.Interval, cfg.Escalation.Burst)

	logger := audit.NewLogger(serializer, hasher,
		audit.WithEscalator(escalator),
		audit.WithLogger(ops),
		audit.WithMetrics(metrics),
	)

	verifier := judges.NewVerifier(store, judges.WithLogger(ops), judges.WithMetrics(metrics))

	ops.Info(ctx, "audit core ready", map[string]any{
		"dir":           cfg.Audit.Dir,
		"rules_version": rules.Version(),
		"channels":      len(registry.Channels()),
	})

	return &Runtime{
		Config:    cfg,
		Registry:  registry,
		Redactor:  redactor,
		Store:     store,
		Hasher:    hasher,
		Logger:    logger,
		Verifier:  verifier,
		Escalator: escalator,
		Metrics:   metrics,
		Log:       slogger,
		prom:      o.registry,
		ops:       ops,
		sink:      sink,
	}, nil
}

// SecretsConfig maps the configuration onto the secret provider chain.
func SecretsConfig(cfg *config.Config) cerberus.SecretsConfig {
	return cerberus.SecretsConfig{
		AllowLiteral: cfg.Secrets.AllowLiteral,
		SSM: cerberus.SSMConfig{
			Region:          cfg.AWS.Region,
			Endpoint:        cfg.AWS.Endpoint,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		},
		Vault: cerberus.VaultConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			Timeout:   10 * time.Second,
		},
		CacheTTL: cfg.Secrets.CacheTTL,
	}
}

// Queue connects to the Redis ingestion streams on first use.
func (r *Runtime) Queue() (*acheron.RedisQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue != nil {
		return r.queue, nil
	}
	if r.Config.Redis.Addr == "" {
		return nil, ErrNoQueue
	}
	q, err := acheron.NewRedisQueue(r.Config.Redis.Addr, r.Config.Redis.DB, r.Config.Redis.KeyPrefix,
		acheron.DefaultGroup, r.consumerName(), r.Metrics, r.sink, acheron.WithClaimIdle(r.Config.Ingest.ClaimIdle))
	if err != nil {
		return nil, err
	}
	r.queue = q
	return q, nil
}

func (r *Runtime) consumerName() string {
	if r.Config.Ingest.Consumer != "" {
		return r.Config.Ingest.Consumer
	}
	host, err := os.Hostname()
	if err != nil {
		host = "mnemosyne"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Producer returns the asynchronous logging front end.
func (r *Runtime) Producer() (*acheron.Producer, error) {
	q, err := r.Queue()
	if err != nil {
		return nil, err
	}
	return acheron.NewProducer(r.Logger, q), nil
}

// IngestChannels returns the configured ingest channels, or every registered
// channel when none are configured.
func (r *Runtime) IngestChannels() ([]domain.Channel, error) {
	if len(r.Config.Ingest.Channels) == 0 {
		return r.Registry.Channels(), nil
	}
	out := make([]domain.Channel, 0, len(r.Config.Ingest.Channels))
	for _, c := range r.Config.Ingest.Channels {
		ch := domain.Channel(c)
		if !r.Registry.HasChannel(ch) {
			return nil, &themis.UnknownChannelError{Channel: ch}
		}
		out = append(out, ch)
	}
	return out, nil
}

// Dispatcher builds the consumer that drains q into the chains.
func (r *Runtime) Dispatcher(q acheron.Queue) (*acheron.Dispatcher, error) {
	channels, err := r.IngestChannels()
	if err != nil {
		return nil, err
	}
	return acheron.NewDispatcher(q, r.Logger, channels,
		acheron.WithDispatcherLogger(r.ops),
		acheron.WithDispatcherMetrics(r.Metrics),
	), nil
}

// Handler serves /metrics and /healthz.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{Registry: r.prom}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if _, err := r.Store.List(req.Context()); err != nil {
			http.Error(w, "audit store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Close closes every open chain and the queue connection.
func (r *Runtime) Close() error {
	errs := []error{r.Logger.Close()}
	r.mu.Lock()
	if r.queue != nil {
		errs = append(errs, r.queue.Close())
		r.queue = nil
	}
	r.mu.Unlock()
	return errors.Join(errs...)
}
