package audit

import (
	"context"
	"sync"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/erebus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
)

// DefaultLockTimeout bounds the wait for a chain's append lock.
const DefaultLockTimeout = 5 * time.Second

// ChainHasher links entries into per-(channel, date) hash chains and appends
// them durably. Appends to one chain are strictly serialized; different
// chains proceed in parallel.
type ChainHasher struct {
	store       erebus.ChainStore
	lockTimeout time.Duration
	logger      hermes.Logger
	metrics     hermes.Metrics

	mu     sync.Mutex
	chains map[domain.ChainKey]*chainState
}

// chainState is guarded by sem, a one-slot semaphore, so that waiting for
// it can honour a context and a timeout.
type chainState struct {
	sem     chan struct{}
	retired bool
	seg     erebus.Segment
	running string
	count   int64
}

// ChainOption configures a ChainHasher.
type ChainOption func(*ChainHasher)

// WithLockTimeout bounds how long Append and State wait for a chain's lock.
// Non-positive values are ignored and DefaultLockTimeout stays in effect.
func WithLockTimeout(d time.Duration) ChainOption {
	return func(h *ChainHasher) {
		if d > 0 {
			h.lockTimeout = d
		}
	}
}

// WithChainLogger sets the logger for chain resume and recovery events.
func WithChainLogger(l hermes.Logger) ChainOption {
	return func(h *ChainHasher) { h.logger = l }
}

// WithChainMetrics sets the sink for append counters and latency.
func WithChainMetrics(m hermes.Metrics) ChainOption {
	return func(h *ChainHasher) { h.metrics = m }
}

func NewChainHasher(store erebus.ChainStore, opts ...ChainOption) *ChainHasher {
	h := &ChainHasher{
		store:       store,
		lockTimeout: DefaultLockTimeout,
		logger:      hermes.NoopLogger{},
		metrics:     hermes.NewNoopMetrics(),
		chains:      make(map[domain.ChainKey]*chainState),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Append computes entry.Hash from the chain's running hash and writes the
// entry. The running hash advances only after the line is on disk. On
// failure the chain's state is dropped and re-derived from the file on the
// next append.
func (h *ChainHasher) Append(ctx context.Context, entry *domain.LogEntry) (*domain.LogEntry, error) {
	key := domain.ChainKey{Channel: entry.Channel, Date: entry.Date()}
	start := time.Now()

	c, err := h.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { <-c.sem }()

	if c.seg == nil {
		if err := h.open(ctx, key, c); err != nil {
			return nil, &ChainWriteError{Kind: KindOpen, Key: key, Cause: err}
		}
	}

	entry.Hash = ""
	unhashed, err := encodeEntry(entry)
	if err != nil {
		return nil, NewSerializationError("entry", "cannot encode", err)
	}
	canonical, err := Canonicalize(unhashed)
	if err != nil {
		return nil, NewSerializationError("entry", "cannot canonicalize", err)
	}
	hash := ChainHash(canonical, c.running)

	entry.Hash = hash
	line, err := encodeEntry(entry)
	if err != nil {
		entry.Hash = ""
		return nil, NewSerializationError("entry", "cannot encode", err)
	}

	if err := c.seg.Append(line, hash); err != nil {
		entry.Hash = ""
		c.seg.Close()
		c.seg = nil
		return nil, &ChainWriteError{Kind: KindWrite, Key: key, Cause: err}
	}
	c.running = hash
	c.count++

	channel := hermes.Label{Key: "channel", Value: string(key.Channel)}
	h.metrics.IncCounter(hermes.MetricAppends, 1, channel)
	h.metrics.ObserveHistogram(hermes.MetricAppendSeconds, time.Since(start).Seconds(), channel)
	return entry, nil
}

// acquire takes the append lock of key's chain.
func (h *ChainHasher) acquire(ctx context.Context, key domain.ChainKey) (*chainState, error) {
	timer := time.NewTimer(h.lockTimeout)
	defer timer.Stop()

	for {
		c := h.chainFor(key)
		if err := h.lock(ctx, key, c, timer); err != nil {
			return nil, err
		}
		if !c.retired {
			return c, nil
		}
		<-c.sem
	}
}

// lock waits for c's semaphore until ctx is done or timer fires.
func (h *ChainHasher) lock(ctx context.Context, key domain.ChainKey, c *chainState, timer *time.Timer) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &ChainWriteError{Kind: KindCanceled, Key: key, Cause: ctx.Err()}
	case <-timer.C:
		return &ChainWriteError{Kind: KindLockTimeout, Key: key, Cause: ErrLockTimeout}
	}
}

// chainFor returns the state for key, creating it on first use. Opening a
// newer date of a channel retires its idle older chains.
func (h *ChainHasher) chainFor(key domain.ChainKey) *chainState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.chains[key]; ok {
		return c
	}
	c := &chainState{sem: make(chan struct{}, 1)}
	h.chains[key] = c

	for k, old := range h.chains {
		if k.Channel != key.Channel || k.Date >= key.Date {
			continue
		}
		select {
		case old.sem <- struct{}{}:
			old.retired = true
			if old.seg != nil {
				old.seg.Close()
				old.seg = nil
			}
			delete(h.chains, k)
			<-old.sem
		default:
			// busy, retired on a later rotation
		}
	}
	return c
}

func (h *ChainHasher) open(ctx context.Context, key domain.ChainKey, c *chainState) error {
	seg, err := h.store.OpenSegment(ctx, key)
	if err != nil {
		return err
	}
	tail := seg.Tail()
	c.seg = seg
	c.running = tail.LastHash
	if c.running == "" {
		c.running = GenesisHash
	}
	c.count = tail.Lines
	if tail.Lines > 0 {
		h.logger.Info(ctx, "Resumed audit chain from log tail", map[string]any{
			"channel": key.Channel,
			"date":    key.Date,
			"entries": tail.Lines,
		})
	}
	return nil
}

// State returns the in-memory running state of an open chain. ok is false
// when the chain is not open. Waiting for the chain's lock honours ctx and
// the lock timeout like Append.
func (h *ChainHasher) State(ctx context.Context, key domain.ChainKey) (domain.ChainState, bool, error) {
	h.mu.Lock()
	c, found := h.chains[key]
	h.mu.Unlock()
	if !found {
		return domain.ChainState{}, false, nil
	}

	timer := time.NewTimer(h.lockTimeout)
	defer timer.Stop()
	if err := h.lock(ctx, key, c, timer); err != nil {
		return domain.ChainState{}, false, err
	}
	defer func() { <-c.sem }()
	if c.retired || c.seg == nil {
		return domain.ChainState{}, false, nil
	}
	return domain.ChainState{RunningHash: c.running, EntryCount: c.count}, true, nil
}

// Close waits for in-flight appends and closes every open chain.
func (h *ChainHasher) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for k, c := range h.chains {
		c.sem <- struct{}{}
		c.retired = true
		if c.seg != nil {
			if err := c.seg.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			c.seg = nil
		}
		<-c.sem
		delete(h.chains, k)
	}
	return firstErr
}
