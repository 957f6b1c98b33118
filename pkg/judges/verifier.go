// Package judges re-walks audit chains and passes judgement on them. It only
// reads: a broken chain is reported for incident response, never repaired.
package judges

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/erebus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
	"golang.org/x/sync/errgroup"
)

// ctxCheckEvery is how many lines are verified between context checks.
const ctxCheckEvery = 1024

// Report is the outcome of verifying one chain.
type Report struct {
	Channel         domain.Channel `json:"channel,omitempty"`
	Date            string         `json:"date,omitempty"`
	Valid           bool           `json:"valid"`
	EntriesVerified int64          `json:"entries_verified"`
	FirstBadLine    int64          `json:"first_bad_line,omitempty"`
	Cause           Cause          `json:"cause,omitempty"`
	Detail          string         `json:"detail,omitempty"`
	FinalHash       string         `json:"final_hash,omitempty"`
	// PartialTail is set when a trailing line without a newline was skipped
	// as an in-flight write.
	PartialTail bool `json:"partial_tail,omitempty"`
}

// Err returns the violation as an error, or nil for a valid chain.
func (r *Report) Err() error {
	if r.Valid {
		return nil
	}
	return &IntegrityViolation{
		Key:    domain.ChainKey{Channel: r.Channel, Date: r.Date},
		Line:   r.FirstBadLine,
		Cause:  r.Cause,
		Detail: r.Detail,
	}
}

func (r *Report) fail(line int64, cause Cause, detail string) *Report {
	r.Valid = false
	r.FirstBadLine = line
	r.Cause = cause
	r.Detail = detail
	r.FinalHash = ""
	return r
}

// Verifier recomputes chains from a ChainStore. It is safe to run while
// writers append to the same chains.
type Verifier struct {
	store   erebus.ChainStore
	strict  bool
	logger  hermes.Logger
	metrics hermes.Metrics
}

type Option func(*Verifier)

// WithStrict reports a trailing partial line as truncation. Use it for
// sealed past days, where no write can be in flight.
func WithStrict(strict bool) Option {
	return func(v *Verifier) { v.strict = strict }
}

func WithLogger(l hermes.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

func WithMetrics(m hermes.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

func NewVerifier(store erebus.ChainStore, opts ...Option) *Verifier {
	v := &Verifier{
		store:   store,
		logger:  hermes.NoopLogger{},
		metrics: hermes.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify walks the chain of channel on date. The error is non-nil only when
// the chain could not be read; violations are reported in the Report.
func (v *Verifier) Verify(ctx context.Context, channel domain.Channel, date string) (*Report, error) {
	key := domain.ChainKey{Channel: channel, Date: date}
	rc, err := v.store.OpenReader(ctx, key)
	if err != nil {
		v.metrics.IncCounter(hermes.MetricVerify, 1, hermes.Label{Key: "result", Value: "error"})
		return nil, err
	}
	defer rc.Close()

	report, err := v.VerifyReader(ctx, rc)
	if err != nil {
		v.metrics.IncCounter(hermes.MetricVerify, 1, hermes.Label{Key: "result", Value: "error"})
		return nil, fmt.Errorf("failed to verify %s: %w", key, err)
	}
	report.Channel = channel
	report.Date = date

	result := "valid"
	if !report.Valid {
		result = "invalid"
		v.logger.Warn(ctx, "Audit chain integrity violation", map[string]any{
			"channel": channel,
			"date":    date,
			"line":    report.FirstBadLine,
			"cause":   report.Cause,
		})
	}
	v.metrics.IncCounter(hermes.MetricVerify, 1, hermes.Label{Key: "result", Value: result})
	return report, nil
}

// VerifyReader walks a chain from r, starting at the genesis hash.
func (v *Verifier) VerifyReader(ctx context.Context, r io.Reader) (*Report, error) {
	report := &Report{Valid: true}
	running := audit.GenesisHash
	br := bufio.NewReader(r)

	for n := int64(1); ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				break
			}
			if v.strict {
				return report.fail(n, CauseTruncated, fmt.Sprintf("%d bytes without newline", len(line))), nil
			}
			report.PartialTail = true
			break
		}
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte("\n"))

		canonical, err := audit.Canonicalize(line)
		if err != nil {
			return report.fail(n, CauseMalformedJSON, err.Error()), nil
		}
		stored, ok := storedHash(line)
		if !ok {
			return report.fail(n, CauseMissingHash, ""), nil
		}
		want := audit.ChainHash(canonical, running)
		if stored != want {
			return report.fail(n, CauseHashMismatch, fmt.Sprintf("stored %s, computed %s", stored, want)), nil
		}
		running = want
		report.EntriesVerified++
	}

	report.FinalHash = running
	return report, nil
}

func storedHash(line []byte) (string, bool) {
	var h struct {
		Hash any `json:"hash"`
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return "", false
	}
	s, ok := h.Hash.(string)
	return s, ok && s != ""
}

// VerifyAll verifies keys with at most parallel chains in flight. A nil keys
// verifies every chain in the store. Reports keep the order of keys.
func (v *Verifier) VerifyAll(ctx context.Context, keys []domain.ChainKey, parallel int) ([]*Report, error) {
	if keys == nil {
		var err error
		keys, err = v.store.List(ctx)
		if err != nil {
			return nil, err
		}
	}
	if parallel <= 0 {
		parallel = 1
	}

	reports := make([]*Report, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, key := range keys {
		g.Go(func() error {
			r, err := v.Verify(gctx, key.Channel, key.Date)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
