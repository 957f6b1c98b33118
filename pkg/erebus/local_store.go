package erebus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
)

// DefaultFileMode keeps chain files readable by the service account only.
const DefaultFileMode os.FileMode = 0600

// LocalStore keeps chains as files in one directory. A directory must have a
// single writing process.
type LocalStore struct {
	BasePath string

	fileMode os.FileMode
	sidecar  bool
	logger   hermes.Logger
	metrics  hermes.Metrics
	now      func() time.Time
}

type Option func(*LocalStore)

func WithFileMode(mode os.FileMode) Option {
	return func(s *LocalStore) { s.fileMode = mode }
}

// WithSidecar enables the advisory {channel}_{date}.state file.
func WithSidecar(enabled bool) Option {
	return func(s *LocalStore) { s.sidecar = enabled }
}

func WithLogger(l hermes.Logger) Option {
	return func(s *LocalStore) { s.logger = l }
}

func WithMetrics(m hermes.Metrics) Option {
	return func(s *LocalStore) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *LocalStore) { s.now = now }
}

func NewLocalStore(basePath string, opts ...Option) (*LocalStore, error) {
	s := &LocalStore{
		BasePath: basePath,
		fileMode: DefaultFileMode,
		sidecar:  true,
		logger:   hermes.NoopLogger{},
		metrics:  hermes.NewNoopMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return s, nil
}

func (s *LocalStore) path(key domain.ChainKey) string {
	return filepath.Join(s.BasePath, FileName(key))
}

func (s *LocalStore) sidecarPath(key domain.ChainKey) string {
	return filepath.Join(s.BasePath, key.String()+".state")
}

// OpenSegment derives the chain tail from the file itself. A partial trailing
// line left by a crash is copied aside and cut off before appending resumes.
func (s *LocalStore) OpenSegment(ctx context.Context, key domain.ChainKey) (Segment, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	path := s.path(key)

	scan, err := scanTail(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	tail := Tail{LastHash: scan.lastHash, Lines: scan.lines}
	if len(scan.partial) > 0 {
		q, err := s.quarantine(path, scan)
		if err != nil {
			return nil, err
		}
		tail.Quarantined = q
		s.metrics.IncCounter(hermes.MetricPartialTails, 1, hermes.Label{Key: "channel", Value: string(key.Channel)})
		s.logger.Warn(ctx, "Quarantined partial trailing line", map[string]any{
			"channel":    key.Channel,
			"date":       key.Date,
			"bytes":      len(scan.partial),
			"quarantine": filepath.Base(q),
		})
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, s.fileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open chain %s: %w", key, err)
	}

	seg := &fileSegment{
		store: s,
		key:   key,
		path:  path,
		f:     f,
		size:  scan.end,
		tail:  tail,
	}
	s.reconcileSidecar(ctx, seg)
	return seg, nil
}

// OpenReader opens a chain read-only for verification.
func (s *LocalStore) OpenReader(ctx context.Context, key domain.ChainKey) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrChainNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) List(ctx context.Context) ([]domain.ChainKey, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit directory: %w", err)
	}
	var keys []domain.ChainKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := ParseFileName(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Date != keys[j].Date {
			return keys[i].Date < keys[j].Date
		}
		return keys[i].Channel < keys[j].Channel
	})
	return keys, nil
}

// ReadSidecar returns the advisory state of a chain, if one was written.
func (s *LocalStore) ReadSidecar(key domain.ChainKey) (*domain.ChainState, error) {
	data, err := os.ReadFile(s.sidecarPath(key))
	if err != nil {
		return nil, err
	}
	var st domain.ChainState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode sidecar: %w", err)
	}
	return &st, nil
}

// reconcileSidecar compares the sidecar with the file tail. The file wins.
func (s *LocalStore) reconcileSidecar(ctx context.Context, seg *fileSegment) {
	if !s.sidecar {
		return
	}
	st, err := s.ReadSidecar(seg.key)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn(ctx, "Unreadable chain sidecar", map[string]any{
			"channel": seg.key.Channel,
			"date":    seg.key.Date,
			"error":   err.Error(),
		})
	}
	if st != nil && st.RunningHash == seg.tail.LastHash && st.EntryCount == seg.tail.Lines {
		return
	}
	if st != nil {
		s.metrics.IncCounter(hermes.MetricSidecarMismatch, 1, hermes.Label{Key: "channel", Value: string(seg.key.Channel)})
		s.logger.Warn(ctx, "Chain sidecar disagrees with log tail, using log tail", map[string]any{
			"channel":       seg.key.Channel,
			"date":          seg.key.Date,
			"sidecar_count": st.EntryCount,
			"file_count":    seg.tail.Lines,
		})
	}
	if seg.tail.Lines > 0 {
		s.writeSidecar(ctx, seg.key, seg.tail)
	}
}

func (s *LocalStore) writeSidecar(ctx context.Context, key domain.ChainKey, tail Tail) {
	st := domain.ChainState{
		RunningHash: tail.LastHash,
		EntryCount:  tail.Lines,
		UpdatedAt:   s.now().UTC(),
	}
	if err := s.putAtomic(s.sidecarPath(key), st); err != nil {
		s.logger.Warn(ctx, "Failed to write chain sidecar", map[string]any{
			"channel": key.Channel,
			"date":    key.Date,
			"error":   err.Error(),
		})
	}
}

func (s *LocalStore) putAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// Write to a temp file first
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmpFile.Name()) // Clean up if we fail before rename
	defer tmpFile.Close()

	if _, err := tmpFile.Write(data); err != nil {
		return err
	}
	if err := tmpFile.Chmod(s.fileMode); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile.Name(), path)
}

func (s *LocalStore) quarantine(path string, scan tailScan) (string, error) {
	q := path + ".partial-" + strconv.FormatInt(s.now().UnixNano(), 10)
	if err := os.WriteFile(q, scan.partial, s.fileMode); err != nil {
		return "", fmt.Errorf("failed to quarantine partial line: %w", err)
	}
	if err := os.Truncate(path, scan.end); err != nil {
		return "", fmt.Errorf("failed to truncate partial line: %w", err)
	}
	return q, nil
}

type tailScan struct {
	lastHash string
	lines    int64
	end      int64 // offset just past the last complete line
	partial  []byte
}

func scanTail(path string) (tailScan, error) {
	var ts tailScan
	f, err := os.Open(path)
	if err != nil {
		return ts, err
	}
	defer f.Close()

	var last []byte
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			ts.partial = line
			break
		}
		if err != nil {
			return ts, fmt.Errorf("failed to scan chain tail: %w", err)
		}
		ts.end += int64(len(line))
		ts.lines++
		last = line
	}

	if ts.lines > 0 {
		var h struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(last), &h); err != nil || h.Hash == "" {
			return ts, fmt.Errorf("%s line %d: %w", filepath.Base(path), ts.lines, ErrCorruptTail)
		}
		ts.lastHash = h.Hash
	}
	return ts, nil
}
