package erebus

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = domain.ChainKey{Channel: "phi_access", Date: "2024-03-09"}

func newTestStore(t *testing.T, opts ...Option) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestLocalStore_AppendAndReopen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seg, err := s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, Tail{}, seg.Tail())

	require.NoError(t, seg.Append([]byte(`{"n":1,"hash":"aa"}`), "aa"))
	require.NoError(t, seg.Append([]byte(`{"n":2,"hash":"bb"}`), "bb"))
	assert.Equal(t, Tail{LastHash: "bb", Lines: 2}, seg.Tail())
	require.NoError(t, seg.Close())

	data, err := os.ReadFile(filepath.Join(s.BasePath, "phi_access_2024-03-09.log"))
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1,\"hash\":\"aa\"}\n{\"n\":2,\"hash\":\"bb\"}\n", string(data))

	info, err := os.Stat(filepath.Join(s.BasePath, "phi_access_2024-03-09.log"))
	require.NoError(t, err)
	assert.Equal(t, DefaultFileMode, info.Mode().Perm())

	seg, err = s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	defer seg.Close()
	assert.Equal(t, Tail{LastHash: "bb", Lines: 2}, seg.Tail())
}

func TestLocalStore_Sidecar(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }))

	seg, err := s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, seg.Append([]byte(`{"hash":"aa"}`), "aa"))
	require.NoError(t, seg.Close())

	st, err := s.ReadSidecar(testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainState{RunningHash: "aa", EntryCount: 1, UpdatedAt: fixed}, *st)

	s2 := newTestStore(t, WithSidecar(false))
	seg, err = s2.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, seg.Append([]byte(`{"hash":"aa"}`), "aa"))
	require.NoError(t, seg.Close())
	_, err = s2.ReadSidecar(testKey)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalStore_SidecarMismatchFileWins(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := hermes.NewPrometheusMetrics(reg)
	s := newTestStore(t, WithMetrics(metrics))

	seg, err := s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, seg.Append([]byte(`{"hash":"aa"}`), "aa"))
	require.NoError(t, seg.Close())

	// Stale sidecar, as if the process died between the append and the rename.
	stale := `{"running_hash":"zz","entry_count":7,"updated_at":"2024-03-09T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(s.BasePath, "phi_access_2024-03-09.state"), []byte(stale), 0600))

	seg, err = s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	defer seg.Close()

	assert.Equal(t, Tail{LastHash: "aa", Lines: 1}, seg.Tail())
	st, err := s.ReadSidecar(testKey)
	require.NoError(t, err)
	assert.Equal(t, "aa", st.RunningHash)
	assert.Equal(t, int64(1), st.EntryCount)

	assert.Equal(t, 1.0, counterValue(t, reg, hermes.MetricSidecarMismatch))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestLocalStore_QuarantinesPartialTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := filepath.Join(s.BasePath, FileName(testKey))

	require.NoError(t, os.WriteFile(path, []byte("{\"hash\":\"aa\"}\n{\"hash\":\"b"), 0600))

	seg, err := s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	defer seg.Close()

	tail := seg.Tail()
	assert.Equal(t, "aa", tail.LastHash)
	assert.Equal(t, int64(1), tail.Lines)
	require.NotEmpty(t, tail.Quarantined)
	assert.True(t, strings.HasPrefix(filepath.Base(tail.Quarantined), "phi_access_2024-03-09.log.partial-"))

	q, err := os.ReadFile(tail.Quarantined)
	require.NoError(t, err)
	assert.Equal(t, `{"hash":"b`, string(q))

	require.NoError(t, seg.Append([]byte(`{"hash":"cc"}`), "cc"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"hash\":\"aa\"}\n{\"hash\":\"cc\"}\n", string(data))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChainKey{testKey}, keys, "quarantine files are not chains")
}

func TestLocalStore_CorruptTail(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.BasePath, FileName(testKey))
	require.NoError(t, os.WriteFile(path, []byte("{\"hash\":\"aa\"}\nnot json\n"), 0600))

	_, err := s.OpenSegment(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrCorruptTail)
}

type failingFile struct {
	w         *os.File
	failWrite bool
	failSync  bool
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.failWrite {
		n, _ := f.w.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.w.Write(p)
}

func (f *failingFile) Sync() error {
	if f.failSync {
		return errors.New("fsync failed")
	}
	return f.w.Sync()
}

func (f *failingFile) Truncate(size int64) error { return f.w.Truncate(size) }
func (f *failingFile) Close() error              { return f.w.Close() }

func TestSegment_AppendRollsBack(t *testing.T) {
	for _, mode := range []string{"write", "sync"} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)

			seg, err := s.OpenSegment(ctx, testKey)
			require.NoError(t, err)
			require.NoError(t, seg.Append([]byte(`{"hash":"aa"}`), "aa"))

			fs := seg.(*fileSegment)
			fs.f = &failingFile{w: fs.f.(*os.File), failWrite: mode == "write", failSync: mode == "sync"}

			err = seg.Append([]byte(`{"hash":"bb"}`), "bb")
			require.Error(t, err)
			assert.Equal(t, Tail{LastHash: "aa", Lines: 1}, seg.Tail())
			assert.ErrorIs(t, seg.Append([]byte(`{}`), "x"), ErrClosed)

			data, err := os.ReadFile(filepath.Join(s.BasePath, FileName(testKey)))
			require.NoError(t, err)
			assert.Equal(t, "{\"hash\":\"aa\"}\n", string(data))
		})
	}
}

func TestSegment_RejectsNewline(t *testing.T) {
	s := newTestStore(t)
	seg, err := s.OpenSegment(context.Background(), testKey)
	require.NoError(t, err)
	defer seg.Close()

	assert.ErrorIs(t, seg.Append([]byte("a\nb"), "x"), ErrInvalidLine)
}

func TestLocalStore_OpenReader(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.OpenReader(ctx, testKey)
	assert.ErrorIs(t, err, ErrChainNotFound)

	seg, err := s.OpenSegment(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, seg.Append([]byte(`{"hash":"aa"}`), "aa"))
	require.NoError(t, seg.Close())

	r, err := s.OpenReader(ctx, testKey)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "{\"hash\":\"aa\"}\n", string(data))
}

func TestLocalStore_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{
		"security_2024-03-10.log",
		"phi_access_2024-03-09.log",
		"encounter_2024-03-09.log",
		"encounter_2024-03-09.state",
		"notes.txt",
		"Bad_2024-03-09.log",
		"encounter_2024-13-40.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(s.BasePath, name), nil, 0600))
	}

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChainKey{
		{Channel: "encounter", Date: "2024-03-09"},
		{Channel: "phi_access", Date: "2024-03-09"},
		{Channel: "security", Date: "2024-03-10"},
	}, keys)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey(testKey))
	assert.ErrorIs(t, ValidateKey(domain.ChainKey{Channel: "../x", Date: "2024-03-09"}), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey(domain.ChainKey{Channel: "x", Date: "2024-3-9"}), ErrInvalidKey)

	_, err := newTestStore(t).OpenSegment(context.Background(), domain.ChainKey{Channel: "../etc", Date: "2024-03-09"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}
