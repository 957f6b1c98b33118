package erebus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

type appendFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type fileSegment struct {
	mu    sync.Mutex
	store *LocalStore
	key   domain.ChainKey
	path  string
	f     appendFile
	size  int64
	tail  Tail
}

func (s *fileSegment) Key() domain.ChainKey {
	return s.key
}

func (s *fileSegment) Tail() Tail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// Append writes line plus newline and fsyncs. On any failure the bytes
// written by this call are cut off and the segment closes itself, so the
// caller must reopen and re-derive the tail.
func (s *fileSegment) Append(line []byte, hash string) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return ErrInvalidLine
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}

	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	n, err := s.f.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = s.f.Sync()
	}
	if err != nil {
		if terr := s.f.Truncate(s.size); terr != nil {
			err = fmt.Errorf("%w (rollback failed: %v)", err, terr)
		}
		s.f.Close()
		s.f = nil
		return fmt.Errorf("failed to append to %s: %w", s.key, err)
	}

	s.size += int64(n)
	s.tail.Lines++
	s.tail.LastHash = hash
	s.tail.Quarantined = ""

	if s.store.sidecar {
		s.store.writeSidecar(context.Background(), s.key, s.tail)
	}
	return nil
}

func (s *fileSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
