package erebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

// ChainStore is Erebus: the deep, append-only home of audit chains. One
// JSON-Lines file holds one (channel, UTC date) chain.
type ChainStore interface {
	// OpenSegment opens a chain for appending, recovering its tail from disk.
	OpenSegment(ctx context.Context, key domain.ChainKey) (Segment, error)
	// OpenReader opens a chain read-only.
	OpenReader(ctx context.Context, key domain.ChainKey) (io.ReadCloser, error)
	// List returns every chain present, ordered by date then channel.
	List(ctx context.Context) ([]domain.ChainKey, error)
}

// Segment is an open, append-only chain file.
type Segment interface {
	Key() domain.ChainKey
	Tail() Tail
	// Append durably writes one serialized entry carrying hash. The line must
	// not contain a newline. On error nothing of the line remains in the file.
	Append(line []byte, hash string) error
	Close() error
}

// Tail is what the file itself says about the end of the chain.
type Tail struct {
	// LastHash is the hash of the last complete line, "" for an empty chain.
	LastHash string
	Lines    int64
	// Quarantined is set when a partial trailing line was moved aside on open.
	Quarantined string
}

var (
	ErrChainNotFound = errors.New("chain not found")
	ErrCorruptTail   = errors.New("last complete line has no readable hash")
	ErrInvalidKey    = errors.New("invalid chain key")
	ErrInvalidLine   = errors.New("line contains a newline")
	ErrClosed        = errors.New("segment closed")
)

var channelPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidateKey rejects keys that cannot safely become file names.
func ValidateKey(key domain.ChainKey) error {
	if !channelPattern.MatchString(string(key.Channel)) {
		return fmt.Errorf("%w: channel %q", ErrInvalidKey, key.Channel)
	}
	if _, err := time.Parse(domain.DateLayout, key.Date); err != nil {
		return fmt.Errorf("%w: date %q", ErrInvalidKey, key.Date)
	}
	return nil
}

// FileName is {channel}_{YYYY-MM-DD}.log.
func FileName(key domain.ChainKey) string {
	return key.String() + ".log"
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (domain.ChainKey, bool) {
	const ext = ".log"
	if len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
		return domain.ChainKey{}, false
	}
	base := name[:len(name)-len(ext)]
	dl := len(domain.DateLayout)
	if len(base) < dl+2 || base[len(base)-dl-1] != '_' {
		return domain.ChainKey{}, false
	}
	key := domain.ChainKey{
		Channel: domain.Channel(base[:len(base)-dl-1]),
		Date:    base[len(base)-dl:],
	}
	if ValidateKey(key) != nil {
		return domain.ChainKey{}, false
	}
	return key, true
}
