package judges

import (
	"fmt"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/erebus"
)

// ErrChainNotFound is returned when the chain file does not exist. A missing
// file is never treated as a valid empty chain.
var ErrChainNotFound = erebus.ErrChainNotFound

// Cause names why a chain failed verification.
type Cause string

const (
	CauseHashMismatch  Cause = "hash_mismatch"
	CauseMalformedJSON Cause = "malformed_json"
	CauseMissingHash   Cause = "missing_hash"
	CauseTruncated     Cause = "truncated"
)

// IntegrityViolation reports the first broken link of a chain. It is only
// ever produced by verification and is never repaired automatically.
type IntegrityViolation struct {
	Key    domain.ChainKey
	Line   int64
	Cause  Cause
	Detail string
}

func (e *IntegrityViolation) Error() string {
	name := "chain"
	if e.Key.Channel != "" {
		name = erebus.FileName(e.Key)
	}
	if e.Detail != "" {
		return fmt.Sprintf("integrity violation in %s at line %d: %s: %s", name, e.Line, e.Cause, e.Detail)
	}
	return fmt.Sprintf("integrity violation in %s at line %d: %s", name, e.Line, e.Cause)
}
