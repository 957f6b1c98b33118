package audit

import (
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

// Event is the caller's input to a log call. Callers pass raw values and
// must not pre-redact: PatientID is hashed and Details are redacted here.
type Event struct {
	UserID      *int64
	UserRole    string
	EncounterID *int64
	PatientID   string
	IPAddress   string
	UserAgent   string
	RequestID   string
	Details     map[string]any
	Result      domain.Result
	DurationMS  *float64

	// Level overrides the registry default for the operation.
	Level domain.Level
	// OccurredAt defaults to the request time. It selects the chain's date.
	OccurredAt time.Time
}

// Int64 returns a pointer to v, for the nullable id fields.
func Int64(v int64) *int64 {
	return &v
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
