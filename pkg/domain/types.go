package domain

import (
	"fmt"
	"strings"
	"time"
)

// Identifiers

type Channel string
type Operation string

// Levels

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelAudit   Level = "AUDIT"
	LevelDebug   Level = "DEBUG"
	LevelPerf    Level = "PERF"
)

func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelAudit, LevelDebug, LevelPerf:
		return true
	}
	return false
}

// Outcomes

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultLogged  Result = "logged"
)

func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultLogged:
		return true
	}
	return false
}

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DateLayout names the UTC day a chain belongs to.
const DateLayout = "2006-01-02"

// Timestamp is a UTC instant truncated to milliseconds.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

// Date returns the chain date (UTC) of the instant.
func (t Timestamp) Date() string {
	return t.UTC().Format(DateLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = NewTimestamp(parsed)
	return nil
}

// LogEntry is one line of an audit chain file. Field order and names are the
// on-disk contract; Hash is the chain link and is excluded from its own input.
type LogEntry struct {
	Timestamp     Timestamp      `json:"timestamp"`
	Level         Level          `json:"level"`
	Channel       Channel        `json:"channel"`
	Operation     Operation      `json:"operation"`
	UserID        *int64         `json:"user_id"`
	UserRole      *string        `json:"user_role"`
	EncounterID   *int64         `json:"encounter_id"`
	PatientIDHash *string        `json:"patient_id_hash"`
	IPAddress     string         `json:"ip_address"`
	UserAgent     string         `json:"user_agent"`
	RequestID     string         `json:"request_id"`
	Details       map[string]any `json:"details"`
	Result        Result         `json:"result"`
	DurationMS    *float64       `json:"duration_ms"`
	Hash          string         `json:"hash"`
}

// Date is the UTC day of the entry, which selects its chain.
func (e *LogEntry) Date() string {
	return e.Timestamp.Date()
}

// ChainKey identifies one hash chain: a channel on a UTC date.
type ChainKey struct {
	Channel Channel `json:"channel"`
	Date    string  `json:"date"`
}

func (k ChainKey) String() string {
	return string(k.Channel) + "_" + k.Date
}

// ChainState is the running integrity state of one chain.
type ChainState struct {
	RunningHash string    `json:"running_hash"`
	EntryCount  int64     `json:"entry_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}
