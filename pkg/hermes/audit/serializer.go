package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
	"github.com/mnemosyne-audit/mnemosyne/pkg/lethe"
	"github.com/mnemosyne-audit/mnemosyne/pkg/requestcontext"
	"github.com/mnemosyne-audit/mnemosyne/pkg/themis"
)

// DefaultUserAgentMax bounds the stored user agent, in bytes.
const DefaultUserAgentMax = 255

// Serializer validates a log call and builds its redacted entry. It holds no
// mutable state and is safe for concurrent use.
type Serializer struct {
	registry *themis.Registry
	redactor *lethe.Redactor
	salt     []byte
	uaMax    int
	newID    func() string
}

type SerializerOption func(*Serializer)

func WithUserAgentMax(n int) SerializerOption {
	return func(s *Serializer) {
		if n > 0 {
			s.uaMax = n
		}
	}
}

// WithRequestIDGenerator replaces the uuid generator used when no request id
// is supplied.
func WithRequestIDGenerator(fn func() string) SerializerOption {
	return func(s *Serializer) { s.newID = fn }
}

func NewSerializer(registry *themis.Registry, redactor *lethe.Redactor, salt []byte, opts ...SerializerOption) (*Serializer, error) {
	if len(salt) == 0 {
		return nil, ErrMissingSalt
	}
	s := &Serializer{
		registry: registry,
		redactor: redactor,
		salt:     append([]byte(nil), salt...),
		uaMax:    DefaultUserAgentMax,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Build validates channel and operation, hashes the patient identifier,
// fills request metadata and redacts details. The returned entry has no hash.
func (s *Serializer) Build(ctx context.Context, channel domain.Channel, op domain.Operation, ev Event) (*domain.LogEntry, error) {
	level, err := s.registry.Resolve(channel, op)
	if err != nil {
		return nil, err
	}
	if ev.Level != "" {
		if !ev.Level.Valid() {
			return nil, NewSerializationError("level", "unknown level "+string(ev.Level), nil)
		}
		level = ev.Level
	}

	result := ev.Result
	if result == "" {
		result = domain.ResultLogged
	}
	if !result.Valid() {
		return nil, NewSerializationError("result", "unknown result "+string(result), nil)
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = requestcontext.Now(ctx)
	}

	requestID := ev.RequestID
	if requestID == "" {
		requestID = requestcontext.RequestID(ctx)
	}
	if requestID == "" {
		requestID = s.newID()
	}

	ip := ev.IPAddress
	if ip == "" {
		ip = requestcontext.ClientIP(ctx)
	}
	ua := ev.UserAgent
	if ua == "" {
		ua = requestcontext.UserAgent(ctx)
	}

	details, err := s.redactor.Redact(ev.Details)
	if err != nil {
		return nil, err
	}

	entry := &domain.LogEntry{
		Timestamp:   domain.NewTimestamp(occurred),
		Level:       level,
		Channel:     channel,
		Operation:   op,
		UserID:      ev.UserID,
		EncounterID: ev.EncounterID,
		IPAddress:   ip,
		UserAgent:   truncateUTF8(ua, s.uaMax),
		RequestID:   requestID,
		Details:     details,
		Result:      result,
		DurationMS:  ev.DurationMS,
	}
	if ev.UserRole != "" {
		role := ev.UserRole
		entry.UserRole = &role
	}
	if ev.PatientID != "" {
		h := s.HashPatientID(ev.PatientID)
		entry.PatientIDHash = &h
	}
	return entry, nil
}

// HashPatientID is hex(SHA-256(salt || id)). The same id always yields the
// same hash under one salt, so entries stay correlatable.
func (s *Serializer) HashPatientID(id string) string {
	h := sha256.New()
	h.Write(s.salt)
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

// Redactor returns the redactor used for details.
func (s *Serializer) Redactor() *lethe.Redactor {
	return s.redactor
}

// Registry returns the channel registry.
func (s *Serializer) Registry() *themis.Registry {
	return s.registry
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
