package themis

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/mnemosyne-audit/mnemosyne/pkg/domain"
)

// Registry is the closed set of channels and operations that may be logged.
// It is immutable after construction.
type Registry struct {
	channels map[domain.Channel]ChannelSpec
}

// ChannelSpec declares one channel. Operations maps each permitted operation
// to its level; an empty level falls back to DefaultLevel.
type ChannelSpec struct {
	Name         domain.Channel
	Description  string
	DefaultLevel domain.Level
	Operations   map[domain.Operation]domain.Level
}

// Channel names end up in file names, so they are restricted.
var channelName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

var operationName = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

// NewRegistry validates and freezes the given channel specs.
func NewRegistry(specs ...ChannelSpec) (*Registry, error) {
	r := &Registry{channels: make(map[domain.Channel]ChannelSpec, len(specs))}
	for _, s := range specs {
		if !channelName.MatchString(string(s.Name)) {
			return nil, fmt.Errorf("invalid channel name %q", s.Name)
		}
		if _, dup := r.channels[s.Name]; dup {
			return nil, fmt.Errorf("channel %q registered twice", s.Name)
		}
		if !s.DefaultLevel.Valid() {
			return nil, fmt.Errorf("channel %q: invalid default level %q", s.Name, s.DefaultLevel)
		}
		if len(s.Operations) == 0 {
			return nil, fmt.Errorf("channel %q has no operations", s.Name)
		}

		ops := make(map[domain.Operation]domain.Level, len(s.Operations))
		for op, lvl := range s.Operations {
			if !operationName.MatchString(string(op)) {
				return nil, fmt.Errorf("channel %q: invalid operation name %q", s.Name, op)
			}
			if lvl == "" {
				lvl = s.DefaultLevel
			}
			if !lvl.Valid() {
				return nil, fmt.Errorf("channel %q operation %q: invalid level %q", s.Name, op, lvl)
			}
			ops[op] = lvl
		}
		s.Operations = ops
		r.channels[s.Name] = s
	}
	return r, nil
}

// Resolve validates a channel/operation pair and returns its level.
func (r *Registry) Resolve(channel domain.Channel, op domain.Operation) (domain.Level, error) {
	spec, ok := r.channels[channel]
	if !ok {
		return "", &UnknownChannelError{Channel: channel}
	}
	lvl, ok := spec.Operations[op]
	if !ok {
		return "", &UnknownOperationError{Channel: channel, Operation: op}
	}
	return lvl, nil
}

// HasChannel reports whether channel is registered.
func (r *Registry) HasChannel(channel domain.Channel) bool {
	_, ok := r.channels[channel]
	return ok
}

// Channels returns the registered channel names, sorted.
func (r *Registry) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(r.channels))
	for c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Operations returns the operations of channel, sorted.
func (r *Registry) Operations(channel domain.Channel) []domain.Operation {
	spec, ok := r.channels[channel]
	if !ok {
		return nil
	}
	out := make([]domain.Operation, 0, len(spec.Operations))
	for op := range spec.Operations {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Spec returns the declaration of channel.
func (r *Registry) Spec(channel domain.Channel) (ChannelSpec, bool) {
	s, ok := r.channels[channel]
	return s, ok
}
