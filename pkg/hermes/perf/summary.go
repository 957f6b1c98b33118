package perf

import (
	"math"
	"time"
)

type Summary struct {
	Duration      time.Duration
	QueryCount    int
	QueryTime     time.Duration
	SlowQueries   []QueryRecord
	CacheHits     int
	CacheMisses   int
	CacheMissRate float64
	MemoryRSS     uint64
	MemoryDelta   int64
	Warnings      []string
}

// Slow reports whether any threshold was crossed.
func (s Summary) Slow() bool {
	return len(s.Warnings) > 0
}

// DurationMS is the request duration in milliseconds.
func (s Summary) DurationMS() float64 {
	return ms(s.Duration)
}

// Details renders the summary as entry details. Only plain maps, slices and
// scalars are used so it passes through redaction unchanged.
func (s Summary) Details() map[string]any {
	slow := make([]any, 0, len(s.SlowQueries))
	for _, q := range s.SlowQueries {
		slow = append(slow, map[string]any{
			"label":       q.Label,
			"duration_ms": ms(q.Duration),
		})
	}
	warnings := make([]any, 0, len(s.Warnings))
	for _, w := range s.Warnings {
		warnings = append(warnings, w)
	}

	d := map[string]any{
		"request_duration_ms": ms(s.Duration),
		"query_count":         s.QueryCount,
		"query_time_ms":       ms(s.QueryTime),
		"slow_queries":        slow,
		"cache_hits":          s.CacheHits,
		"cache_misses":        s.CacheMisses,
		"cache_miss_rate":     round(s.CacheMissRate, 4),
		"warnings":            warnings,
	}
	if s.MemoryRSS > 0 {
		d["memory_rss_bytes"] = s.MemoryRSS
		d["memory_delta_bytes"] = s.MemoryDelta
	}
	return d
}

func ms(d time.Duration) float64 {
	return round(float64(d)/float64(time.Millisecond), 3)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
