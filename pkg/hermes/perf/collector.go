// Package perf aggregates per-request performance counters and flags requests
// that cross fixed thresholds. A Collector lives for one request and is
// carried in its context; nothing is shared between requests.
package perf

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Warning names attached to a summary.
const (
	WarnSlowRequest      = "slow_request"
	WarnSlowQuery        = "slow_query"
	WarnExcessiveQueries = "excessive_queries"
	WarnHighCacheMiss    = "high_cache_miss_rate"
)

// maxSlowQueries caps how many slow queries a summary lists.
const maxSlowQueries = 20

type Thresholds struct {
	SlowQuery     time.Duration
	SlowRequest   time.Duration
	MaxQueries    int
	CacheMissRate float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowQuery:     100 * time.Millisecond,
		SlowRequest:   500 * time.Millisecond,
		MaxQueries:    10,
		CacheMissRate: 0.5,
	}
}

// MemorySampler returns the current resident set size in bytes.
type MemorySampler func() (uint64, error)

// ProcessRSS samples the RSS of the current process.
func ProcessRSS() MemorySampler {
	return func() (uint64, error) {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		mi, err := p.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return mi.RSS, nil
	}
}

type Option func(*Collector)

func WithThresholds(t Thresholds) Option {
	return func(c *Collector) { c.thresholds = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func WithMemorySampler(s MemorySampler) Option {
	return func(c *Collector) { c.sampler = s }
}

type QueryRecord struct {
	Label    string
	Duration time.Duration
}

// Collector is safe for concurrent use by the goroutines serving one request.
type Collector struct {
	mu          sync.Mutex
	thresholds  Thresholds
	now         func() time.Time
	sampler     MemorySampler
	started     time.Time
	memStart    uint64
	queries     int
	queryTime   time.Duration
	slowQueries []QueryRecord
	slowCount   int
	cacheHits   int
	cacheMisses int
}

// NewCollector starts a collector for a new request.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Reset()
	return c
}

// Reset clears all counters and restarts the request clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = c.now()
	c.queries = 0
	c.queryTime = 0
	c.slowQueries = nil
	c.slowCount = 0
	c.cacheHits = 0
	c.cacheMisses = 0
	c.memStart = 0
	if c.sampler != nil {
		if rss, err := c.sampler(); err == nil {
			c.memStart = rss
		}
	}
}

// RecordQuery accounts one database query.
func (c *Collector) RecordQuery(label string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	c.queryTime += d
	if d >= c.thresholds.SlowQuery {
		c.slowCount++
		if len(c.slowQueries) < maxSlowQueries {
			c.slowQueries = append(c.slowQueries, QueryRecord{Label: label, Duration: d})
		}
	}
}

// TimeQuery starts timing a query; call the returned func when it finishes.
func (c *Collector) TimeQuery(label string) func() {
	start := c.now()
	return func() {
		c.RecordQuery(label, c.now().Sub(start))
	}
}

func (c *Collector) CacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

func (c *Collector) CacheMiss() {
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
}

// Summary snapshots the counters and evaluates the thresholds.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Duration:    c.now().Sub(c.started),
		QueryCount:  c.queries,
		QueryTime:   c.queryTime,
		SlowQueries: append([]QueryRecord(nil), c.slowQueries...),
		CacheHits:   c.cacheHits,
		CacheMisses: c.cacheMisses,
	}
	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		s.CacheMissRate = float64(c.cacheMisses) / float64(lookups)
	}
	if c.sampler != nil {
		if rss, err := c.sampler(); err == nil {
			s.MemoryRSS = rss
			s.MemoryDelta = int64(rss) - int64(c.memStart)
		}
	}

	if s.Duration >= c.thresholds.SlowRequest {
		s.Warnings = append(s.Warnings, WarnSlowRequest)
	}
	if c.slowCount > 0 {
		s.Warnings = append(s.Warnings, WarnSlowQuery)
	}
	if c.queries > c.thresholds.MaxQueries {
		s.Warnings = append(s.Warnings, WarnExcessiveQueries)
	}
	if c.cacheHits+c.cacheMisses > 0 && s.CacheMissRate >= c.thresholds.CacheMissRate {
		s.Warnings = append(s.Warnings, WarnHighCacheMiss)
	}
	return s
}
