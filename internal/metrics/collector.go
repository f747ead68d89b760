// Package metrics keeps a bounded in-memory record of sync outcomes and
// derives statistics and anomaly flags from it.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/quizapp/offlinesync/internal/models"
)

// DefaultCapacity is the number of outcomes retained.
const DefaultCapacity = 1000

// Anomaly thresholds. All are evaluated over AnomalyWindow.
const (
	AnomalyWindow = time.Hour

	LowSuccessRate         = 80.0 // percent
	LowSuccessRateHigh     = 50.0
	LowSuccessRateMinOps   = 5 // strictly more than
	SlowAverageDuration    = 10 * time.Second
	SlowAverageDurationHi  = 30 * time.Second
	SlowDurationMinOps     = 3
	ExcessiveRetries       = 1.5
	ExcessiveRetriesHigh   = 3.0
	ExcessiveRetriesMinOps = 3
)

// Anomaly types.
const (
	AnomalyLowSuccessRate   = "low_success_rate"
	AnomalyHighLatency      = "high_latency"
	AnomalyExcessiveRetries = "excessive_retries"
)

// Severity of an anomaly.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Stats aggregates a set of outcomes.
type Stats struct {
	TotalOperations      int     `json:"totalOperations"`
	SuccessfulOperations int     `json:"successfulOperations"`
	FailedOperations     int     `json:"failedOperations"`
	SuccessRate          float64 `json:"successRate"`     // percent
	AverageDuration      float64 `json:"averageDuration"` // ms
	AverageRetries       float64 `json:"averageRetries"`
	SyncFrequency        float64 `json:"syncFrequency"` // ops per hour
}

// ErrorCount is one entry of the top-errors ranking.
type ErrorCount struct {
	Error    string `json:"error"`
	Count    int    `json:"count"`
	LastSeen int64  `json:"lastSeen"` // epoch ms
}

// Anomaly flags a metric outside its expected range.
type Anomaly struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
}

// Collector is a fixed-size ring of sync outcomes. Safe for concurrent use.
type Collector struct {
	mu       sync.RWMutex
	buf      []models.SyncMetric
	start    int
	n        int
	capacity int
	now      func() time.Time
}

// NewCollector creates a collector retaining capacity outcomes.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{
		buf:      make([]models.SyncMetric, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// RecordSync appends one outcome, evicting the oldest when full.
func (c *Collector) RecordSync(operation string, entity models.EntityKind, duration time.Duration, success bool, retryCount int, err error, dataSize int) {
	m := models.SyncMetric{
		Timestamp:  c.now().UnixMilli(),
		Operation:  operation,
		Entity:     entity,
		Duration:   duration.Milliseconds(),
		Success:    success,
		RetryCount: retryCount,
		DataSize:   dataSize,
	}
	if err != nil {
		m.Error = err.Error()
	}
	c.Record(m)
}

// Record appends a prepared outcome.
func (c *Collector) Record(m models.SyncMetric) {
	if m.Timestamp == 0 {
		m.Timestamp = c.now().UnixMilli()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n < c.capacity {
		c.buf[(c.start+c.n)%c.capacity] = m
		c.n++
		return
	}
	c.buf[c.start] = m
	c.start = (c.start + 1) % c.capacity
}

// Len returns the number of retained outcomes.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// Reset drops every retained outcome.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start, c.n = 0, 0
}

// Snapshot returns outcomes within timeRange of now, oldest first.
// A zero timeRange selects everything.
func (c *Collector) Snapshot(timeRange time.Duration) []models.SyncMetric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var cutoff int64
	if timeRange > 0 {
		cutoff = c.now().Add(-timeRange).UnixMilli()
	}
	out := make([]models.SyncMetric, 0, c.n)
	for i := 0; i < c.n; i++ {
		m := c.buf[(c.start+i)%c.capacity]
		if m.Timestamp >= cutoff {
			out = append(out, m)
		}
	}
	return out
}

// Stats aggregates outcomes within timeRange (zero for all).
func (c *Collector) Stats(timeRange time.Duration) Stats {
	return aggregate(c.Snapshot(timeRange), c.now().UnixMilli())
}

// StatsByEntity aggregates outcomes per entity kind.
func (c *Collector) StatsByEntity(timeRange time.Duration) map[models.EntityKind]Stats {
	groups := make(map[models.EntityKind][]models.SyncMetric)
	for _, m := range c.Snapshot(timeRange) {
		groups[m.Entity] = append(groups[m.Entity], m)
	}
	now := c.now().UnixMilli()
	out := make(map[models.EntityKind]Stats, len(groups))
	for kind, ms := range groups {
		out[kind] = aggregate(ms, now)
	}
	return out
}

// TopErrors ranks failure messages by frequency, then by most recent occurrence.
func (c *Collector) TopErrors(limit int, timeRange time.Duration) []ErrorCount {
	index := make(map[string]*ErrorCount)
	for _, m := range c.Snapshot(timeRange) {
		if m.Success || m.Error == "" {
			continue
		}
		ec, ok := index[m.Error]
		if !ok {
			ec = &ErrorCount{Error: m.Error}
			index[m.Error] = ec
		}
		ec.Count++
		if m.Timestamp > ec.LastSeen {
			ec.LastSeen = m.Timestamp
		}
	}

	out := make([]ErrorCount, 0, len(index))
	for _, ec := range index {
		out = append(out, *ec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].Error < out[j].Error
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecentSuccessRate returns the success percentage within window and the
// number of outcomes it is based on. With no outcomes the rate is 100.
func (c *Collector) RecentSuccessRate(window time.Duration) (float64, int) {
	s := c.Stats(window)
	if s.TotalOperations == 0 {
		return 100, 0
	}
	return s.SuccessRate, s.TotalOperations
}

// DetectAnomalies flags low success rate, high latency and excessive retries
// over the last AnomalyWindow.
func (c *Collector) DetectAnomalies() []Anomaly {
	s := c.Stats(AnomalyWindow)
	var out []Anomaly

	if s.TotalOperations > LowSuccessRateMinOps && s.SuccessRate < LowSuccessRate {
		sev := SeverityMedium
		if s.SuccessRate < LowSuccessRateHigh {
			sev = SeverityHigh
		}
		out = append(out, Anomaly{
			Type:     AnomalyLowSuccessRate,
			Severity: sev,
			Message:  "sync success rate is below threshold",
			Value:    s.SuccessRate,
		})
	}

	if s.TotalOperations > SlowDurationMinOps && s.AverageDuration > float64(SlowAverageDuration.Milliseconds()) {
		sev := SeverityMedium
		if s.AverageDuration > float64(SlowAverageDurationHi.Milliseconds()) {
			sev = SeverityHigh
		}
		out = append(out, Anomaly{
			Type:     AnomalyHighLatency,
			Severity: sev,
			Message:  "average sync duration is above threshold",
			Value:    s.AverageDuration,
		})
	}

	if s.TotalOperations > ExcessiveRetriesMinOps && s.AverageRetries > ExcessiveRetries {
		sev := SeverityMedium
		if s.AverageRetries > ExcessiveRetriesHigh {
			sev = SeverityHigh
		}
		out = append(out, Anomaly{
			Type:     AnomalyExcessiveRetries,
			Severity: sev,
			Message:  "average retry count is above threshold",
			Value:    s.AverageRetries,
		})
	}

	return out
}

func aggregate(ms []models.SyncMetric, now int64) Stats {
	var s Stats
	s.TotalOperations = len(ms)
	if len(ms) == 0 {
		return s
	}

	var totalDuration, totalRetries int64
	oldest := ms[0].Timestamp
	for _, m := range ms {
		if m.Success {
			s.SuccessfulOperations++
		}
		totalDuration += m.Duration
		totalRetries += int64(m.RetryCount)
		if m.Timestamp < oldest {
			oldest = m.Timestamp
		}
	}
	s.FailedOperations = s.TotalOperations - s.SuccessfulOperations

	n := float64(s.TotalOperations)
	s.SuccessRate = float64(s.SuccessfulOperations) / n * 100
	s.AverageDuration = float64(totalDuration) / n
	s.AverageRetries = float64(totalRetries) / n

	if span := now - oldest; span > 0 {
		s.SyncFrequency = n / (float64(span) / float64(time.Hour.Milliseconds()))
	}
	return s
}
