package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Series recorded during a run.
const (
	SeriesLaunch      = "launch"
	SeriesDescribe    = "describe"
	SeriesProbe       = "probe"
	SeriesTimeToReady = "time_to_ready"
)

// Collector records named latency series in a thread-safe manner.
type Collector struct {
	mu     sync.Mutex
	series map[string]*series
	start  time.Time
}

type series struct {
	hist         *hdrhistogram.Histogram
	count        int64
	failures     int64
	min          time.Duration
	max          time.Duration
	sum          time.Duration
	errorsByType map[string]int64
}

// Summary is the aggregate of one series.
type Summary struct {
	Count    int64         `json:"count" yaml:"count"`
	Failures int64         `json:"failures" yaml:"failures"`
	Min      time.Duration `json:"-" yaml:"-"`
	Max      time.Duration `json:"-" yaml:"-"`
	Mean     time.Duration `json:"-" yaml:"-"`
	P50      time.Duration `json:"-" yaml:"-"`
	P90      time.Duration `json:"-" yaml:"-"`
	P99      time.Duration `json:"-" yaml:"-"`

	// JSON-friendly millisecond fields.
	MinMs  float64        `json:"min_ms" yaml:"min_ms"`
	MaxMs  float64        `json:"max_ms" yaml:"max_ms"`
	MeanMs float64        `json:"mean_ms" yaml:"mean_ms"`
	P50Ms  float64        `json:"p50_ms" yaml:"p50_ms"`
	P90Ms  float64        `json:"p90_ms" yaml:"p90_ms"`
	P99Ms  float64        `json:"p99_ms" yaml:"p99_ms"`
	Errors map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Stats is a snapshot of every series.
type Stats struct {
	Elapsed   time.Duration      `json:"-" yaml:"-"`
	ElapsedMs float64            `json:"elapsed_ms" yaml:"elapsed_ms"`
	Series    map[string]Summary `json:"series" yaml:"series"`
}

// Names returns the series names in sorted order.
func (s Stats) Names() []string {
	names := make([]string, 0, len(s.Series))
	for name := range s.Series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		series: make(map[string]*series),
		start:  time.Now(),
	}
}

func newSeries() *series {
	// Track 1µs up to one hour with 3 significant figures.
	return &series{
		hist:         hdrhistogram.New(1, 3_600_000_000, 3),
		errorsByType: make(map[string]int64),
	}
}

// Record adds one observation to the named series. A nil collector is a
// no-op so callers need not guard optional metrics.
func (c *Collector) Record(name string, latency time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[name]
	if !ok {
		s = newSeries()
		c.series[name] = s
	}

	if latency > 0 {
		us := latency.Microseconds()
		if us < s.hist.LowestTrackableValue() {
			us = s.hist.LowestTrackableValue()
		}
		if us > s.hist.HighestTrackableValue() {
			us = s.hist.HighestTrackableValue()
		}
		_ = s.hist.RecordValue(us)
	}
	s.count++
	s.sum += latency
	if s.count == 1 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}
	if err != nil {
		s.failures++
		s.errorsByType[ErrorLabel(err)]++
	}
}

// Summary returns the aggregate of one series. Unknown series are empty.
func (c *Collector) Summary(name string) Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[name]
	if !ok {
		return Summary{}
	}
	return s.summary()
}

// Stats computes the aggregate of every series.
func (c *Collector) Stats() Stats {
	if c == nil {
		return Stats{Series: map[string]Summary{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.start)
	stats := Stats{
		Elapsed:   elapsed,
		ElapsedMs: toMs(elapsed),
		Series:    make(map[string]Summary, len(c.series)),
	}
	for name, s := range c.series {
		stats.Series[name] = s.summary()
	}
	return stats
}

func (s *series) summary() Summary {
	sum := Summary{
		Count:    s.count,
		Failures: s.failures,
		Min:      s.min,
		Max:      s.max,
	}
	if s.count > 0 {
		sum.Mean = time.Duration(int64(s.sum) / s.count)
	}
	if s.hist.TotalCount() > 0 {
		sum.P50 = time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond
		sum.P90 = time.Duration(s.hist.ValueAtQuantile(90)) * time.Microsecond
		sum.P99 = time.Duration(s.hist.ValueAtQuantile(99)) * time.Microsecond
	}
	sum.MinMs = toMs(sum.Min)
	sum.MaxMs = toMs(sum.Max)
	sum.MeanMs = toMs(sum.Mean)
	sum.P50Ms = toMs(sum.P50)
	sum.P90Ms = toMs(sum.P90)
	sum.P99Ms = toMs(sum.P99)

	if len(s.errorsByType) > 0 {
		sum.Errors = make(map[string]int, len(s.errorsByType))
		for k, v := range s.errorsByType {
			sum.Errors[k] = int(v)
		}
	}
	return sum
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
