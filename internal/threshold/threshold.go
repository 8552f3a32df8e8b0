// Package threshold evaluates readiness acceptance rules such as
// "ready:count >= 1" against the outcome of a readiness wait.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/crankfleet/internal/metrics"
)

// Default is the rule applied when none is configured: at least one worker
// must accept connections before the coordinator starts.
const Default = "ready:count >= 1"

var pattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Threshold is an assertion over the readiness outcome.
type Threshold struct {
	Metric    string  // "ready" or "time_to_ready"
	Aggregate string  // count, ratio, missing for ready; p50, p90, p99, max for time_to_ready
	Operator  string  // <, <=, >, >=, ==
	Value     float64
	Raw       string
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Observation is what a readiness wait produced.
type Observation struct {
	Requested   int
	Ready       int
	TimeToReady metrics.Summary
}

// Evaluator evaluates thresholds against an observation.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate checks all thresholds against the observation.
func (e *Evaluator) Evaluate(obs Observation) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, obs))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Pass {
			failed = append(failed, r)
		}
	}
	return failed
}

func evaluateOne(t Threshold, obs Observation) Result {
	actual, err := extractValue(t, obs)
	if err != nil {
		return Result{Threshold: t, Message: fmt.Sprintf("error: %v", err)}
	}
	pass := compareValues(actual, t.Operator, t.Value)
	status := "pass"
	if !pass {
		status = "fail"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

// Parse parses a threshold string. Supported forms:
//   - "ready:count >= 3"         ready workers
//   - "ready:ratio >= 0.5"       ready workers over requested workers
//   - "ready:missing <= 2"       requested workers that never became ready
//   - "time_to_ready:p90 < 60000" time-to-ready percentile in ms
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}
	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected metric:aggregate operator value, e.g. %q)", s, Default)
	}
	metric, aggregate, operator, valueStr := matches[1], matches[2], matches[3], matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}
	aggregates, ok := supported[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: ready, time_to_ready)", metric)
	}
	if !contains(aggregates, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(aggregates, ", "))
	}
	if !contains(operators, operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}
	return Threshold{Metric: metric, Aggregate: aggregate, Operator: operator, Value: value, Raw: s}, nil
}

// ParseMultiple parses multiple threshold strings. An empty input yields
// the Default rule.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		t, err := Parse(Default)
		if err != nil {
			return nil, err
		}
		return []Threshold{t}, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string
	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

var (
	supported = map[string][]string{
		"ready":         {"count", "ratio", "missing"},
		"time_to_ready": {"p50", "p90", "p99", "max"},
	}
	operators = []string{"<", "<=", ">", ">=", "=="}
)

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func extractValue(t Threshold, obs Observation) (float64, error) {
	switch t.Metric {
	case "ready":
		switch t.Aggregate {
		case "count":
			return float64(obs.Ready), nil
		case "ratio":
			if obs.Requested == 0 {
				return 1, nil
			}
			return float64(obs.Ready) / float64(obs.Requested), nil
		case "missing":
			missing := obs.Requested - obs.Ready
			if missing < 0 {
				missing = 0
			}
			return float64(missing), nil
		}
	case "time_to_ready":
		switch t.Aggregate {
		case "p50":
			return obs.TimeToReady.P50Ms, nil
		case "p90":
			return obs.TimeToReady.P90Ms, nil
		case "p99":
			return obs.TimeToReady.P99Ms, nil
		case "max":
			return obs.TimeToReady.MaxMs, nil
		}
	}
	return 0, fmt.Errorf("unsupported threshold %s:%s", t.Metric, t.Aggregate)
}

func compareValues(actual float64, operator string, expected float64) bool {
	const epsilon = 1e-9
	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
