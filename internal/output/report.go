package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/metrics"
)

// Report is the machine-readable form of a run: the response plus timing.
type Report struct {
	invocation.Response `yaml:",inline"`
	Metrics             metrics.Stats `json:"metrics" yaml:"metrics"`
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, resp invocation.Response, stats metrics.Stats) {
	status := "SUCCEEDED"
	if !resp.OK() {
		status = "FAILED"
	}
	body := resp.Body

	fmt.Fprintln(w, "\n--- Fleet Run Results ---")
	fmt.Fprintf(w, "Run ID:            %s\n", body.RunID)
	fmt.Fprintf(w, "Status:            %s (%d)\n", status, resp.StatusCode)
	fmt.Fprintf(w, "Coordinator:       %s\n", orNone(body.CoordinatorTask))
	fmt.Fprintf(w, "Workers Launched:  %d\n", launchedCount(body.LaunchedWorkers))
	fmt.Fprintf(w, "Workers Ready:     %d\n", len(body.ReadyAddresses))
	fmt.Fprintf(w, "Elapsed:           %s\n", stats.Elapsed.Round(time.Millisecond))

	if len(body.LaunchedWorkers) > 0 {
		fmt.Fprintln(w, "\nRegion Breakdown:")
		regions := make([]string, 0, len(body.LaunchedWorkers))
		for region := range body.LaunchedWorkers {
			regions = append(regions, region)
		}
		sort.Strings(regions)
		for _, region := range regions {
			tasks := body.LaunchedWorkers[region]
			fmt.Fprintf(w, "  - %s: %d task(s)\n", region, len(tasks))
			for _, task := range tasks {
				fmt.Fprintf(w, "      %s\n", task)
			}
		}
	}

	if len(body.ReadyAddresses) > 0 {
		fmt.Fprintln(w, "\nReady Addresses:")
		for _, addr := range body.ReadyAddresses {
			fmt.Fprintf(w, "  %s\n", addr)
		}
	}

	if names := stats.Names(); len(names) > 0 {
		fmt.Fprintln(w, "\nTimings:")
		for _, name := range names {
			s := stats.Series[name]
			fmt.Fprintf(w, "  - %s: count=%d, failures=%d, p50=%s, p90=%s, p99=%s, max=%s\n",
				name, s.Count, s.Failures, s.P50, s.P90, s.P99, s.Max)
			writeErrors(w, s.Errors, "      ")
		}
	}

	if len(body.Notes) > 0 {
		fmt.Fprintln(w, "\nNotes:")
		for _, note := range body.Notes {
			fmt.Fprintf(w, "  - %s\n", note)
		}
	}

	if body.Error != "" {
		fmt.Fprintln(w, "\nError:")
		fmt.Fprintf(w, "  %s\n", body.Error)
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, resp invocation.Response, stats metrics.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Report{Response: resp, Metrics: stats})
}

// PrintYAMLReport outputs a YAML-formatted report.
func PrintYAMLReport(w io.Writer, resp invocation.Response, stats metrics.Stats) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Report{Response: resp, Metrics: stats}); err != nil {
		return err
	}
	return enc.Close()
}

func writeErrors(w io.Writer, errs map[string]int, indent string) {
	if len(errs) == 0 {
		return
	}
	labels := make([]string, 0, len(errs))
	for label := range errs {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(w, "%s%s: %d\n", indent, label, errs[label])
	}
}

func launchedCount(launched map[string][]string) int {
	n := 0
	for _, tasks := range launched {
		n += len(tasks)
	}
	return n
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
