package fleet

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxRunIDLength = 40

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// RunRequest describes one distributed load-test run.
type RunRequest struct {
	RunID            string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Regions          map[string]int `json:"regions" yaml:"regions"`
	LoadProfile      string         `json:"load_profile" yaml:"load_profile"`
	ArtifactLocation string         `json:"artifact_location" yaml:"artifact_location"`
	EntryPlanFile    string         `json:"entry_plan_file" yaml:"entry_plan_file"`
	ExtraConfig      ExtraConfig    `json:"extra_config,omitempty" yaml:"extra_config,omitempty"`
}

// ExtraConfig carries free-form settings forwarded to the coordinator.
// Numbers and booleans are accepted on decode and kept in their string form.
type ExtraConfig map[string]string

// UnmarshalJSON accepts string, number and boolean values.
func (e *ExtraConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ExtraConfig, len(raw))
	for key, value := range raw {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			out[key] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(value, &n); err == nil {
			out[key] = n.String()
			continue
		}
		var b bool
		if err := json.Unmarshal(value, &b); err == nil {
			out[key] = strconv.FormatBool(b)
			continue
		}
		return fmt.Errorf("extra_config[%s]: expected string, number or boolean", key)
	}
	*e = out
	return nil
}

// NewRunID returns a fresh lowercase ULID.
func NewRunID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// NewRunRequest normalizes and validates a request. A missing run id is
// generated. Validation failures are returned as configuration errors.
func NewRunRequest(in RunRequest) (RunRequest, error) {
	out := RunRequest{
		RunID:            strings.TrimSpace(in.RunID),
		LoadProfile:      strings.TrimSpace(in.LoadProfile),
		ArtifactLocation: strings.TrimSpace(in.ArtifactLocation),
		EntryPlanFile:    strings.TrimSpace(in.EntryPlanFile),
		Regions:          make(map[string]int, len(in.Regions)),
	}
	if out.RunID == "" {
		out.RunID = NewRunID()
	}

	var issues []string
	for name, count := range in.Regions {
		region := strings.TrimSpace(name)
		switch {
		case region == "":
			issues = append(issues, "regions: region name must not be empty")
			continue
		case count < 0:
			issues = append(issues, fmt.Sprintf("regions[%s]: worker count must be non-negative", region))
			continue
		}
		out.Regions[region] += count
	}
	if len(in.Regions) > 0 && len(issues) == 0 && out.TotalWorkers() == 0 {
		issues = append(issues, "regions: at least one worker must be requested")
	}
	if len(in.Regions) == 0 {
		issues = append(issues, "regions: at least one region is required")
	}
	if len(out.RunID) > maxRunIDLength || !runIDPattern.MatchString(out.RunID) {
		issues = append(issues, fmt.Sprintf("run_id: %q must be at most %d characters of letters, digits, '.', '_' or '-'", out.RunID, maxRunIDLength))
	}
	if out.ArtifactLocation == "" {
		issues = append(issues, "artifact_location is required")
	}
	if len(in.ExtraConfig) > 0 {
		out.ExtraConfig = make(ExtraConfig, len(in.ExtraConfig))
		for key, value := range in.ExtraConfig {
			if strings.TrimSpace(key) == "" {
				issues = append(issues, "extra_config: keys must not be empty")
				continue
			}
			out.ExtraConfig[key] = value
		}
	}

	if len(issues) > 0 {
		return RunRequest{}, ConfigurationError("%s", strings.Join(issues, "; "))
	}
	return out, nil
}

// RegionOrder returns the regions that request at least one worker, sorted
// by name. Launch order follows it.
func (r RunRequest) RegionOrder() []string {
	regions := make([]string, 0, len(r.Regions))
	for name, count := range r.Regions {
		if count > 0 {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions
}

// TotalWorkers sums the requested worker counts.
func (r RunRequest) TotalWorkers() int {
	total := 0
	for _, count := range r.Regions {
		if count > 0 {
			total += count
		}
	}
	return total
}
