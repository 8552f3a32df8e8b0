package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ManifestFile is the package manifest name.
const ManifestFile = "config.json"

// Manifest defaults.
const (
	DefaultSlaveCount      = 2
	DefaultNumberOfThreads = 10
	DefaultRampUpTime      = 10
	DefaultDuration        = 60
)

// Manifest is the package's run description.
type Manifest struct {
	Found           bool
	SlaveCount      int
	Regions         map[string]int
	LoadProfile     string
	EntryPlan       string
	NumberOfThreads int
	RampUpTime      int
	Duration        int
}

// DefaultManifest is used when a package carries no manifest.
func DefaultManifest() Manifest {
	return Manifest{
		SlaveCount:      DefaultSlaveCount,
		NumberOfThreads: DefaultNumberOfThreads,
		RampUpTime:      DefaultRampUpTime,
		Duration:        DefaultDuration,
	}
}

// ParseManifest reads manifest fields from JSON. Unset fields keep their
// defaults. regions may be an object of counts or an array of names, each
// getting slave_count workers.
func ParseManifest(data []byte) (Manifest, error) {
	if !gjson.ValidBytes(data) {
		return Manifest{}, errors.New("manifest is not valid JSON")
	}
	m := DefaultManifest()
	m.Found = true
	doc := gjson.ParseBytes(data)

	var err error
	if m.SlaveCount, err = intField(doc, "slave_count", m.SlaveCount); err != nil {
		return Manifest{}, err
	}
	if m.NumberOfThreads, err = intField(doc, "number_of_threads", m.NumberOfThreads); err != nil {
		return Manifest{}, err
	}
	if m.RampUpTime, err = intField(doc, "ramp_up_time", m.RampUpTime); err != nil {
		return Manifest{}, err
	}
	if m.Duration, err = intField(doc, "duration", m.Duration); err != nil {
		return Manifest{}, err
	}
	m.LoadProfile = strings.TrimSpace(doc.Get("load_profile").String())
	m.EntryPlan = strings.TrimSpace(doc.Get("entry_plan").String())

	regions := doc.Get("regions")
	switch {
	case regions.IsObject():
		m.Regions = map[string]int{}
		var rerr error
		regions.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.Number || value.Num != float64(int(value.Num)) {
				rerr = fmt.Errorf("regions.%s must be a whole number", key.String())
				return false
			}
			m.Regions[strings.TrimSpace(key.String())] = int(value.Int())
			return true
		})
		if rerr != nil {
			return Manifest{}, rerr
		}
	case regions.IsArray():
		m.Regions = map[string]int{}
		for _, name := range regions.Array() {
			m.Regions[strings.TrimSpace(name.String())] = m.SlaveCount
		}
	case regions.Exists() && regions.Type != gjson.Null:
		return Manifest{}, errors.New("regions must be an object or an array")
	}
	return m, nil
}

func intField(doc gjson.Result, path string, def int) (int, error) {
	v := doc.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return def, nil
	}
	switch v.Type {
	case gjson.Number:
		if v.Num != float64(int(v.Num)) {
			return 0, fmt.Errorf("%s must be a whole number", path)
		}
		return int(v.Int()), nil
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(v.Str))
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number: %w", path, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a whole number", path)
	}
}

// ReadManifest reads dir/config.json. A missing file yields the defaults
// with Found unset.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return DefaultManifest(), nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", ManifestFile, err)
	}
	return m, nil
}

// RegionCounts returns the manifest's regions, or slave_count workers in
// defaultRegion when it names none.
func (m Manifest) RegionCounts(defaultRegion string) map[string]int {
	if len(m.Regions) > 0 {
		out := make(map[string]int, len(m.Regions))
		for r, n := range m.Regions {
			out[r] = n
		}
		return out
	}
	return map[string]int{defaultRegion: m.SlaveCount}
}

// CoordinatorSettings are the manifest values passed to the coordinator.
func (m Manifest) CoordinatorSettings() map[string]string {
	return map[string]string{
		"number_of_threads": strconv.Itoa(m.NumberOfThreads),
		"ramp_up_time":      strconv.Itoa(m.RampUpTime),
		"duration":          strconv.Itoa(m.Duration),
	}
}

// regionNames is used in log lines.
func (m Manifest) regionNames() []string {
	names := make([]string, 0, len(m.Regions))
	for r := range m.Regions {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}
