// Package profile turns a named load profile into worker and coordinator
// launch specs.
package profile

import (
	"sort"
	"strconv"
	"strings"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// DefaultImage is the JMeter image container backends run when the
// deployment names none.
const DefaultImage = "justb4/jmeter:5.5"

// Shape is how one role is launched. Definition names the ECS task
// definition; Image is what container backends pull.
type Shape struct {
	Definition string
	Image      string
	Container  string
	NamePrefix string
	CPU        float64
	MemoryMiB  int
	Ports      []int
	Env        map[string]string
}

// Profile pairs the worker and coordinator shapes of a load tool.
type Profile struct {
	Name        string
	Worker      Shape
	Coordinator Shape
}

// Jmeter is the built-in JMeter master/slave profile.
func Jmeter() Profile {
	return Profile{
		Name: "jmeter",
		Worker: Shape{
			Definition: "jmeter_slave",
			Image:      DefaultImage,
			Container:  "jmeter-slave",
			NamePrefix: "jmeter-slave",
			CPU:        0.5,
			MemoryMiB:  1024,
		},
		Coordinator: Shape{
			Definition: "jmeter_master",
			Image:      DefaultImage,
			Container:  "jmeter-master",
			NamePrefix: "jmeter-master",
			CPU:        1,
			MemoryMiB:  1536,
			Ports:      []int{1099, 50000},
			Env: map[string]string{
				"number_of_threads": "10",
				"ramp_up_time":      "10",
				"duration":          "60",
			},
		},
	}
}

// Catalog maps profile names to profiles.
type Catalog map[string]Profile

// Builtin returns a catalog holding only the built-in profiles.
func Builtin() Catalog {
	return Catalog{"jmeter": Jmeter()}
}

// ForEnvironment returns the built-in profiles with the deployment's images
// and sizes (SLAVE_IMAGE, MASTER_CPU and friends) applied.
func ForEnvironment(env config.Environment) Catalog {
	c := Builtin()
	p := c[config.DefaultLoadProfile]
	deploy(&p.Worker, env.WorkerImage, env.WorkerCPU, env.WorkerMemoryGB)
	deploy(&p.Coordinator, env.CoordinatorImage, env.CoordinatorCPU, env.CoordinatorMemoryGB)
	c[p.Name] = p
	return c
}

func deploy(s *Shape, image string, cpu, memoryGB float64) {
	if image = strings.TrimSpace(image); image != "" {
		s.Image = image
	}
	if cpu > 0 {
		s.CPU = cpu
	}
	if memoryGB > 0 {
		s.MemoryMiB = int(memoryGB * 1024)
	}
}

// NewCatalog layers configured profiles over the built-ins.
func NewCatalog(entries []config.ProfileConfig) (Catalog, error) {
	return Builtin().With(entries)
}

// With returns a copy of c with entries layered on top. An entry that names
// an existing profile overrides only the fields it sets; a new profile needs
// a definition or an image for both roles.
func (c Catalog) With(entries []config.ProfileConfig) (Catalog, error) {
	out := make(Catalog, len(c)+len(entries))
	for name, p := range c {
		out[name] = p
	}
	var issues []string
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			issues = append(issues, "profile name is required")
			continue
		}
		p, exists := out[name]
		if !exists {
			p = Profile{Name: name}
			if (e.WorkerDefinition == "" && e.WorkerImage == "") || (e.CoordinatorDefinition == "" && e.CoordinatorImage == "") {
				issues = append(issues, "profile "+name+": a definition or image is required for both roles")
				continue
			}
			p.Worker.NamePrefix = name + "-worker"
			p.Coordinator.NamePrefix = name + "-coordinator"
		}
		override(&p.Worker, Shape{
			Definition: e.WorkerDefinition,
			Image:      e.WorkerImage,
			Container:  e.WorkerContainer,
			CPU:        e.WorkerCPU,
			MemoryMiB:  e.WorkerMemoryMiB,
			Env:        e.WorkerEnv,
		})
		override(&p.Coordinator, Shape{
			Definition: e.CoordinatorDefinition,
			Image:      e.CoordinatorImage,
			Container:  e.CoordinatorContainer,
			CPU:        e.CoordinatorCPU,
			MemoryMiB:  e.CoordinatorMemoryMiB,
			Ports:      e.CoordinatorPorts,
			Env:        e.CoordinatorEnv,
		})
		out[name] = p
	}
	if len(issues) > 0 {
		return nil, fleet.ConfigurationError("%s", strings.Join(issues, "; "))
	}
	return out, nil
}

// override copies the non-zero fields of patch onto s. Env is merged.
func override(s *Shape, patch Shape) {
	if patch.Definition != "" {
		s.Definition = patch.Definition
	}
	if patch.Image != "" {
		s.Image = patch.Image
	}
	if patch.Container != "" {
		s.Container = patch.Container
	}
	if patch.CPU > 0 {
		s.CPU = patch.CPU
	}
	if patch.MemoryMiB > 0 {
		s.MemoryMiB = patch.MemoryMiB
	}
	if len(patch.Ports) > 0 {
		s.Ports = append([]int(nil), patch.Ports...)
	}
	if len(patch.Env) > 0 {
		merged := make(map[string]string, len(s.Env)+len(patch.Env))
		for k, v := range s.Env {
			merged[k] = v
		}
		for k, v := range patch.Env {
			merged[k] = v
		}
		s.Env = merged
	}
}

// Lookup returns the named profile.
func (c Catalog) Lookup(name string) (Profile, error) {
	if name == "" {
		name = config.DefaultLoadProfile
	}
	p, ok := c[name]
	if !ok {
		return Profile{}, fleet.ConfigurationError("unknown load profile %q (available: %s)", name, strings.Join(c.Names(), ", "))
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WorkerSpecs builds the specs for count workers in region, indexed from 0.
func (p Profile) WorkerSpecs(runID, region string, count, controlPort int, ref fleet.ArtifactRef) []fleet.WorkerSpec {
	specs := make([]fleet.WorkerSpec, 0, count)
	for i := 0; i < count; i++ {
		env := make(map[string]string, len(p.Worker.Env)+3)
		for k, v := range p.Worker.Env {
			env[k] = v
		}
		env["JMETER_MODE"] = "slave"
		env["TEST_PLANS_PREFIX"] = ref.Prefix
		env["RUN_ID"] = runID

		specs = append(specs, fleet.WorkerSpec{
			RunID:       runID,
			Role:        fleet.RoleWorker,
			Index:       i,
			Region:      region,
			Name:        fleet.ResourceName(p.Worker.NamePrefix, runID, i),
			Definition:  p.Worker.Definition,
			Image:       p.Worker.Image,
			Container:   p.Worker.Container,
			CPU:         p.Worker.CPU,
			MemoryMiB:   p.Worker.MemoryMiB,
			ControlPort: controlPort,
			Ports:       append([]int(nil), p.Worker.Ports...),
			Env:         env,
		})
	}
	return specs
}

// CoordinatorSpec builds the coordinator spec wired to the ready workers.
// Profile defaults and then extra settings are added with upper-cased keys.
func (p Profile) CoordinatorSpec(runID, region string, controlPort int, ready []string, ref fleet.ArtifactRef, extra map[string]string) fleet.WorkerSpec {
	env := map[string]string{
		"JMETER_MODE":        "master",
		"JMETER_SLAVE_HOSTS": SlaveHosts(ready, controlPort),
		"RESULT_S3":          ref.Results,
		"TEST_PLANS_PREFIX":  ref.Prefix,
		"RUN_ID":             runID,
	}
	if ref.Kind == config.StoreAzBlob {
		env["TEST_PLAN_BLOB_URL"] = ref.EntryPlan
		if ref.SignedEntryPlan != "" {
			env["TEST_PLAN_BLOB_URL"] = ref.SignedEntryPlan
		}
	} else {
		env["TEST_PLAN_S3"] = ref.EntryPlan
	}
	if ref.SignedEntryPlan != "" {
		env["TEST_PLAN_URL"] = ref.SignedEntryPlan
	}
	for k, v := range p.Coordinator.Env {
		env[strings.ToUpper(k)] = v
	}
	for k, v := range extra {
		env[strings.ToUpper(k)] = v
	}

	return fleet.WorkerSpec{
		RunID:       runID,
		Role:        fleet.RoleCoordinator,
		Region:      region,
		Name:        fleet.ResourceName(p.Coordinator.NamePrefix, runID, 0),
		Definition:  p.Coordinator.Definition,
		Image:       p.Coordinator.Image,
		Container:   p.Coordinator.Container,
		CPU:         p.Coordinator.CPU,
		MemoryMiB:   p.Coordinator.MemoryMiB,
		ControlPort: controlPort,
		Ports:       append([]int(nil), p.Coordinator.Ports...),
		Env:         env,
	}
}

// SlaveHosts renders addresses as a comma-separated host:port list.
func SlaveHosts(addresses []string, port int) string {
	parts := make([]string, 0, len(addresses))
	for _, a := range addresses {
		parts = append(parts, a+":"+strconv.Itoa(port))
	}
	return strings.Join(parts, ",")
}
