package fleet

// RunResult is the outcome of an orchestration run. Launched and
// ReadyAddresses are always non-nil so they render as {} and [].
type RunResult struct {
	RunID           string              `json:"run_id"`
	CoordinatorTask string              `json:"coordinator_task,omitempty"`
	Launched        map[string][]string `json:"launched_workers"`
	ReadyAddresses  []string            `json:"ready_addresses"`
	Notes           []string            `json:"notes,omitempty"`

	Instances []*WorkerInstance `json:"-"`
}

// NewRunResult returns an empty result for runID.
func NewRunResult(runID string) *RunResult {
	return &RunResult{
		RunID:          runID,
		Launched:       map[string][]string{},
		ReadyAddresses: []string{},
	}
}

// AddLaunched records launched workers under their region.
func (r *RunResult) AddLaunched(instances ...*WorkerInstance) {
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		r.Launched[inst.Region] = append(r.Launched[inst.Region], inst.Handle)
		r.Instances = append(r.Instances, inst)
	}
}

// LaunchedCount is the number of workers launched across all regions.
func (r *RunResult) LaunchedCount() int {
	n := 0
	for _, handles := range r.Launched {
		n += len(handles)
	}
	return n
}

// Note appends a diagnostic message.
func (r *RunResult) Note(msg string) {
	r.Notes = append(r.Notes, msg)
}
