package harness

import "fmt"

// StepResult records how one scenario step ended.
type StepResult struct {
	Index int    `json:"index"`
	Op    string `json:"op"`
	Peer  string `json:"peer,omitempty"`
	// Outcome is "ok" or the fault code the step failed with.
	Outcome string `json:"outcome"`
}

// PeerSpace is one peer's view of one space, with keys replaced by peer
// names so it can be compared across runs.
type PeerSpace struct {
	// Members maps peer names to their authority, with capabilities appended
	// as "+capability".
	Members   map[string]string `json:"members"`
	Epoch     int64             `json:"epoch"`
	Documents map[string]any    `json:"documents"`
	Degraded  int               `json:"degraded,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step ended as expected and every assertion held.
	Pass bool `json:"pass"`

	// Steps holds one entry per executed step.
	Steps []StepResult `json:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State maps peer name, then space label, to the final view.
	State map[string]map[string]PeerSpace `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
		State:  make(map[string]map[string]PeerSpace),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddErrorf formats and adds a validation error.
func (r *Result) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}

// AddStep appends a step outcome.
func (r *Result) AddStep(index int, step Step, outcome string) {
	r.Steps = append(r.Steps, StepResult{Index: index, Op: step.Op, Peer: step.Peer, Outcome: outcome})
}
