package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/spacesync/internal/ir"
)

// Report is what golden files record for a scenario: the outcome of every
// step and each peer's final view of each space.
type Report struct {
	Scenario string
	Steps    []StepResult
	State    map[string]map[string]PeerSpace
}

// NewReport builds the report of a finished run.
func NewReport(scenario *Scenario, result *Result) Report {
	return Report{Scenario: scenario.Name, Steps: result.Steps, State: result.State}
}

// toCanonicalMap converts a Report to a map[string]any for canonical JSON
// serialization. ir.MarshalCanonical only handles IR values and primitives.
func (r Report) toCanonicalMap() map[string]any {
	steps := make([]any, len(r.Steps))
	for i, s := range r.Steps {
		step := map[string]any{
			"index":   s.Index,
			"op":      s.Op,
			"outcome": s.Outcome,
		}
		if s.Peer != "" {
			step["peer"] = s.Peer
		}
		steps[i] = step
	}

	state := make(map[string]any, len(r.State))
	for peer, views := range r.State {
		spaces := make(map[string]any, len(views))
		for label, v := range views {
			members := make(map[string]any, len(v.Members))
			for name, authority := range v.Members {
				members[name] = authority
			}
			view := map[string]any{
				"members":   members,
				"epoch":     v.Epoch,
				"documents": v.Documents,
			}
			if v.Degraded > 0 {
				view["degraded"] = v.Degraded
			}
			spaces[label] = view
		}
		state[peer] = spaces
	}

	return map[string]any{
		"scenario": r.Scenario,
		"steps":    steps,
		"state":    state,
	}
}

// Marshal renders the report as canonical JSON indented by two spaces,
// with a trailing newline.
func (r Report) Marshal() ([]byte, error) {
	raw, err := ir.MarshalCanonical(r.toCanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent report: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// RunWithGolden executes a scenario, fails the test on any step or
// assertion error, and compares the report against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	for _, e := range result.Errors {
		t.Error(e)
	}
	return result, AssertGolden(t, NewReport(scenario, result))
}

// AssertGolden compares a report against its golden file.
func AssertGolden(t *testing.T, report Report) error {
	t.Helper()

	data, err := report.Marshal()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, report.Scenario, data)
	return nil
}
