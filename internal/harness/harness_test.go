package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
	require.NoError(t, err)
	return s
}

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"basic_replication", "revocation", "epoch_migration"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, load(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, result.Errors)
		})
	}
}

// Delivery order depends on the seed, so this scenario is checked by its
// assertions rather than a golden file.
func TestRun_ReorderedCounters(t *testing.T) {
	result, err := Run(load(t, "reordered_counters"))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	for _, peer := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, int64(0), result.State[peer]["s"].Epoch)
		assert.Len(t, result.State[peer]["s"].Members, 3)
	}
}

func TestRun_UnexpectedOutcomes(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: unexpected
description: "steps and assertions that do not hold"
peers: [alice, bob]
steps:
  - op: create
    peer: alice
    space: s
    expect_error: STALE_EPOCH
  - op: open
    peer: bob
    space: s
    document: todo
  - op: set
    peer: alice
    space: s
    document: todo
    path: title
    value: x
assertions:
  - type: epoch
    peer: alice
    space: s
    number: 3
  - type: member
    peer: alice
    space: s
    subject: bob
    authority: writer
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, "ok", result.Steps[0].Outcome)
	assert.Equal(t, "UNKNOWN_SPACE", result.Steps[1].Outcome, "bob never joined")
	assert.Equal(t, "UNKNOWN_DOCUMENT", result.Steps[2].Outcome)

	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "expected STALE_EPOCH, got success")
	assert.Contains(t, result.Errors[3], "want 3, got 0")
	assert.Contains(t, result.Errors[4], `want authority "writer", got ""`)
}

func TestRun_RestartOnLevelDB(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: leveldb_restart
description: "a leveldb-backed peer recovers its documents"
backend: leveldb
peers: [alice]
steps:
  - op: create
    peer: alice
    space: s
  - op: open
    peer: alice
    space: s
    document: notes
  - op: set
    peer: alice
    space: s
    document: notes
    path: body
    value: hello
  - op: restart
    peer: alice
assertions:
  - type: document
    peer: alice
    space: s
    document: notes
    expect: { body: hello }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, map[string]string{"alice": "owner"}, result.State["alice"]["s"].Members)
}

func TestReport_Marshal(t *testing.T) {
	r := Report{
		Scenario: "tiny",
		Steps:    []StepResult{{Index: 0, Op: OpSettle, Outcome: "ok"}},
		State: map[string]map[string]PeerSpace{
			"alice": {"s": {Members: map[string]string{"alice": "owner"}, Documents: map[string]any{}}},
		},
	}
	data, err := r.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{
  "scenario": "tiny",
  "state": {
    "alice": {
      "s": {
        "documents": {},
        "epoch": 0,
        "members": {
          "alice": "owner"
        }
      }
    }
  },
  "steps": [
    {
      "index": 0,
      "op": "settle",
      "outcome": "ok"
    }
  ]
}
`, string(data))
}
