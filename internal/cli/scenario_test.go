package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../harness/testdata/scenarios"

func TestTestCommand_GoldenMatch(t *testing.T) {
	resp, err := run(t, filepath.Join(t.TempDir(), "unused.db"), "test", "--filter", "basic_*", scenariosDir)
	require.NoError(t, err)

	result := decode[TestResult](t, resp.Data)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Passed)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "match", result.Scenarios[0].Golden)
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	scenarios := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))
	src, err := os.ReadFile(filepath.Join(scenariosDir, "revocation.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "revocation.yaml"), src, 0o644))

	db := filepath.Join(dir, "unused.db")
	resp, err := run(t, db, "test", "--update", scenarios)
	require.NoError(t, err)
	assert.Equal(t, "updated", decode[TestResult](t, resp.Data).Scenarios[0].Golden)

	got, err := os.ReadFile(filepath.Join(dir, "golden", "revocation.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/revocation.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	resp, err = run(t, db, "test", scenarios)
	require.NoError(t, err)
	assert.Equal(t, "match", decode[TestResult](t, resp.Data).Scenarios[0].Golden)
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: "Asserts a value the steps never wrote"
peers: [alice]
steps:
  - op: create
    peer: alice
    space: s
  - op: open
    peer: alice
    space: s
    document: todo
  - op: set
    peer: alice
    space: s
    document: todo
    path: title
    value: plan
assertions:
  - type: document
    peer: alice
    space: s
    document: todo
    expect: { title: other }
`), 0o644))

	resp, err := run(t, filepath.Join(t.TempDir(), "unused.db"), "test", "--golden", t.TempDir(), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	result := decode[TestResult](t, resp.Data)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "none", result.Scenarios[0].Golden)
	assert.NotEmpty(t, result.Scenarios[0].Errors)
}

func TestTestCommand_MissingDirectory(t *testing.T) {
	resp, err := run(t, filepath.Join(t.TempDir(), "unused.db"), "test", "/does/not/exist")
	require.Error(t, err)
	assert.Equal(t, "INVALID_ARGUMENT", resp.Error.Code)
}
