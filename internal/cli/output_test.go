package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]string{"id": "x"}, "x"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"id": "x"}, resp.Data)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Success(map[string]string{"id": "x"}, "created x"))
	assert.Equal(t, "created x\n", buf.String())
}

func TestOutputFormatter_FailMapsFaults(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		exitCode int
	}{
		{"usage", fault.New(fault.UnknownSpace, "no space"), "UNKNOWN_SPACE", ExitCommandError},
		{"transient", fault.New(fault.StorageFailure, "disk"), "STORAGE_FAILURE", ExitCommandError},
		{"refused", fault.New(fault.NotAuthorized, "reader"), "NOT_AUTHORIZED", ExitFailure},
		{"race", fault.New(fault.StaleEpoch, "stale"), "STALE_EPOCH", ExitFailure},
		{"plain", errors.New("boom"), "ERROR", ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "json", Writer: buf}
			err := f.Fail("op", tt.err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))
			assert.ErrorIs(t, err, tt.err)

			var resp CLIResponse
			require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestOutputFormatter_TextFailGoesToErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut, Verbose: true}
	_ = f.Fail("put", fault.New(fault.UnknownDocument, "missing").With("document", "todo"))
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [UNKNOWN_DOCUMENT]: put: ")
	assert.Contains(t, errOut.String(), "document:todo")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}
	f.VerboseLog("hidden")
	assert.Empty(t, errOut.String())

	f.Verbose = true
	f.VerboseLog("change %s", "abc")
	assert.Equal(t, "change abc\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
}
