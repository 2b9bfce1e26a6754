package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chameleoncloud/portalsync/internal/config"
	"github.com/chameleoncloud/portalsync/internal/pipeline"
	"github.com/chameleoncloud/portalsync/internal/tas"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(SummaryList{{Entity: "projects", Inserted: 1}})
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   []SummaryView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 1, resp.Data[0].Inserted)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Error(CodeConnectivity, "tas unreachable", map[string]string{"entity": "projects"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConnectivity, resp.Error.Code)
	assert.Equal(t, "tas unreachable", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Success(SummaryView{Entity: "projects", RunID: "run-0001", Status: "completed", Fetched: 3, Inserted: 2})
	require.NoError(t, err)
	assert.Equal(t, "projects run-0001 completed: fetched=3 invalid=0 duplicates=0 inserted=2 updated=0 unchanged=0 failed=0\n", buf.String())
}

func TestOutputFormatter_TextErrorGoesToErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut}

	require.NoError(t, formatter.Error(CodeConfig, "bad config", "ignored"))
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [E001]: bad config")
	assert.NotContains(t, errOut.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error(CodeInternal, "boom", map[string]string{"entity": "projects"}))
	assert.Contains(t, buf.String(), "Error [E004]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "usage")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "config", errors.New("inner")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "usage", NewExitError(ExitCommandError, "usage").Error())
	err := WrapExitError(ExitFailure, "sync aborted", errors.New("timeout"))
	assert.Equal(t, "sync aborted: timeout", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "timeout")
}

func TestErrorCode(t *testing.T) {
	apiErr := &tas.APIError{StatusCode: 400, Message: "bad request", Path: "/v1/fields"}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"config", &config.Error{Path: "x.yaml", Err: errors.New("missing tas")}, CodeConfig},
		{"connectivity", &pipeline.ConnectivityError{System: pipeline.SystemTAS, Op: "list projects", Err: apiErr}, CodeConnectivity},
		{"source", apiErr, CodeSource},
		{"other", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}
