package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "conflict", errors.New("inner")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "conflict: inner", errors.Unwrap(wrapped).Error())
}

func TestOutputFormatter_Text(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut, Verbose: true}

	require.NoError(t, f.Success("hello", map[string]int{"n": 1}))
	require.NoError(t, f.Error("CONFLICT", "versions out of sync", map[string]string{"tail": "t"}))
	f.VerboseLog("diag %d", 7)

	assert.Equal(t, "hello\nError [CONFLICT]: versions out of sync\nDetails: map[tail:t]\n", out.String())
	assert.Equal(t, "diag 7\n", errOut.String())
}

func TestOutputFormatter_JSONFail(t *testing.T) {
	out := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out}

	err := f.Fail(ExitFailure, "VERIFICATION_FAILED", "record signature does not verify", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out.String())
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VERIFICATION_FAILED", resp.Error.Code)
}
