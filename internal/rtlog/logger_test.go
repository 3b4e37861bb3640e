package rtlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("test-component").WithWriter(&buf)

	l.Info("orch-1", "run-1", "hello world", map[string]any{"count": 3})

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, Info, entry.Level)
	assert.Equal(t, "test-component", entry.Component)
	assert.Equal(t, "orch-1", entry.OrchestrationID)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "hello world", entry.Message)
	assert.EqualValues(t, 3, entry.Fields["count"])
}

func TestErrorWithErrFoldsErrorIntoFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("test-component").WithWriter(&buf)

	l.ErrorWithErr("", "", "failed", assert.AnError, nil)

	var entry Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, Error, entry.Level)
	assert.Equal(t, assert.AnError.Error(), entry.Fields["error"])
}
