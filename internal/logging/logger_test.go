package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogErrorIncludesOopsCode(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info")

	err := oops.Code("USER_CREATE_FAILED").With("operation", "insert user").Wrap(errors.New("boom"))
	LogError(logger, "register failed", err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "register failed", line["msg"])
	assert.Equal(t, "USER_CREATE_FAILED", line["code"])
	ctx, ok := line["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "insert user", ctx["operation"])
}

func TestLogErrorPlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info")

	LogError(logger, "plain", errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["error"])
	assert.NotContains(t, line, "code")
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "verbose")

	logger.Debug("hidden")
	assert.Empty(t, buf.String())
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}
