package cli

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidFile(t *testing.T) {
	out, err := execute(t, "validate", "testdata/phase.yaml")
	require.NoError(t, err)
	assert.Equal(t, "✓ testdata/phase.yaml: phase (4 states, 5 transitions)\n", out)
}

// TestValidate_InvalidFile verifies failures are reported per file
// Given: One valid and one broken descriptor file
// When: Both are validated
// Then: The broken file is marked and the command fails with ErrInvalidFiles
func TestValidate_InvalidFile(t *testing.T) {
	// Act
	out, err := execute(t, "validate", "testdata/phase.yaml", "testdata/broken.yaml")

	// Assert
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFiles))
	assert.Contains(t, out, "✓ testdata/phase.yaml")
	assert.Contains(t, out, "✗ testdata/broken.yaml")
	assert.Contains(t, out, `unknown state "NOWHERE"`)
}

func TestValidate_DuplicateMachineNames(t *testing.T) {
	out, err := execute(t, "validate", "testdata/phase.yaml", "testdata/phase.yaml")
	require.Error(t, err)
	assert.Contains(t, out, "already registered")
}

func TestValidate_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", "testdata/phase.yaml", "testdata/broken.yaml")
	require.Error(t, err)

	var res ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	require.Len(t, res.Files, 2)
	assert.Equal(t, "phase", res.Files[0].Machine)
	assert.Equal(t, 4, res.Files[0].States)
	assert.Empty(t, res.Files[0].Error)
	assert.NotEmpty(t, res.Files[1].Error)
}

func TestValidate_FromConfig(t *testing.T) {
	out, err := execute(t, "--config", "testdata/config.yaml", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ testdata/phase.yaml")
}

func TestValidate_NoFiles(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no descriptor files")
}
