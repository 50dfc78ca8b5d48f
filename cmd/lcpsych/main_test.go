package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lcpsychadmin/lcpsych/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, BuildVersion+"\n", out)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	out, err := execute(t, "config-init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, config.SupportedVersion, raw["version"])

	azure := raw["azure"].(map[string]any)
	assert.Equal(t, map[string]any{"$env": "AZURE_CLIENT_SECRET"}, azure["clientSecret"])
}

func TestCommandsRequireConfig(t *testing.T) {
	for _, name := range []string{"serve", "migrate", "validate"} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, name)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "--config is required")
		})
	}
}

func TestValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": "v0"}`), 0644))

	out, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, out, "Errors (")
	assert.Contains(t, out, "Result: FAIL")
}

func TestInviteNeedsEmail(t *testing.T) {
	_, err := execute(t, "invite")
	assert.Error(t, err)
}
