package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdispatch/internal/infra/config"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestFile(t, path, `
capabilities:
  - name: echo
    endpoint: https://agents.example.com/echo
`)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config OK: 1 capabilities")
}

func TestValidateCommandReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestFile(t, path, `
capabilities:
  - name: echo
    endpoint: /relative
`)

	_, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute URL")
}

func TestKeygenCommand(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 64)
}

func TestEncryptCommandRoundTrips(t *testing.T) {
	out, err := execute(t, "encrypt", "--key", "s3cret", "Bearer agent-token")
	require.NoError(t, err)

	enc := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(enc, "enc:"), "got %q", enc)
	plain, err := config.DecryptValue(strings.TrimPrefix(enc, "enc:"), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer agent-token", plain)
}

func TestEncryptCommandUsesEnvKey(t *testing.T) {
	t.Setenv("SUBDISPATCH_CONFIG_KEY", "from-env")
	out, err := execute(t, "encrypt", "value")
	require.NoError(t, err)
	_, err = config.DecryptValue(strings.TrimPrefix(strings.TrimSpace(out), "enc:"), "from-env")
	assert.NoError(t, err)
}

func TestEncryptCommandNeedsKey(t *testing.T) {
	t.Setenv("SUBDISPATCH_CONFIG_KEY", "")
	_, err := execute(t, "encrypt", "value")
	assert.ErrorContains(t, err, "no key")
}
