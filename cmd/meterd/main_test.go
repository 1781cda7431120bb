package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCmd executes the CLI against a SQLite store in dataDir.
func runCmd(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("METERD_CONFIG", "")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATA_DIR", dataDir)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version, BuildTime, GitCommit = "1.2.3", "2026-01-01", "abcdef"
	out, err := runCmd(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "meterd 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime, GitCommit = "unknown", "unknown"
	out, err = runCmd(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
}

func TestLicenseCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := runCmd(t, dir, "license", "create", "lk_CLI1", "--hours", "2.5", "--email", "ops@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "lk_CLI1\t2.5 hours")

	out, err = runCmd(t, dir, "license", "create")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "lk_"), out)

	_, err = runCmd(t, dir, "license", "create", "lk_CLI1")
	assert.Error(t, err, "duplicate keys are rejected")

	_, err = runCmd(t, dir, "license", "create", "--hours", "-1")
	assert.Error(t, err)

	out, err = runCmd(t, dir, "license", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "lk_CLI1")
	assert.Contains(t, out, "ops@example.com")

	out, err = runCmd(t, dir, "license", "revoke", "lk_CLI1")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")

	_, err = runCmd(t, dir, "license", "revoke", "lk_MISSING")
	assert.Error(t, err)
}

func TestLedgerCommands(t *testing.T) {
	dir := t.TempDir()
	_, err := runCmd(t, dir, "license", "create", "lk_LEDGER", "--hours", "5")
	require.NoError(t, err)

	out, err := runCmd(t, dir, "ledger", "show", "lk_LEDGER")
	require.NoError(t, err)
	assert.Contains(t, out, "adjustment")
	assert.Contains(t, out, "initial credit")
	assert.Contains(t, out, "lk_LEDGER: 5 remaining")

	out, err = runCmd(t, dir, "ledger", "verify", "lk_LEDGER")
	require.NoError(t, err)
	assert.Contains(t, out, "1 entries")
	assert.Contains(t, out, "OK")

	_, err = runCmd(t, dir, "ledger", "verify", "lk_NOPE")
	assert.Error(t, err)
}

func TestInvalidConfigurationFails(t *testing.T) {
	t.Setenv("HOUR_PACKAGES", "nonsense")
	_, err := runCmd(t, t.TempDir(), "license", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load configuration")
}
