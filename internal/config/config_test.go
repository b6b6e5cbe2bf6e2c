package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithAuthTokenFromEnv(t *testing.T) {
	t.Setenv("FORKSD_AUTH_TOKEN", "test-token")
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "test-token", cfg.AuthToken)
	require.Equal(t, ":7337", cfg.BindAddr)
	require.Equal(t, filepath.Join(home, ".forks", "workspaces"), cfg.WorkspacesRoot)
}

func TestLoadRejectsMissingAuthToken(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	os.Unsetenv("FORKSD_AUTH_TOKEN")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/forksd.yaml", []byte("auth_token: from-file\nbind_addr: \":9999\"\n"), 0o644))
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.AuthToken)
	require.Equal(t, ":9999", cfg.BindAddr)
}
