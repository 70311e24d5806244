package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		PortEnv, DataDirEnv, PublicBaseURLEnv, DisableHTTPSRedirectEnv,
		AutoCleanupDaysEnv, AutoCleanupMaxMBEnv, MaxDownloadMBEnv,
		DownloadThreadsEnv, AccessPasswordEnv, BuildCommitEnv, BuildDateEnv,
	} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	require.Equal(t, defaultPort, cfg.Port)
	require.Equal(t, defaultDataDir, cfg.DataDir)
	require.Equal(t, defaultDownloadThreads, cfg.DownloadThreads)
	require.Zero(t, cfg.AutoCleanupDays)
	require.Zero(t, cfg.AutoCleanupMaxMB)
	require.Zero(t, cfg.MaxDownloadMB)
	require.False(t, cfg.DisableHTTPSRedirect)
	require.False(t, cfg.PasswordEnabled())
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(PortEnv, "9090")
	t.Setenv(DataDirEnv, "/srv/ipavault")
	t.Setenv(AutoCleanupDaysEnv, "30")
	t.Setenv(AutoCleanupMaxMBEnv, "1024")
	t.Setenv(MaxDownloadMBEnv, "4096")
	t.Setenv(AccessPasswordEnv, "hunter2")
	t.Setenv(DisableHTTPSRedirectEnv, "true")

	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "/srv/ipavault", cfg.DataDir)
	require.Equal(t, 30, cfg.AutoCleanupDays)
	require.Equal(t, int64(1024), cfg.AutoCleanupMaxMB)
	require.Equal(t, int64(4096), cfg.MaxDownloadMB)
	require.True(t, cfg.DisableHTTPSRedirect)
	require.True(t, cfg.PasswordEnabled())
}

func TestClampThreads(t *testing.T) {
	require.Equal(t, defaultDownloadThreads, clampThreads(0))
	require.Equal(t, defaultDownloadThreads, clampThreads(-5))
	require.Equal(t, minDownloadThreads, clampThreads(1))
	require.Equal(t, maxDownloadThreads, clampThreads(1000))
	require.Equal(t, 16, clampThreads(16))
}

func TestLoad_DownloadThreadsClamped(t *testing.T) {
	clearEnv(t)
	t.Setenv(DownloadThreadsEnv, "999")
	cfg := Load()
	require.Equal(t, maxDownloadThreads, cfg.DownloadThreads)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv(AutoCleanupDaysEnv, "not-a-number")
	cfg := Load()
	require.Zero(t, cfg.AutoCleanupDays)
}
