package agentserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafePath_RejectsTraversal(t *testing.T) {
	root := t.TempDir()

	_, err := safePath(root, "../../etc/passwd")
	require.Error(t, err)

	path, err := safePath(root, "nested/file.conf")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "nested", "file.conf"), path)
}

func TestApplyFiles_WritesAtomically(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, applyFiles(root, map[string]string{
		"xray/config.json":  `{"a":1}`,
		"hysteria/conf.yaml": "listen: :443\n",
	}))

	raw, err := os.ReadFile(filepath.Join(root, "xray", "config.json"))
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(raw))
}

func TestApplyFiles_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	err := applyFiles(root, map[string]string{"../escape.txt": "x"})
	require.Error(t, err)
}

func TestRunCommand_DryRun(t *testing.T) {
	ok, out := runCommand(context.Background(), "exit 1", true)
	require.True(t, ok)
	require.Contains(t, out, "dry-run")
}

func TestRunCommand_ReportsFailure(t *testing.T) {
	ok, _ := runCommand(context.Background(), "exit 7", false)
	require.False(t, ok)
}

func TestRunCommand_ReportsSuccess(t *testing.T) {
	ok, out := runCommand(context.Background(), "echo hello", false)
	require.True(t, ok)
	require.Contains(t, out, "hello")
}

func TestGatherHealthChecks_VPSE_SkipsWireguardChecks(t *testing.T) {
	checks := GatherHealthChecks(context.Background(), "", "", "wg0", 51820, "VPS_E")

	names := make(map[string]bool)
	for _, c := range checks {
		names[c.Name] = true
	}
	require.True(t, names["process entry"])
	require.False(t, names["wireguard listen-port policy"])
	require.False(t, names["hysteria stats API auth"])
}

func TestGatherHealthChecks_VPST_IncludesWireguardChecks(t *testing.T) {
	checks := GatherHealthChecks(context.Background(), "http://127.0.0.1:1/auth", "secret", "wg0", 51820, "VPS_T")

	names := make(map[string]bool)
	for _, c := range checks {
		names[c.Name] = true
	}
	require.True(t, names["wireguard listen-port policy"])
	require.True(t, names["hysteria stats API auth"])
	require.True(t, names["process xray"])
	require.True(t, names["process hysteria"])
}

func TestOverallOK(t *testing.T) {
	require.True(t, overallOK([]HealthCheckResult{{OK: true}, {OK: true}}))
	require.False(t, overallOK([]HealthCheckResult{{OK: true}, {OK: false}}))
	require.True(t, overallOK(nil))
}
