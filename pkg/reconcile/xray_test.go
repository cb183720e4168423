package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeBaseXrayConfig(t *testing.T, paths Paths) {
	t.Helper()
	cfg := map[string]any{
		"inbounds": []any{
			map[string]any{
				"tag":      "vless-reality-in",
				"protocol": "vless",
				"settings": map[string]any{
					"clients": []any{
						map[string]any{"id": "static-transit-uuid", "email": "transit:static"},
					},
				},
				"streamSettings": map[string]any{
					"security":        "reality",
					"realitySettings": map[string]any{"serverNames": []any{"preseeded.example"}},
				},
			},
		},
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(paths.Base, "xray", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestReconcileXray_NoBaseConfig_ReturnsNoChange(t *testing.T) {
	paths := NewPaths(t.TempDir())
	idx := NewIndex(paths)

	changed, err := ReconcileXray(context.Background(), paths, idx, XrayOptions{})
	require.NoError(t, err)
	require.False(t, changed)
}

func TestReconcileXray_MergesDynamicClientsAndUnionsServerNames(t *testing.T) {
	paths := NewPaths(t.TempDir())
	writeBaseXrayConfig(t, paths)
	idx := NewIndex(paths)

	_, err := idx.UpsertUser(UserArtifact{
		UserID:       "u1",
		ConnectionID: "c1",
		Protocol:     "vless_reality",
		Config:       map[string]any{"uuid": "dyn-uuid-1", "sni": "dynamic.example"},
		OpTS:         time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	changed, err := ReconcileXray(context.Background(), paths, idx, XrayOptions{SNISeed: []string{"seed.example"}})
	require.NoError(t, err)
	require.True(t, changed)

	runtimeRaw, err := os.ReadFile(filepath.Join(paths.Runtime, "xray", "config.json"))
	require.NoError(t, err)
	var runtime map[string]any
	require.NoError(t, json.Unmarshal(runtimeRaw, &runtime))

	inbounds := runtime["inbounds"].([]any)
	inbound := inbounds[0].(map[string]any)
	clients := inbound["settings"].(map[string]any)["clients"].([]any)
	require.Len(t, clients, 2, "static transit client plus the dynamic one")

	serverNames := inbound["streamSettings"].(map[string]any)["realitySettings"].(map[string]any)["serverNames"].([]any)
	require.Contains(t, serverNames, "preseeded.example")
	require.Contains(t, serverNames, "seed.example")
	require.Contains(t, serverNames, "dynamic.example")

	// Re-running with no changes must report no write.
	changedAgain, err := ReconcileXray(context.Background(), paths, idx, XrayOptions{SNISeed: []string{"seed.example"}})
	require.NoError(t, err)
	require.False(t, changedAgain)
}
