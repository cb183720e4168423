package agentserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/pkg/reconcile"
)

func testDeps(t *testing.T) *Deps {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AgentConfig{
		DataRoot:          root,
		DryRun:            true,
		Role:              "VPS_T",
		ReloadXrayCmd:     "exit 0",
		ReloadHysteriaCmd: "exit 0",
		ReloadWGCmd:       "exit 0",
	}
	return NewDeps(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})), nil)
}

func writeBaseXrayConfig(t *testing.T, paths reconcile.Paths) {
	t.Helper()
	cfg := map[string]any{
		"inbounds": []any{
			map[string]any{
				"tag":      "vless-reality-in",
				"protocol": "vless",
				"settings": map[string]any{"clients": []any{}},
				"streamSettings": map[string]any{
					"security":        "reality",
					"realitySettings": map[string]any{"serverNames": []any{}},
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

func TestHandleApplyBundle_WritesFilesAndRunsCommands(t *testing.T) {
	d := testDeps(t)

	msg, err := handleApplyBundle(context.Background(), d, map[string]any{
		"bundle_name": "core",
		"files":       map[string]any{"xray/config.json": `{"ok":true}`},
		"commands":    []any{"echo applied"},
	})
	require.NoError(t, err)
	require.Contains(t, msg, "core")

	raw, err := os.ReadFile(filepath.Join(d.Config.DataRoot, "bundles", "core", "xray", "config.json"))
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(raw))
}

func TestHandleApplyBundle_RequiresBundleName(t *testing.T) {
	d := testDeps(t)
	_, err := handleApplyBundle(context.Background(), d, map[string]any{})
	require.Error(t, err)
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
}

func TestHandleUpsertUser_WritesArtifactAndIndexesIt(t *testing.T) {
	d := testDeps(t)
	writeBaseXrayConfig(t, d.Paths)

	payload := map[string]any{
		"user_id":       "u1",
		"connection_id": "c1",
		"revision_id":   "r1",
		"protocol":      "vless_reality",
		"variant":       "vps_t",
		"op_ts":         time.Now().UTC().Format(time.RFC3339),
		"config":        map[string]any{"uuid": "dyn-uuid-1", "sni": "dynamic.example"},
	}

	msg, err := handleUpsertUser(context.Background(), d, payload)
	require.NoError(t, err)
	require.Contains(t, msg, "c1")

	_, err = os.Stat(filepath.Join(d.Paths.UsersDir, "u1", "connection-c1.json"))
	require.NoError(t, err)

	users, err := d.Index.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "c1", users[0].ConnectionID)

	runtimeRaw, err := os.ReadFile(filepath.Join(d.Paths.Runtime, "xray", "config.json"))
	require.NoError(t, err)
	require.Contains(t, string(runtimeRaw), "dynamic.example")
}

func TestHandleUpsertUser_RejectsMissingFields(t *testing.T) {
	d := testDeps(t)
	_, err := handleUpsertUser(context.Background(), d, map[string]any{"user_id": "u1"})
	require.Error(t, err)
}

func TestHandleRevokeConnection_RemovesArtifactAndUserDir(t *testing.T) {
	d := testDeps(t)
	writeBaseXrayConfig(t, d.Paths)

	_, err := handleUpsertUser(context.Background(), d, map[string]any{
		"user_id":       "u1",
		"connection_id": "c1",
		"revision_id":   "r1",
		"protocol":      "vless_reality",
		"op_ts":         time.Now().UTC().Format(time.RFC3339),
		"config":        map[string]any{"uuid": "dyn-uuid-1"},
	})
	require.NoError(t, err)

	_, err = handleRevokeConnection(context.Background(), d, map[string]any{
		"user_id":       "u1",
		"connection_id": "c1",
		"op_ts":         time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(d.Paths.UsersDir, "u1"))
	require.True(t, os.IsNotExist(statErr), "empty user directory should be removed")

	users, err := d.Index.ListUsers()
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestHandleWGPeerUpsertAndRemove(t *testing.T) {
	d := testDeps(t)

	_, err := handleWGPeerUpsert(context.Background(), d, map[string]any{
		"device_id":       "dev1",
		"peer_public_key": "pub1",
		"peer_ip":         "10.90.0.5",
		"op_ts":           time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(d.Paths.WgPeersDir, "peer-dev1.json"))
	require.NoError(t, err)

	peers, err := d.Index.ListWireguardPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)

	_, err = handleWGPeerRemove(context.Background(), d, map[string]any{
		"device_id": "dev1",
		"op_ts":     time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)

	peers, err = d.Index.ListWireguardPeers()
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestHandleUpsertUser_IgnoresStaleOpTSWithoutTouchingDisk(t *testing.T) {
	d := testDeps(t)
	writeBaseXrayConfig(t, d.Paths)

	_, err := handleUpsertUser(context.Background(), d, map[string]any{
		"user_id":       "u1",
		"connection_id": "c1",
		"revision_id":   "r1",
		"protocol":      "vless_reality",
		"op_ts":         time.Now().UTC().Format(time.RFC3339),
		"config":        map[string]any{"uuid": "dyn-uuid-1"},
	})
	require.NoError(t, err)

	_, err = handleRevokeConnection(context.Background(), d, map[string]any{
		"user_id":       "u1",
		"connection_id": "c1",
		"op_ts":         time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)

	// A stale UPSERT arriving after the REVOKE must be ignored: no file
	// resurrection and the index must stay empty.
	msg, err := handleUpsertUser(context.Background(), d, map[string]any{
		"user_id":       "u1",
		"connection_id": "c1",
		"revision_id":   "r1",
		"protocol":      "vless_reality",
		"op_ts":         time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		"config":        map[string]any{"uuid": "dyn-uuid-1"},
	})
	require.NoError(t, err)
	require.Contains(t, msg, "ignored")

	_, statErr := os.Stat(filepath.Join(d.Paths.UsersDir, "u1", "connection-c1.json"))
	require.True(t, os.IsNotExist(statErr), "stale upsert must not recreate the artifact file")

	users, err := d.Index.ListUsers()
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestHandleWGPeerRemove_IgnoresStaleOpTSWithoutRemovingFile(t *testing.T) {
	d := testDeps(t)

	_, err := handleWGPeerUpsert(context.Background(), d, map[string]any{
		"device_id":       "dev1",
		"peer_public_key": "pub1",
		"peer_ip":         "10.90.0.5",
		"op_ts":           time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	msg, err := handleWGPeerRemove(context.Background(), d, map[string]any{
		"device_id": "dev1",
		"op_ts":     time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.Contains(t, msg, "ignored")

	_, statErr := os.Stat(filepath.Join(d.Paths.WgPeersDir, "peer-dev1.json"))
	require.NoError(t, statErr, "stale removal must not delete the still-current peer file")

	peers, err := d.Index.ListWireguardPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
}

func TestDispatchEvent_UnsupportedType(t *testing.T) {
	d := testDeps(t)
	_, err := dispatchEvent(context.Background(), d, db.OutboxEventType("NOT_A_TYPE"), map[string]any{})
	require.Error(t, err)
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
}
