package agentserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/pkg/reconcile"
)

// HandlerError is a client-caused dispatch failure (malformed payload,
// missing required field); the HTTP layer maps it to 400.
type HandlerError struct {
	Msg string
}

func (e *HandlerError) Error() string { return e.Msg }

func handlerErrorf(format string, args ...any) error {
	return &HandlerError{Msg: fmt.Sprintf(format, args...)}
}

// Deps bundles everything an event handler needs to apply one event and
// reconcile the node's runtime config. One Deps is shared by every request
// a given agent process serves.
type Deps struct {
	Config   *config.AgentConfig
	Paths    reconcile.Paths
	Index    *reconcile.Index
	Xray     reconcile.XraySyncer // nil disables Xray live-apply
	Logger   *slog.Logger
	reloadMu sync.Mutex // serializes reload commands, grounded on handlers.py's _RELOAD_LOCK
}

// NewDeps builds the handler dependencies for a single agent process.
func NewDeps(cfg *config.AgentConfig, logger *slog.Logger, xray reconcile.XraySyncer) *Deps {
	paths := reconcile.NewPaths(cfg.DataRoot)
	return &Deps{
		Config: cfg,
		Paths:  paths,
		Index:  reconcile.NewIndex(paths),
		Xray:   xray,
		Logger: logger,
	}
}

// runReloadCommands runs each non-empty command serially under the reload
// lock, collecting failures rather than aborting on the first one, so one
// stuck proxy reload doesn't silently hide another's failure.
func (d *Deps) runReloadCommands(ctx context.Context, commands []string) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	var failures []string
	for _, cmd := range commands {
		if cmd == "" {
			continue
		}
		ok, out := runCommand(ctx, cmd, d.Config.DryRun)
		if ok {
			continue
		}
		details := out
		if details == "" {
			details = "no output"
		}
		if len(details) > 400 {
			details = details[:400] + "..."
		}
		failures = append(failures, fmt.Sprintf("%s: %s", cmd, details))
	}
	if len(failures) > 0 {
		return handlerErrorf("reload command failed: %s", joinPipe(failures))
	}
	return nil
}

func joinPipe(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " | "
		}
		out += p
	}
	return out
}

// reconcileAndReload re-renders every protocol's runtime config and runs
// the reload command for each protocol whose config changed.
func (d *Deps) reconcileAndReload(ctx context.Context) error {
	changed, err := reconcile.ReconcileAll(ctx, d.Paths, d.Index, reconcile.Options{
		Role:      d.Config.Role,
		SNISeed:   d.Config.SNISeed,
		LiveApply: d.Xray,
	})
	if err != nil {
		return fmt.Errorf("reconciling runtime config: %w", err)
	}

	for _, kind := range changed {
		reconcileChangedTotal(kind)
	}

	var cmds []string
	for _, kind := range changed {
		switch kind {
		case "xray":
			cmds = append(cmds, d.Config.ReloadXrayCmd)
		case "hysteria":
			cmds = append(cmds, d.Config.ReloadHysteriaCmd)
		case "wireguard":
			cmds = append(cmds, d.Config.ReloadWGCmd)
		}
	}
	if len(cmds) == 0 {
		return nil
	}
	return d.runReloadCommands(ctx, cmds)
}

func handleApplyBundle(ctx context.Context, d *Deps, payload map[string]any) (string, error) {
	bundleName, _ := payload["bundle_name"].(string)
	if bundleName == "" {
		return "", handlerErrorf("bundle_name is required")
	}

	filesRaw, _ := payload["files"].(map[string]any)
	files := make(map[string]string, len(filesRaw))
	for k, v := range filesRaw {
		s, ok := v.(string)
		if !ok {
			return "", handlerErrorf("files must be a dictionary of strings")
		}
		files[k] = s
	}

	root := fmt.Sprintf("%s/bundles/%s", d.Config.DataRoot, bundleName)
	if err := applyFiles(root, files); err != nil {
		return "", fmt.Errorf("applying bundle files: %w", err)
	}

	commandsRaw, _ := payload["commands"].([]any)
	applied := 0
	for _, c := range commandsRaw {
		cmd, ok := c.(string)
		if !ok {
			continue
		}
		runCommand(ctx, cmd, d.Config.DryRun)
		applied++
	}

	return fmt.Sprintf("bundle applied: %s; files=%d; commands=%d", bundleName, len(files), applied), nil
}

func decodeUserArtifact(payload map[string]any) (reconcile.UserArtifact, error) {
	for _, key := range []string{"user_id", "connection_id", "revision_id", "config"} {
		if _, ok := payload[key]; !ok {
			return reconcile.UserArtifact{}, handlerErrorf("missing field: %s", key)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return reconcile.UserArtifact{}, handlerErrorf("encoding payload: %v", err)
	}
	var artifact reconcile.UserArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return reconcile.UserArtifact{}, handlerErrorf("decoding user artifact: %v", err)
	}
	return artifact, nil
}

func handleUpsertUser(ctx context.Context, d *Deps, payload map[string]any) (string, error) {
	artifact, err := decodeUserArtifact(payload)
	if err != nil {
		return "", err
	}

	ok, err := d.Index.UpsertUser(artifact)
	if err != nil {
		return "", fmt.Errorf("indexing user artifact: %w", err)
	}
	if !ok {
		return fmt.Sprintf("ignored: stale op_ts for connection=%s", artifact.ConnectionID), nil
	}

	if err := reconcile.WriteUserArtifactFile(d.Paths, artifact); err != nil {
		return "", fmt.Errorf("writing user artifact file: %w", err)
	}

	if err := d.reconcileAndReload(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("upserted user payload for user=%s connection=%s", artifact.UserID, artifact.ConnectionID), nil
}

func handleRevokeUser(ctx context.Context, d *Deps, payload map[string]any) (string, error) {
	userID, _ := payload["user_id"].(string)
	if userID == "" {
		return "", handlerErrorf("missing user_id")
	}
	opTS, _ := payload["op_ts"].(string)

	if err := reconcile.RemoveUserArtifactDir(d.Paths, userID); err != nil {
		return "", err
	}
	if err := d.Index.RemoveUser(userID, opTS); err != nil {
		return "", fmt.Errorf("removing user from index: %w", err)
	}

	if err := d.reconcileAndReload(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("revoked user artifacts for %s", userID), nil
}

func handleRevokeConnection(ctx context.Context, d *Deps, payload map[string]any) (string, error) {
	userID, _ := payload["user_id"].(string)
	connectionID, _ := payload["connection_id"].(string)
	if userID == "" || connectionID == "" {
		return "", handlerErrorf("missing user_id/connection_id")
	}
	opTS, _ := payload["op_ts"].(string)

	ok, err := d.Index.RemoveConnection(connectionID, opTS)
	if err != nil {
		return "", fmt.Errorf("removing connection from index: %w", err)
	}
	if !ok {
		return fmt.Sprintf("ignored: stale op_ts for connection=%s", connectionID), nil
	}

	if err := reconcile.RemoveUserArtifactFile(d.Paths, userID, connectionID); err != nil {
		return "", err
	}

	if err := d.reconcileAndReload(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("revoked connection artifacts for user=%s connection=%s", userID, connectionID), nil
}

// wireguardPeerKey mirrors handlers.py: device_id, then connection_id,
// then revision_id, first non-empty wins.
func wireguardPeerKey(payload map[string]any) string {
	for _, key := range []string{"device_id", "connection_id", "revision_id"} {
		if v, _ := payload[key].(string); v != "" {
			return v
		}
	}
	return ""
}

func handleWGPeerUpsert(ctx context.Context, d *Deps, payload map[string]any) (string, error) {
	if _, ok := payload["peer_public_key"]; !ok {
		return "", handlerErrorf("missing wireguard peer fields")
	}
	if _, ok := payload["peer_ip"]; !ok {
		return "", handlerErrorf("missing wireguard peer fields")
	}

	peerKey := wireguardPeerKey(payload)
	if peerKey == "" {
		return "", handlerErrorf("missing peer key")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", handlerErrorf("encoding payload: %v", err)
	}
	var artifact reconcile.WireguardPeerArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return "", handlerErrorf("decoding wireguard peer artifact: %v", err)
	}
	artifact.PeerKey = peerKey

	ok, err := d.Index.UpsertWireguardPeer(artifact)
	if err != nil {
		return "", fmt.Errorf("indexing wireguard peer: %w", err)
	}
	if !ok {
		return fmt.Sprintf("ignored: stale op_ts for peer=%s", peerKey), nil
	}

	if err := reconcile.WriteWireguardPeerArtifactFile(d.Paths, artifact); err != nil {
		return "", fmt.Errorf("writing wireguard peer artifact file: %w", err)
	}

	if err := d.reconcileAndReload(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("wg peer upserted: %s", peerKey), nil
}

func handleWGPeerRemove(ctx context.Context, d *Deps, payload map[string]any) (string, error) {
	peerKey := wireguardPeerKey(payload)
	if peerKey == "" {
		return "", handlerErrorf("missing peer key")
	}
	opTS, _ := payload["op_ts"].(string)

	ok, err := d.Index.RemoveWireguardPeer(peerKey, opTS)
	if err != nil {
		return "", fmt.Errorf("removing wireguard peer from index: %w", err)
	}
	if !ok {
		return fmt.Sprintf("ignored: stale op_ts for peer=%s", peerKey), nil
	}

	if err := reconcile.RemoveWireguardPeerArtifactFile(d.Paths, peerKey); err != nil {
		return "", err
	}

	if err := d.reconcileAndReload(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("wg peer removed: %s", peerKey), nil
}

// dispatchEvent routes one inbound event to its handler by type, grounded
// on agent/handlers.py's dispatch_event.
func dispatchEvent(ctx context.Context, d *Deps, eventType db.OutboxEventType, payload map[string]any) (string, error) {
	switch eventType {
	case db.OutboxEventApplyBundle:
		return handleApplyBundle(ctx, d, payload)
	case db.OutboxEventUpsertUser:
		return handleUpsertUser(ctx, d, payload)
	case db.OutboxEventRevokeUser:
		return handleRevokeUser(ctx, d, payload)
	case db.OutboxEventRevokeConn:
		return handleRevokeConnection(ctx, d, payload)
	case db.OutboxEventWGPeerUpsert:
		return handleWGPeerUpsert(ctx, d, payload)
	case db.OutboxEventWGPeerRemove:
		return handleWGPeerRemove(ctx, d, payload)
	default:
		return "", handlerErrorf("unsupported event type: %s", eventType)
	}
}
