package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
)

// UserArtifactPath returns the on-disk path a UPSERT_USER/REVOKE_CONNECTION
// handler reads and writes for one connection. The file's content is what
// rebuildLocked scans to recover the index after a crash, so its shape
// must stay a UserArtifact.
func UserArtifactPath(paths Paths, userID, connectionID string) string {
	return filepath.Join(paths.UsersDir, userID, fmt.Sprintf("connection-%s.json", connectionID))
}

// WriteUserArtifactFile persists a UserArtifact to its per-connection file,
// grounded on agent/handlers.py's handle_upsert_user.
func WriteUserArtifactFile(paths Paths, artifact UserArtifact) error {
	return atomicWriteJSON(UserArtifactPath(paths, artifact.UserID, artifact.ConnectionID), artifact)
}

// RemoveUserArtifactFile deletes one connection's artifact file and, if its
// parent user directory is now empty, removes that too — mirroring
// handle_revoke_connection's filesystem tidy-up.
func RemoveUserArtifactFile(paths Paths, userID, connectionID string) error {
	path := UserArtifactPath(paths, userID, connectionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing user artifact file: %w", err)
	}

	userDir := filepath.Join(paths.UsersDir, userID)
	entries, err := os.ReadDir(userDir)
	if err != nil {
		return nil
	}
	if len(entries) == 0 {
		_ = os.Remove(userDir)
	}
	return nil
}

// RemoveUserArtifactDir deletes every connection artifact for a user,
// mirroring handle_revoke_user's shutil.rmtree.
func RemoveUserArtifactDir(paths Paths, userID string) error {
	if err := os.RemoveAll(filepath.Join(paths.UsersDir, userID)); err != nil {
		return fmt.Errorf("removing user artifact directory: %w", err)
	}
	return nil
}

// WireguardPeerArtifactPath returns the on-disk path for one peer's file.
func WireguardPeerArtifactPath(paths Paths, peerKey string) string {
	return filepath.Join(paths.WgPeersDir, fmt.Sprintf("peer-%s.json", peerKey))
}

// WriteWireguardPeerArtifactFile persists a WireguardPeerArtifact to its
// per-peer file, grounded on agent/handlers.py's handle_wg_peer_upsert.
func WriteWireguardPeerArtifactFile(paths Paths, artifact WireguardPeerArtifact) error {
	return atomicWriteJSON(WireguardPeerArtifactPath(paths, artifact.PeerKey), artifact)
}

// RemoveWireguardPeerArtifactFile deletes one peer's artifact file.
func RemoveWireguardPeerArtifactFile(paths Paths, peerKey string) error {
	if err := os.Remove(WireguardPeerArtifactPath(paths, peerKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing wireguard peer artifact file: %w", err)
	}
	return nil
}
