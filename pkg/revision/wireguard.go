package revision

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// generateWireguardKeypair derives an X25519 key pair the same way
// WireGuard implementations do (clamped random scalar, base64-encoded),
// grounded on golang.zx2c4.com/wireguard's key generation — a dependency
// this spec does not carry directly since curve25519 alone covers it.
func generateWireguardKeypair() (publicKey, privateKey string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("generating wireguard private key: %w", err)
	}
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return base64.StdEncoding.EncodeToString(pub[:]), base64.StdEncoding.EncodeToString(priv[:]), nil
}
