package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReconcileWireguard rewrites wg0.conf's peer blocks from the current
// peer artifacts, keeping the base file's [Interface] section verbatim
// and emitting a sorted, deterministic [Peer] block per peer. Only
// meaningful on VPS_T nodes (spec.md §4.6). Grounded on
// agent/reconcile.py's reconcile_wireguard.
func ReconcileWireguard(paths Paths, index *Index, role string) (bool, error) {
	if role != "VPS_T" {
		return false, nil
	}

	basePath := filepath.Join(paths.Base, "wireguard", "wg0.conf")
	runtimePath := filepath.Join(paths.Runtime, "wireguard", "wg0.conf")

	baseRaw, err := os.ReadFile(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading wireguard base config: %w", err)
	}

	var interfaceLines []string
	for _, line := range strings.Split(strings.TrimRight(string(baseRaw), "\n")+"\n", "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[Peer]") {
			break
		}
		interfaceLines = append(interfaceLines, line)
	}
	out := strings.TrimRight(strings.Join(interfaceLines, "\n"), "\n") + "\n\n"

	peers, err := index.ListWireguardPeers()
	if err != nil {
		return false, err
	}

	type peerLine struct {
		pub, psk, ip string
	}
	var rows []peerLine
	for _, p := range peers {
		pub := strings.TrimSpace(p.PeerPublicKey)
		ip := strings.TrimSpace(p.PeerIP)
		if pub == "" || ip == "" {
			continue
		}
		rows = append(rows, peerLine{pub: pub, psk: strings.TrimSpace(p.PresharedKey), ip: ip})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ip != rows[j].ip {
			return rows[i].ip < rows[j].ip
		}
		return rows[i].pub < rows[j].pub
	})

	for _, row := range rows {
		out += "[Peer]\n"
		out += fmt.Sprintf("PublicKey = %s\n", row.pub)
		if row.psk != "" {
			out += fmt.Sprintf("PresharedKey = %s\n", row.psk)
		}
		out += fmt.Sprintf("AllowedIPs = %s/32\n\n", row.ip)
	}

	current, readErr := os.ReadFile(runtimePath)
	if readErr == nil && string(current) == out {
		return false, nil
	}

	if err := atomicWriteFile(runtimePath, []byte(out)); err != nil {
		return false, fmt.Errorf("writing wireguard runtime config: %w", err)
	}
	return true, nil
}
