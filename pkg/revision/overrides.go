package revision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tracegate/tracegate/internal/db"
)

var realityAllowed = map[string]struct{}{
	"mode": {}, "camouflage_sni_id": {}, "connect_timeout_ms": {},
	"dial_timeout_ms": {}, "local_socks_port": {}, "tcp_fast_open": {},
}
var realityForbidden = map[string]struct{}{
	"port": {}, "server_port": {}, "reality_server_port": {}, "chain_sni": {},
}

var wsTLSAllowed = map[string]struct{}{
	"tls_server_name": {}, "tls_insecure": {}, "ws_path": {}, "ws_host": {},
	"connect_timeout_ms": {}, "dial_timeout_ms": {}, "local_socks_port": {}, "tcp_fast_open": {},
}
var wsTLSForbidden = map[string]struct{}{
	"port": {}, "server_port": {},
}

var hysteria2Allowed = map[string]struct{}{
	"client_mode": {}, "up_mbps": {}, "down_mbps": {}, "socks_listen": {}, "http_listen": {},
}
var hysteria2Forbidden = map[string]struct{}{
	"masquerade": {}, "traffic_stats_secret": {}, "disable_stats_auth": {}, "server_port": {}, "port": {},
}

var wireguardAllowed = map[string]struct{}{
	"dns": {}, "mtu": {}, "persistent_keepalive": {}, "allowed_ips": {},
}
var wireguardForbidden = map[string]struct{}{
	"listen_port": {}, "endpoint_port": {}, "server_port": {},
}

// validateOverrides enforces the per-protocol override allow/deny lists,
// grounded on original_source/src/tracegate/services/overrides.py. The
// VLESS-WS-TLS branch is a spec addition (the prototype never validates
// ws_tls overrides); its allow-list follows the fields config_builder.py
// itself reads from the overrides map for that protocol.
func validateOverrides(protocol db.Protocol, overrides map[string]any) error {
	var allowed, forbidden map[string]struct{}

	switch protocol {
	case db.ProtocolVlessReality:
		allowed, forbidden = realityAllowed, realityForbidden
	case db.ProtocolVlessWSTLS:
		allowed, forbidden = wsTLSAllowed, wsTLSForbidden
	case db.ProtocolHysteria2:
		allowed, forbidden = hysteria2Allowed, hysteria2Forbidden
	case db.ProtocolWireguard:
		allowed, forbidden = wireguardAllowed, wireguardForbidden
	default:
		return &OverrideValidationError{Msg: fmt.Sprintf("unsupported protocol: %s", protocol)}
	}

	var rejected []string
	for key := range overrides {
		_, isAllowed := allowed[key]
		_, isForbidden := forbidden[key]
		if !isAllowed || isForbidden {
			rejected = append(rejected, key)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return &OverrideValidationError{Msg: fmt.Sprintf("unsupported override keys: %s", strings.Join(rejected, ", "))}
	}
	return nil
}
