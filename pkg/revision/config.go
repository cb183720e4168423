package revision

import (
	"fmt"

	"github.com/tracegate/tracegate/internal/db"
)

// EndpointSet carries the resolved node hosts and REALITY/WireGuard
// material needed to render an effective configuration, grounded on
// original_source's services/config_builder.py EndpointSet dataclass.
type EndpointSet struct {
	VPSTHost string
	VPSEHost string

	RealityPublicKeyVPST string
	RealityShortIDVPST   string
	RealityPublicKeyVPSE string
	RealityShortIDVPSE   string

	WireguardServerPublicKey string

	VlessWSPath    string
	VlessWSTLSPort int
}

func intOverride(overrides map[string]any, key string, def int) int {
	v, ok := overrides[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func boolOverride(overrides map[string]any, key string, def bool) bool {
	v, ok := overrides[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func stringOverride(overrides map[string]any, key string, def string) string {
	v, ok := overrides[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

func clientOptions(overrides map[string]any) map[string]any {
	return map[string]any{
		"connect_timeout_ms": intOverride(overrides, "connect_timeout_ms", 8000),
		"dial_timeout_ms":    intOverride(overrides, "dial_timeout_ms", 8000),
		"tcp_fast_open":      boolOverride(overrides, "tcp_fast_open", true),
	}
}

func localSocks(overrides map[string]any, enabled bool) map[string]any {
	return map[string]any{
		"enabled": enabled,
		"listen":  fmt.Sprintf("127.0.0.1:%d", intOverride(overrides, "local_socks_port", 1080)),
	}
}

// buildEffectiveConfig renders the desired-state document for a connection,
// field-for-field per original_source's build_effective_config. assignedIP
// is only used for WireGuard (the leased interface address) and is a spec
// addition over the prototype, which hardcoded "10.70.0.2/32".
func buildEffectiveConfig(connection db.Connection, device db.Device, user db.User, sni *db.CamouflageSNI, endpoints EndpointSet, assignedIP, wgServerPubKey string) (map[string]any, error) {
	overrides := connection.Overrides
	if overrides == nil {
		overrides = map[string]any{}
	}

	switch connection.Protocol {
	case db.ProtocolVlessReality:
		return buildRealityConfig(connection, device, sni, endpoints, overrides)
	case db.ProtocolVlessWSTLS:
		return buildWSTLSConfig(connection, device, sni, endpoints, overrides)
	case db.ProtocolHysteria2:
		return buildHysteria2Config(connection, device, user, endpoints, overrides)
	case db.ProtocolWireguard:
		return buildWireguardConfig(endpoints, overrides, assignedIP, wgServerPubKey)
	default:
		return nil, newRevisionError("unsupported protocol: %s", connection.Protocol)
	}
}

func buildRealityConfig(connection db.Connection, device db.Device, sni *db.CamouflageSNI, endpoints EndpointSet, overrides map[string]any) (map[string]any, error) {
	if connection.Variant != db.VariantB1 && connection.Variant != db.VariantB2 {
		return nil, newRevisionError("VLESS/REALITY supports only B1/B2 variants")
	}
	if sni == nil {
		return nil, newRevisionError("camouflage SNI is required for VLESS/REALITY")
	}

	var pbk, sid string
	if connection.Mode == db.ModeDirect {
		pbk, sid = endpoints.RealityPublicKeyVPST, endpoints.RealityShortIDVPST
	} else {
		pbk, sid = endpoints.RealityPublicKeyVPSE, endpoints.RealityShortIDVPSE
	}
	if pbk == "" {
		pbk = "REPLACE_REALITY_PUBLIC_KEY"
	}
	if sid == "" {
		sid = "REPLACE_REALITY_SHORT_ID"
	}

	common := map[string]any{
		"protocol":  "vless",
		"transport": "reality",
		"xhttp": map[string]any{
			"mode": "packet-up",
			"path": "/api/v1/update",
		},
		"port":         443,
		"uuid":         connection.ID.String(),
		"device_id":    device.ID.String(),
		"sni":          sni.FQDN,
		"reality":      map[string]any{"public_key": pbk, "short_id": sid},
		"local_socks":  localSocks(overrides, true),
		"client_options": clientOptions(overrides),
	}

	if connection.Mode == db.ModeDirect && connection.Variant == db.VariantB1 {
		common["profile"] = "B1-stealth-direct"
		common["server"] = endpoints.VPSTHost
		common["chain"] = nil
		common["design_constraints"] = map[string]any{
			"fixed_port_tcp":         443,
			"single_sni_for_all_legs": true,
		}
		return common, nil
	}

	if connection.Mode == db.ModeChain && connection.Variant == db.VariantB2 {
		common["profile"] = "B2-stealth-chain"
		common["server"] = endpoints.VPSEHost
		common["chain"] = map[string]any{"type": "tcp_forward", "upstream": endpoints.VPSTHost, "port": 443}
		common["design_constraints"] = map[string]any{
			"fixed_port_tcp":    443,
			"entry_via_vps_e":   true,
			"transit_via_vps_t": true,
		}
		return common, nil
	}

	return nil, newRevisionError("inconsistent VLESS/REALITY mode and variant")
}

func buildWSTLSConfig(connection db.Connection, device db.Device, sni *db.CamouflageSNI, endpoints EndpointSet, overrides map[string]any) (map[string]any, error) {
	if connection.Variant != db.VariantB1 || connection.Mode != db.ModeDirect {
		return nil, newRevisionError("VLESS+WS+TLS supports only B1 direct")
	}

	tlsServerName := stringOverride(overrides, "tls_server_name", "")
	if tlsServerName == "" && sni != nil {
		tlsServerName = sni.FQDN
	}

	entryHost := endpoints.VPSTHost
	if tlsServerName == "" {
		tlsServerName = entryHost
	}

	wsPath := stringOverride(overrides, "ws_path", endpoints.VlessWSPath)
	if wsPath == "" {
		wsPath = "/ws"
	}
	wsHost := stringOverride(overrides, "ws_host", tlsServerName)

	port := endpoints.VlessWSTLSPort
	if port == 0 {
		port = 443
	}

	return map[string]any{
		"protocol":  "vless",
		"transport": "ws_tls",
		"port":      port,
		"uuid":      connection.ID.String(),
		"device_id": device.ID.String(),
		"sni":       tlsServerName,
		"tls": map[string]any{
			"server_name": tlsServerName,
			"insecure":    boolOverride(overrides, "tls_insecure", false),
		},
		"ws": map[string]any{
			"path": wsPath,
			"host": wsHost,
		},
		"local_socks":    localSocks(overrides, true),
		"client_options": clientOptions(overrides),
		"profile":        "B1-https-ws-direct",
		"server":         entryHost,
		"chain":          nil,
		"design_constraints": map[string]any{
			"fixed_port_tcp": port,
		},
	}, nil
}

func buildHysteria2Config(connection db.Connection, device db.Device, user db.User, endpoints EndpointSet, overrides map[string]any) (map[string]any, error) {
	isDirect := connection.Variant == db.VariantB3 && connection.Mode == db.ModeDirect
	isChain := connection.Variant == db.VariantB4 && connection.Mode == db.ModeChain
	if !isDirect && !isChain {
		return nil, newRevisionError("Hysteria2 supports B3 direct or B4 chain")
	}

	mode := stringOverride(overrides, "client_mode", "socks")
	if mode != "socks" && mode != "http" && mode != "tun" {
		return nil, newRevisionError("unsupported Hysteria client_mode: %s", mode)
	}

	common := map[string]any{
		"protocol":  "hysteria2",
		"port":      443,
		"transport": "udp-quic",
		"auth": map[string]any{
			"type":     "userpass",
			"username": hysteriaMarker(string(connection.Variant), user.ExternalID, connection.ID),
			"password": device.ID.String(),
		},
		"client_mode": mode,
		"up_mbps":     intOverride(overrides, "up_mbps", 100),
		"down_mbps":   intOverride(overrides, "down_mbps", 100),
		"local_socks": map[string]any{
			"enabled": mode == "socks",
			"listen":  stringOverride(overrides, "socks_listen", "127.0.0.1:1080"),
		},
	}

	if isDirect {
		common["profile"] = "B3-h3-mimic-direct"
		common["server"] = endpoints.VPSTHost
		common["chain"] = nil
		common["design_constraints"] = map[string]any{
			"fixed_port_udp":            443,
			"masquerade_mode":           "file",
			"stats_api_secret_required": true,
		}
		return common, nil
	}

	// Chain profile always enters via VPS-E, mirroring the REALITY B2
	// chain layout: UDP/443 forwarded from VPS-E to VPS-T.
	common["profile"] = "B4-h3-mimic-chain"
	common["server"] = endpoints.VPSEHost
	common["chain"] = map[string]any{"type": "udp_forward", "upstream": endpoints.VPSTHost, "port": 443}
	common["design_constraints"] = map[string]any{
		"fixed_port_udp":            443,
		"masquerade_mode":           "file",
		"stats_api_secret_required": true,
		"entry_via_vps_e":           true,
		"transit_via_vps_t":         true,
	}
	return common, nil
}

func buildWireguardConfig(endpoints EndpointSet, overrides map[string]any, assignedIP, serverPubKey string) (map[string]any, error) {
	if serverPubKey == "" {
		serverPubKey = "REPLACE_WG_SERVER_PUBLIC_KEY"
	}

	dns := overrides["dns"]
	if dns == nil {
		dns = []any{"1.1.1.1", "8.8.8.8"}
	}
	allowedIPs := overrides["allowed_ips"]
	if allowedIPs == nil {
		allowedIPs = []any{"0.0.0.0/0"}
	}

	return map[string]any{
		"protocol": "wireguard",
		"profile":  "B5-gaming-direct",
		"endpoint": fmt.Sprintf("%s:51820", endpoints.VPSTHost),
		"interface": map[string]any{
			"addresses": []any{assignedIP + "/32"},
			"dns":       dns,
			"mtu":       intOverride(overrides, "mtu", 1420),
		},
		"peer": map[string]any{
			"public_key":           serverPubKey,
			"allowed_ips":          allowedIPs,
			"persistent_keepalive": intOverride(overrides, "persistent_keepalive", 25),
		},
		"design_constraints": map[string]any{
			"fixed_port_udp": 51820,
			"ipv4_only":      true,
		},
	}, nil
}
