package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// XraySyncer live-applies inbound user changes without restarting Xray.
// *liveapply.Client satisfies this.
type XraySyncer interface {
	SyncInboundUsers(ctx context.Context, inboundTag string, desired map[string]string) (bool, error)
}

// XrayOptions configures a single Xray reconcile pass.
type XrayOptions struct {
	SNISeed   []string
	LiveApply XraySyncer // nil disables the live-apply path
}

// ReconcileXray merges every REALITY/WS-TLS user artifact into the base
// Xray config's inbound client lists, unions REALITY serverNames with the
// configured SNI seed list, and writes the runtime config only if it
// changed. Grounded on agent/reconcile.py's reconcile_xray.
func ReconcileXray(ctx context.Context, paths Paths, index *Index, opts XrayOptions) (bool, error) {
	basePath := filepath.Join(paths.Base, "xray", "config.json")
	runtimePath := filepath.Join(paths.Runtime, "xray", "config.json")

	baseRaw, err := os.ReadFile(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading xray base config: %w", err)
	}

	var base map[string]any
	if err := json.Unmarshal(baseRaw, &base); err != nil {
		return false, fmt.Errorf("parsing xray base config: %w", err)
	}

	artifacts, err := index.ListUsers()
	if err != nil {
		return false, err
	}

	var clientsReality, clientsWS []map[string]any
	serverNames := map[string]struct{}{}
	for _, seed := range opts.SNISeed {
		seed = strings.TrimSpace(seed)
		if seed != "" {
			serverNames[seed] = struct{}{}
		}
	}

	for _, artifact := range artifacts {
		proto := strings.ToLower(strings.TrimSpace(artifact.Protocol))
		if proto != "vless_reality" && proto != "vless_ws_tls" {
			continue
		}
		cfg := artifact.Config
		uuidVal, _ := cfg["uuid"].(string)
		if uuidVal == "" {
			continue
		}
		email := fmt.Sprintf("%s:%s", artifact.UserID, artifact.ConnectionID)
		client := map[string]any{"id": uuidVal, "email": email}
		if proto == "vless_reality" {
			if sni, _ := cfg["sni"].(string); strings.TrimSpace(sni) != "" {
				serverNames[strings.TrimSpace(sni)] = struct{}{}
			}
			clientsReality = append(clientsReality, client)
		} else {
			clientsWS = append(clientsWS, client)
		}
	}
	sortClientsByID(clientsReality)
	sortClientsByID(clientsWS)

	inbounds, _ := base["inbounds"].([]any)
	managedReality := map[string]struct{}{"vless-reality-in": {}, "entry-in": {}}
	managedWS := map[string]struct{}{"vless-ws-in": {}}

	hasTaggedReality, hasTaggedWS := false, false
	for _, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tag, _ := inbound["tag"].(string)
		if _, ok := managedReality[tag]; ok {
			hasTaggedReality = true
		}
		if _, ok := managedWS[tag]; ok {
			hasTaggedWS = true
		}
	}

	desiredByTag := map[string]map[string]string{}

	for _, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tag, _ := inbound["tag"].(string)
		stream, _ := inbound["streamSettings"].(map[string]any)
		if stream == nil {
			stream = map[string]any{}
		}
		protocol, _ := inbound["protocol"].(string)
		security, _ := stream["security"].(string)
		isReality := protocol == "vless" && security == "reality"
		network, _ := stream["network"].(string)
		isWS := protocol == "vless" && strings.ToLower(network) == "ws"

		if isReality {
			shouldManage := isReality
			if hasTaggedReality {
				_, shouldManage = managedReality[tag]
			}
			if !shouldManage {
				continue
			}
			settingsMap := mapField(inbound, "settings")
			merged := mergeClients(sliceOfMaps(settingsMap["clients"]), clientsReality)
			settingsMap["clients"] = merged
			inbound["settings"] = settingsMap

			if len(serverNames) > 0 {
				streamMap := mapField(inbound, "streamSettings")
				realityMap := mapField(streamMap, "realitySettings")
				existing := sliceOfStrings(realityMap["serverNames"])
				union := map[string]struct{}{}
				for _, s := range existing {
					union[s] = struct{}{}
				}
				for s := range serverNames {
					union[s] = struct{}{}
				}
				realityMap["serverNames"] = sortedKeys(union)
				streamMap["realitySettings"] = realityMap
				inbound["streamSettings"] = streamMap
			}

			if tag != "" {
				desiredByTag[tag] = desiredEmailToUUID(merged)
			}
			continue
		}

		if isWS {
			shouldManage := true
			if hasTaggedWS {
				_, shouldManage = managedWS[tag]
			}
			if !shouldManage {
				continue
			}
			settingsMap := mapField(inbound, "settings")
			merged := mergeClients(sliceOfMaps(settingsMap["clients"]), clientsWS)
			settingsMap["clients"] = merged
			inbound["settings"] = settingsMap

			if tag != "" {
				desiredByTag[tag] = desiredEmailToUUID(merged)
			}
		}
	}

	currentRaw, readErr := os.ReadFile(runtimePath)
	var current map[string]any
	if readErr == nil {
		_ = json.Unmarshal(currentRaw, &current)
	}

	changed := !jsonDeepEqual(current, base)
	if changed {
		if err := atomicWriteJSON(runtimePath, base); err != nil {
			return false, fmt.Errorf("writing xray runtime config: %w", err)
		}
	}

	if opts.LiveApply != nil {
		tags := make([]string, 0, len(desiredByTag))
		for tag := range desiredByTag {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			if _, err := opts.LiveApply.SyncInboundUsers(ctx, tag, desiredByTag[tag]); err != nil {
				return changed, fmt.Errorf("live-applying xray inbound %s: %w", tag, err)
			}
		}
	}

	return changed, nil
}

func desiredEmailToUUID(clients []map[string]any) map[string]string {
	desired := map[string]string{}
	for _, c := range clients {
		email, _ := c["email"].(string)
		id, _ := c["id"].(string)
		if email != "" && id != "" {
			desired[email] = id
		}
	}
	return desired
}

// mergeClients merges base and dynamic client lists by id, with dynamic
// rows winning id conflicts, sorted by id for a deterministic diff.
// Grounded on agent/reconcile.py's _merge_clients — kept intentionally
// identical including the "dynamic always wins" behavior SPEC_FULL.md §9
// calls out rather than redesigns.
func mergeClients(base, dynamic []map[string]any) []map[string]any {
	out := map[string]map[string]any{}
	for _, row := range base {
		id, _ := row["id"].(string)
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = row
	}
	for _, row := range dynamic {
		id, _ := row["id"].(string)
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = row
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, out[k])
	}
	return merged
}

func sortClientsByID(clients []map[string]any) {
	sort.Slice(clients, func(i, j int) bool {
		a, _ := clients[i]["id"].(string)
		b, _ := clients[j]["id"].(string)
		return a < b
	})
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	v := map[string]any{}
	m[key] = v
	return v
}

func sliceOfMaps(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func sliceOfStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func jsonDeepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	aRaw, err1 := json.Marshal(a)
	bRaw, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aRaw) == string(bRaw)
}
