package reconcile

import (
	"context"
	"fmt"
)

// Options bundles the per-node configuration the reconcile pass needs.
type Options struct {
	Role      string // "VPS_T" or "VPS_E"
	SNISeed   []string
	LiveApply XraySyncer // nil disables Xray live-apply
}

// ReconcileAll renders every protocol's runtime config from the current
// artifact index and returns which protocol runtimes changed, driving the
// caller's reload-command decision. Grounded on agent/reconcile.py's
// reconcile_all; VPS_E nodes only ever run Xray, so Hysteria2/WireGuard
// are skipped there exactly as the prototype skips them.
func ReconcileAll(ctx context.Context, paths Paths, index *Index, opts Options) ([]string, error) {
	var changed []string

	xrayChanged, err := ReconcileXray(ctx, paths, index, XrayOptions{SNISeed: opts.SNISeed, LiveApply: opts.LiveApply})
	if err != nil {
		return nil, fmt.Errorf("reconciling xray: %w", err)
	}
	if xrayChanged {
		changed = append(changed, "xray")
	}

	if opts.Role == "VPS_T" {
		hysteriaChanged, err := ReconcileHysteria(paths, index)
		if err != nil {
			return nil, fmt.Errorf("reconciling hysteria: %w", err)
		}
		if hysteriaChanged {
			changed = append(changed, "hysteria")
		}

		wgChanged, err := ReconcileWireguard(paths, index, opts.Role)
		if err != nil {
			return nil, fmt.Errorf("reconciling wireguard: %w", err)
		}
		if wgChanged {
			changed = append(changed, "wireguard")
		}
	}

	return changed, nil
}
