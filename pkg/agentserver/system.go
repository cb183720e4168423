package agentserver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// safePath resolves relative under root, rejecting any path that escapes
// it (a bundle's files map is attacker-reachable through the control
// plane's outbox, so ".." traversal must be refused rather than trusted).
// Grounded on agent/system.py's _safe_path.
func safePath(root, relative string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	candidate := filepath.Join(absRoot, relative)
	if candidate != absRoot && !strings.HasPrefix(candidate, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path outside root: %s", relative)
	}
	return candidate, nil
}

// atomicWriteRelative writes content to root/relative via a temp file and
// rename, refusing paths that escape root.
func atomicWriteRelative(root, relative, content string) error {
	path, err := safePath(root, relative)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relative, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", relative, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming temp file into %s: %w", relative, err)
	}
	return nil
}

// applyFiles writes every relative path in files under root, atomically.
func applyFiles(root string, files map[string]string) error {
	for relative, content := range files {
		if err := atomicWriteRelative(root, relative, content); err != nil {
			return err
		}
	}
	return nil
}

// runCommand runs cmd through a shell, mirroring subprocess.run(shell=True)
// so reload hooks configured as env vars (pipes, redirects) keep working.
// dryRun short-circuits without touching the host.
func runCommand(ctx context.Context, cmd string, dryRun bool) (bool, string) {
	if dryRun {
		return true, "dry-run: " + cmd
	}

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	err := c.Run()
	return err == nil, strings.TrimSpace(out.String())
}

// checkPort reports whether something is listening on port for protocol
// ("tcp" or "udp"), using ss rather than the mixed -lntup listing to avoid
// false positives across protocols.
func checkPort(ctx context.Context, protocol string, port int) (bool, string) {
	flags := "-ltn"
	if protocol == "udp" {
		flags = "-lun"
	}
	c := exec.CommandContext(ctx, "sh", "-c", "ss "+flags)
	out, err := c.CombinedOutput()
	if err != nil {
		return false, fmt.Sprintf("cannot run ss: %s", strings.TrimSpace(string(out)))
	}

	needle := fmt.Sprintf(":%d", port)
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, needle) {
			return true, strings.TrimSpace(line)
		}
	}
	return false, fmt.Sprintf("%s/%d is not listening", protocol, port)
}

func checkSystemd(ctx context.Context, unit string) (bool, string) {
	c := exec.CommandContext(ctx, "systemctl", "is-active", unit)
	out, _ := c.CombinedOutput()
	result := strings.TrimSpace(string(out))
	return c.ProcessState != nil && c.ProcessState.ExitCode() == 0 && result == "active", result
}

func checkProcess(ctx context.Context, name string) (bool, string) {
	c := exec.CommandContext(ctx, "pgrep", "-fa", name)
	out, err := c.Output()
	if err != nil {
		return false, fmt.Sprintf("process %q not found", name)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return true, line
		}
	}
	return true, fmt.Sprintf("process %q found", name)
}

// checkHysteriaStatsSecret verifies the Hysteria2 Traffic Stats API rejects
// an unauthenticated request and accepts the configured raw secret — the
// API expects the secret verbatim in the Authorization header, not a
// Bearer-prefixed token.
func checkHysteriaStatsSecret(ctx context.Context, url, secret string) (bool, string) {
	client := &http.Client{Timeout: 5 * time.Second}

	unauthorizedReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	unauthorized, err := client.Do(unauthorizedReq)
	if err != nil {
		return false, err.Error()
	}
	defer unauthorized.Body.Close()

	authorizedReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	authorizedReq.Header.Set("Authorization", secret)
	authorized, err := client.Do(authorizedReq)
	if err != nil {
		return false, err.Error()
	}
	defer authorized.Body.Close()

	unauthorizedOK := unauthorized.StatusCode == http.StatusUnauthorized || unauthorized.StatusCode == http.StatusForbidden
	authorizedOK := authorized.StatusCode < 400
	return unauthorizedOK && authorizedOK, fmt.Sprintf("unauth=%d, auth=%d", unauthorized.StatusCode, authorized.StatusCode)
}

func checkWGListenPort(ctx context.Context, iface string, expected int) (bool, string) {
	c := exec.CommandContext(ctx, "wg", "show", iface, "listen-port")
	out, err := c.Output()
	if err != nil {
		return false, "wg show failed"
	}
	actual := strings.TrimSpace(string(out))
	return actual == fmt.Sprintf("%d", expected), fmt.Sprintf("expected=%d, actual=%s", expected, actual)
}

// HealthCheckResult is one named probe outcome.
type HealthCheckResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

// GatherHealthChecks runs the role-appropriate set of liveness probes.
// Grounded on agent/system.py's gather_health_checks.
func GatherHealthChecks(ctx context.Context, statsURL, statsSecret, wgInterface string, wgPort int, role string) []HealthCheckResult {
	var checks []HealthCheckResult

	type portCheck struct {
		protocol string
		port     int
		name     string
	}
	expected := []portCheck{{"tcp", 443, "listen tcp/443"}}
	if role == "VPS_T" {
		expected = append(expected,
			portCheck{"udp", 443, "listen udp/443"},
			portCheck{"udp", wgPort, fmt.Sprintf("listen udp/%d", wgPort)},
		)
	}
	for _, pc := range expected {
		ok, details := checkPort(ctx, pc.protocol, pc.port)
		checks = append(checks, HealthCheckResult{Name: pc.name, OK: ok, Details: details})
	}

	if role == "VPS_E" {
		okX, detX := checkProcess(ctx, "xray")
		okH, detH := checkProcess(ctx, "haproxy")
		ok := okX || okH
		details := detH
		if okX {
			details = detX
		}
		checks = append(checks, HealthCheckResult{Name: "process entry", OK: ok, Details: details})
	} else {
		for _, name := range []string{"xray", "hysteria"} {
			ok, details := checkProcess(ctx, name)
			checks = append(checks, HealthCheckResult{Name: "process " + name, OK: ok, Details: details})
		}
	}

	if role == "VPS_T" {
		ok, details := checkHysteriaStatsSecret(ctx, statsURL, statsSecret)
		checks = append(checks, HealthCheckResult{Name: "hysteria stats API auth", OK: ok, Details: details})

		ok, details = checkWGListenPort(ctx, wgInterface, wgPort)
		checks = append(checks, HealthCheckResult{Name: "wireguard listen-port policy", OK: ok, Details: details})
	}

	return checks
}

// overallOK reports whether every check passed.
func overallOK(checks []HealthCheckResult) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}
