package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReconcileHysteria merges every Hysteria2 user artifact's
// auth.userpass credentials into the base config's userpass map and
// writes the runtime config only if it changed. Grounded on
// agent/reconcile.py's reconcile_hysteria.
func ReconcileHysteria(paths Paths, index *Index) (bool, error) {
	basePath := filepath.Join(paths.Base, "hysteria", "config.yaml")
	runtimePath := filepath.Join(paths.Runtime, "hysteria", "config.yaml")

	baseRaw, err := os.ReadFile(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading hysteria base config: %w", err)
	}

	var base map[string]any
	if err := yaml.Unmarshal(baseRaw, &base); err != nil {
		return false, fmt.Errorf("parsing hysteria base config: %w", err)
	}
	if base == nil {
		base = map[string]any{}
	}

	artifacts, err := index.ListUsers()
	if err != nil {
		return false, err
	}

	userpass := map[string]string{}
	if auth, ok := base["auth"].(map[string]any); ok {
		if auth["type"] == "userpass" {
			if existing, ok := auth["userpass"].(map[string]any); ok {
				for k, v := range existing {
					if s, ok := v.(string); ok {
						userpass[k] = s
					}
				}
			}
		}
	}

	for _, artifact := range artifacts {
		if strings.ToLower(strings.TrimSpace(artifact.Protocol)) != "hysteria2" {
			continue
		}
		auth, _ := artifact.Config["auth"].(map[string]any)
		if auth == nil || auth["type"] != "userpass" {
			continue
		}
		username, _ := auth["username"].(string)
		password, _ := auth["password"].(string)
		username, password = strings.TrimSpace(username), strings.TrimSpace(password)
		if username == "" || password == "" {
			continue
		}
		userpass[username] = password
	}

	base["auth"] = map[string]any{"type": "userpass", "userpass": userpass}

	var current map[string]any
	if currentRaw, err := os.ReadFile(runtimePath); err == nil {
		_ = yaml.Unmarshal(currentRaw, &current)
	}
	if yamlDeepEqual(current, base) {
		return false, nil
	}

	out, err := yaml.Marshal(base)
	if err != nil {
		return false, fmt.Errorf("marshaling hysteria runtime config: %w", err)
	}
	if err := atomicWriteFile(runtimePath, out); err != nil {
		return false, fmt.Errorf("writing hysteria runtime config: %w", err)
	}
	return true, nil
}

func yamlDeepEqual(a, b map[string]any) bool {
	if a == nil && b == nil {
		return true
	}
	aRaw, err1 := yaml.Marshal(a)
	bRaw, err2 := yaml.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aRaw) == string(bRaw)
}
