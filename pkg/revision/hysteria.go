package revision

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	legacyMarkerRe = regexp.MustCompile(`^[Bb]([0-9]+)\s*-\s*([0-9]+)\s*-\s*(.+)$`)
	iosSafeRe      = regexp.MustCompile(`^[Bb]([0-9]+)_([0-9]+)_([0-9a-fA-F]{32})$`)
)

// normalizeVariant upper-cases and re-prefixes a raw variant string to the
// canonical "B<n>" form, matching hysteria_markers.py's _normalize_variant.
func normalizeVariant(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "B?"
	}
	if (raw[0] == 'b' || raw[0] == 'B') && isAllDigits(raw[1:]) {
		return "B" + raw[1:]
	}
	return strings.ToUpper(raw)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// canonicalizeConnectionID mirrors _canonicalize_connection_id: parse as a
// UUID directly, else strip dashes and retry; a 32-character dashless value
// that still does not parse is returned lowercased, and any other value is
// returned trimmed but otherwise unchanged.
func canonicalizeConnectionID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id.String()
	}
	compact := strings.ReplaceAll(raw, "-", "")
	if len(compact) == 32 {
		if id, err := uuid.Parse(compact); err == nil {
			return id.String()
		}
		return strings.ToLower(compact)
	}
	return raw
}

// hysteriaLegacyUsername builds the "B<n> - <tgID> - <connID>" marker.
func hysteriaLegacyUsername(variant string, tgID string, connectionID string) string {
	return fmt.Sprintf("%s - %s - %s", normalizeVariant(variant), strings.TrimSpace(tgID), canonicalizeConnectionID(connectionID))
}

// hysteriaIOSSafeUsername builds the "b<n>_<tgID>_<connIDNoDashes>" alias.
func hysteriaIOSSafeUsername(variant string, tgID string, connectionID string) string {
	norm := normalizeVariant(variant)
	token := strings.ToLower(norm)
	if norm == "B?" {
		token = "b"
	}
	conn := strings.ToLower(strings.ReplaceAll(canonicalizeConnectionID(connectionID), "-", ""))
	return fmt.Sprintf("%s_%s_%s", token, strings.TrimSpace(tgID), conn)
}

// parseHysteriaUsername recognizes either marker form and returns
// (variant, tgID, connectionID).
func parseHysteriaUsername(username string) (variant, tgID, connectionID string, ok bool) {
	raw := strings.TrimSpace(username)
	if raw == "" {
		return "", "", "", false
	}

	if m := iosSafeRe.FindStringSubmatch(raw); m != nil {
		v := "B" + m[1]
		tg := m[2]
		conn := canonicalizeConnectionID(m[3])
		if tg != "" && conn != "" {
			return v, tg, conn, true
		}
	}

	if m := legacyMarkerRe.FindStringSubmatch(raw); m != nil {
		v := "B" + m[1]
		tg := strings.TrimSpace(m[2])
		conn := canonicalizeConnectionID(m[3])
		if tg != "" && conn != "" {
			return v, tg, conn, true
		}
	}

	return "", "", "", false
}

// hysteriaAuthUsernameAliases returns the set of usernames (legacy + iOS-safe)
// that must all be accepted as equivalent for one Hysteria2 connection.
func hysteriaAuthUsernameAliases(variant, tgID, connectionID string) map[string]struct{} {
	return map[string]struct{}{
		hysteriaLegacyUsername(variant, tgID, connectionID):  {},
		hysteriaIOSSafeUsername(variant, tgID, connectionID): {},
	}
}

// hysteriaMarker builds the canonical legacy-form marker used as the
// Hysteria2 auth username, given a numeric external user id.
func hysteriaMarker(variant string, externalUserID int64, connectionID uuid.UUID) string {
	return hysteriaLegacyUsername(variant, strconv.FormatInt(externalUserID, 10), connectionID.String())
}
