package revision

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/internal/db"
)

func testEndpoints() EndpointSet {
	return EndpointSet{
		VPSTHost: "vps-t.example.net",
		VPSEHost: "vps-e.example.net",
	}
}

func TestBuildHysteria2Config_B3DirectEntersViaVPST(t *testing.T) {
	conn := db.Connection{ID: uuid.New(), Variant: db.VariantB3, Mode: db.ModeDirect}
	device := db.Device{ID: uuid.New()}
	user := db.User{ExternalID: 42}

	cfg, err := buildHysteria2Config(conn, device, user, testEndpoints(), nil)
	require.NoError(t, err)
	require.Equal(t, "B3-h3-mimic-direct", cfg["profile"])
	require.Equal(t, "vps-t.example.net", cfg["server"])
	require.Nil(t, cfg["chain"])
}

func TestBuildHysteria2Config_B4ChainEntersViaVPSEAndForwardsToVPST(t *testing.T) {
	conn := db.Connection{ID: uuid.New(), Variant: db.VariantB4, Mode: db.ModeChain}
	device := db.Device{ID: uuid.New()}
	user := db.User{ExternalID: 42}

	cfg, err := buildHysteria2Config(conn, device, user, testEndpoints(), nil)
	require.NoError(t, err)
	require.Equal(t, "B4-h3-mimic-chain", cfg["profile"])
	require.Equal(t, "vps-e.example.net", cfg["server"])

	chain, ok := cfg["chain"].(map[string]any)
	require.True(t, ok, "chain field must be a populated map for B4")
	require.Equal(t, "udp_forward", chain["type"])
	require.Equal(t, "vps-t.example.net", chain["upstream"])
	require.Equal(t, 443, chain["port"])
}

func TestBuildHysteria2Config_RejectsMismatchedVariantAndMode(t *testing.T) {
	conn := db.Connection{ID: uuid.New(), Variant: db.VariantB3, Mode: db.ModeChain}
	device := db.Device{ID: uuid.New()}
	user := db.User{ExternalID: 42}

	_, err := buildHysteria2Config(conn, device, user, testEndpoints(), nil)
	require.Error(t, err)

	conn2 := db.Connection{ID: uuid.New(), Variant: db.VariantB4, Mode: db.ModeDirect}
	_, err = buildHysteria2Config(conn2, device, user, testEndpoints(), nil)
	require.Error(t, err)
}

func TestSlotTargetRoles_B2AndB4FanOutToBothRoles(t *testing.T) {
	require.ElementsMatch(t, []db.NodeRole{db.NodeRoleVPSE, db.NodeRoleVPST}, slotTargetRoles(db.VariantB2))
	require.ElementsMatch(t, []db.NodeRole{db.NodeRoleVPSE, db.NodeRoleVPST}, slotTargetRoles(db.VariantB4))
}

func TestSlotTargetRoles_DirectVariantsOnlyTargetVPST(t *testing.T) {
	require.Equal(t, []db.NodeRole{db.NodeRoleVPST}, slotTargetRoles(db.VariantB1))
	require.Equal(t, []db.NodeRole{db.NodeRoleVPST}, slotTargetRoles(db.VariantB3))
	require.Equal(t, []db.NodeRole{db.NodeRoleVPST}, slotTargetRoles(db.VariantB5))
}
