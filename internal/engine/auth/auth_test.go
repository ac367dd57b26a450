package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGate() Gate {
	return NewGate(map[string][]string{
		"Doctor": {"canUseAIActions", "canModifySchedules"},
		"Admin":  {"canConfigureSystem", "canApproveActions"},
	})
}

func TestGateAllow(t *testing.T) {
	g := testGate()
	assert.True(t, g.Allow("Doctor", "canUseAIActions"))
	assert.True(t, g.Allow("Doctor", "canModifySchedules"))
	assert.False(t, g.Allow("Doctor", "canConfigureSystem"))
	assert.True(t, g.Allow("Admin", "canApproveActions"))
}

func TestGateFailsClosed(t *testing.T) {
	g := testGate()
	for _, role := range []string{"Doctor", "Admin", "Ghost", ""} {
		assert.False(t, g.Allow(role, "unknown-capability"), role)
		assert.False(t, g.Allow(role, ""), role)
	}
	assert.False(t, g.Allow("Ghost", "canUseAIActions"))
	assert.Empty(t, g.Capabilities("Ghost"))
}

func TestGateRequire(t *testing.T) {
	g := testGate()
	require.NoError(t, g.Require("Doctor", "canUseAIActions"))
	err := g.Require("Doctor", "canConfigureSystem")
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "canConfigureSystem", fe.Permission)
	assert.Equal(t, "Doctor", fe.Role)
}

func TestGateCapabilitiesSorted(t *testing.T) {
	g := testGate()
	assert.Equal(t, []string{"canModifySchedules", "canUseAIActions"}, g.Capabilities("Doctor"))
	assert.Equal(t, []string{"Admin", "Doctor"}, g.Roles())
}

func TestGateIsolatedFromInput(t *testing.T) {
	roles := map[string][]string{"Nurse": {"canUseAIActions"}}
	g := NewGate(roles)
	roles["Nurse"][0] = "canConfigureSystem"
	assert.True(t, g.Allow("Nurse", "canUseAIActions"))
	assert.False(t, g.Allow("Nurse", "canConfigureSystem"))
}
