package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
)

func defaultResolver() (Resolver, auth.Gate) {
	cfg := config.Default()
	return New(cfg.Catalog.Screens, cfg.Catalog.MaxActions), auth.NewGate(cfg.RoleCapabilities())
}

func ids(defs []domain.ActionDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func TestResolveDoctorAgenda(t *testing.T) {
	r, gate := defaultResolver()
	got := r.Resolve("agenda", "Doctor", gate.Check())
	assert.Equal(t, []string{"optimize-schedule", "send-reminders", "fill-cancellations"}, ids(got))
	for _, def := range got {
		assert.NotEqual(t, "canConfigureSystem", def.RequiredCapability)
		assert.Equal(t, "agenda", def.ScreenScope)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r, gate := defaultResolver()
	first := r.Resolve("patients", "Admin", gate.Check())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, r.Resolve("patients", "Admin", gate.Check()))
	}
}

func TestResolveCapsAndOrders(t *testing.T) {
	r, gate := defaultResolver()
	for _, scope := range r.Scopes() {
		for _, role := range gate.Roles() {
			got := r.Resolve(scope, role, gate.Check())
			assert.LessOrEqual(t, len(got), r.MaxActions())
			for i := 1; i < len(got); i++ {
				assert.LessOrEqual(t, got[i-1].Priority, got[i].Priority)
			}
		}
	}
	// Admin sees all five patient actions before the cap.
	got := r.Resolve("patients", "Admin", gate.Check())
	assert.Equal(t, []string{"generate-medical-summary", "transcribe-consultation", "schedule-follow-up", "create-referral"}, ids(got))
}

func TestResolveStableTies(t *testing.T) {
	r := New(map[string][]domain.ActionDefinition{
		"s": {
			{ID: "z", RequiredCapability: "c", Priority: 2},
			{ID: "b", RequiredCapability: "c", Priority: 1},
			{ID: "a", RequiredCapability: "c", Priority: 2},
			{ID: "m", RequiredCapability: "c", Priority: 1},
		},
	}, 10)
	allow := func(string, string) bool { return true }
	assert.Equal(t, []string{"b", "m", "z", "a"}, ids(r.Resolve("s", "any", allow)))
}

func TestResolveUnknownScopeAndRole(t *testing.T) {
	r, gate := defaultResolver()
	assert.Empty(t, r.Resolve("nowhere", "Admin", gate.Check()))
	assert.Empty(t, r.Resolve("agenda", "Ghost", gate.Check()))
	assert.Empty(t, r.Resolve("agenda", "Admin", nil))
}

func TestResolveDoesNotLeakTable(t *testing.T) {
	r, gate := defaultResolver()
	got := r.Resolve("agenda", "Admin", gate.Check())
	require.NotEmpty(t, got)
	got[0].Label = "mutated"
	again := r.Resolve("agenda", "Admin", gate.Check())
	assert.NotEqual(t, "mutated", again[0].Label)
}

func TestLookup(t *testing.T) {
	r, _ := defaultResolver()
	def, ok := r.Lookup("messages", "send-reminders")
	require.True(t, ok)
	assert.Equal(t, "messages", def.ScreenScope)

	def, ok = r.Lookup("", "send-reminders")
	require.True(t, ok)
	assert.Equal(t, "agenda", def.ScreenScope)

	def, ok = r.Lookup("", "generate-medical-summary")
	require.True(t, ok)
	assert.Equal(t, "patients", def.ScreenScope)

	_, ok = r.Lookup("agenda", "generate-medical-summary")
	assert.False(t, ok, "an action is only reachable from the screen that offers it")

	_, ok = r.Lookup("waiting-room", "send-reminders")
	assert.False(t, ok)

	_, ok = r.Lookup("agenda", "does-not-exist")
	assert.False(t, ok)
}
