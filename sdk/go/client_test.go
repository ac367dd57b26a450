package actionlinesdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionline/internal/config"
	"actionline/internal/effects"
	"actionline/internal/engine"
	"actionline/internal/server"
)

func newClient(t *testing.T, actor, role string) *Client {
	t.Helper()
	e := engine.New(config.Default(), engine.Options{Effects: effects.Simulated{Scale: 0.01}})
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{AllowHeaderAuth: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.HTTPClient = srv.Client()
	c.ActorID = actor
	c.Role = role
	return c
}

func TestClientExecuteAndRead(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, "dr-house", "Doctor")

	actions, err := c.Actions(ctx, "patients")
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Equal(t, "generate-medical-summary", actions[0].ID)

	res, err := c.Execute(ctx, "generate-medical-summary", ExecuteInput{ScreenScope: "patients", PatientID: "p-1"}, "k-1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	again, err := c.Execute(ctx, "generate-medical-summary", ExecuteInput{ScreenScope: "patients", PatientID: "p-1"}, "k-1")
	require.NoError(t, err)
	assert.Equal(t, res.ActivityID, again.ActivityID)

	act, err := c.Activity(ctx, res.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, "completed", act.Status)

	items, err := c.Activities(ctx, "p-1", "completed")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = c.Audit(ctx, AuditQuery{})
	assert.True(t, IsCode(err, "forbidden"), "doctor must not read the audit trail: %v", err)
}

func TestClientApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	nurse := newClient(t, "nurse-joy", "Nurse")

	res, err := nurse.Execute(ctx, "create-referral", ExecuteInput{ScreenScope: "patients", PatientID: "p-9"}, "")
	require.NoError(t, err)
	require.True(t, res.Deferred)

	_, err = nurse.Decide(ctx, res.ApprovalID, true, "")
	assert.True(t, IsCode(err, "forbidden"))

	admin := *nurse
	admin.ActorID, admin.Role = "chief", "Admin"
	pending, err := admin.Approvals(ctx, "none")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "canManagePatients", pending[0].RequiredCapability)

	out, err := admin.Decide(ctx, res.ApprovalID, false, "")
	require.NoError(t, err)
	assert.Equal(t, "rejected", out.Approval.Decision)
	assert.False(t, out.Result.Success)

	_, err = admin.Decide(ctx, res.ApprovalID, true, "")
	assert.True(t, IsCode(err, "invalid_transition"))

	entries, err := admin.Audit(ctx, AuditQuery{Action: "referral"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	m, err := admin.Metrics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalActions)
}

func TestClientRetry(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, "dr-house", "Doctor")

	res, err := c.Execute(ctx, "optimize-schedule", ExecuteInput{
		ScreenScope: "agenda",
		Aux:         map[string]any{effects.AuxSimulateFailure: true},
	}, "")
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, "execution_fault", res.ErrorKind)

	again, err := c.Retry(ctx, res.ActivityID, map[string]any{})
	require.NoError(t, err)
	assert.True(t, again.Success, again.Message)

	_, err = c.Retry(ctx, "missing", nil)
	assert.True(t, IsCode(err, "not_found"))
}
