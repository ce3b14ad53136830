package webhook

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"apex-control-plane/internal/db"
	"apex-control-plane/internal/orchestrator"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&store.Deployment{}))
	return gdb
}

func newTestLedger(t *testing.T) *routing.Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, _ := strings.Cut(mr.Addr(), ":")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := db.DefaultRedisConfig()
	cfg.Host = host
	cfg.Port = port
	client, err := db.NewRedisClient(cfg)
	require.NoError(t, err)
	return routing.New(client)
}

func seedDeployment(t *testing.T, gdb *gorm.DB, id string, status store.DeploymentStatus) *store.Deployment {
	t.Helper()
	d := &store.Deployment{
		ID:        id,
		Subdomain: "app1",
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, gdb.Create(d).Error)
	return d
}

func encodeEnvelope(t *testing.T, event buildEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var env pushEnvelope
	env.Message.Data = base64.StdEncoding.EncodeToString(raw)
	env.Message.MessageID = "msg-1"
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}

func TestDeploymentIDFromSubstitutions(t *testing.T) {
	event := buildEvent{ID: "b1", Status: "SUCCESS", Substitutions: map[string]string{"deployment_id": "dep-1"}}
	id, ok := event.deploymentID()
	assert.True(t, ok)
	assert.Equal(t, "dep-1", id)
}

func TestDeploymentIDFromSourcePath(t *testing.T) {
	event := buildEvent{ID: "b1", Status: "SUCCESS"}
	event.Source.StorageSource.Object = "dep-2/source.zip"
	id, ok := event.deploymentID()
	assert.True(t, ok)
	assert.Equal(t, "dep-2", id)
}

func TestDeploymentIDUnresolvable(t *testing.T) {
	event := buildEvent{ID: "b1", Status: "SUCCESS"}
	_, ok := event.deploymentID()
	assert.False(t, ok)
}

func TestHandleEnvelopeDiscardsUnresolvableEvent(t *testing.T) {
	gdb := newTestDB(t)
	pipeline := orchestrator.New(gdb, newTestLedger(t), nil, nil, nil)
	r := NewReconciler(gdb, pipeline)

	raw := encodeEnvelope(t, buildEvent{ID: "b1", Status: "SUCCESS"})
	_, _, err := r.HandleEnvelope(raw)
	require.NoError(t, err)
}

func TestHandleEnvelopeFailsOnTerminalStatus(t *testing.T) {
	gdb := newTestDB(t)
	d := seedDeployment(t, gdb, "dep-3", store.StatusBuilding)
	pipeline := orchestrator.New(gdb, newTestLedger(t), nil, nil, nil)
	r := NewReconciler(gdb, pipeline)

	raw := encodeEnvelope(t, buildEvent{
		ID:            "b1",
		Status:        "FAILURE",
		Substitutions: map[string]string{"deployment_id": d.ID},
	})
	_, _, err := r.HandleEnvelope(raw)
	require.NoError(t, err)

	var reloaded store.Deployment
	require.NoError(t, gdb.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusFailed, reloaded.Status)
}

func TestHandleEnvelopeDiscardsForTerminalDeployment(t *testing.T) {
	gdb := newTestDB(t)
	d := seedDeployment(t, gdb, "dep-4", store.StatusFailed)
	pipeline := orchestrator.New(gdb, newTestLedger(t), nil, nil, nil)
	r := NewReconciler(gdb, pipeline)

	raw := encodeEnvelope(t, buildEvent{
		ID:            "b1",
		Status:        "SUCCESS",
		Substitutions: map[string]string{"deployment_id": d.ID},
	})
	_, _, err := r.HandleEnvelope(raw)
	require.NoError(t, err)

	var reloaded store.Deployment
	require.NoError(t, gdb.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusFailed, reloaded.Status)
}

func TestHandleEnvelopeSuccessIsNoopWhenAlreadyDeploying(t *testing.T) {
	gdb := newTestDB(t)
	d := seedDeployment(t, gdb, "dep-5", store.StatusDeploying)
	pipeline := orchestrator.New(gdb, newTestLedger(t), nil, nil, nil)
	r := NewReconciler(gdb, pipeline)

	raw := encodeEnvelope(t, buildEvent{
		ID:            "b1",
		Status:        "SUCCESS",
		Substitutions: map[string]string{"deployment_id": d.ID},
	})
	_, _, err := r.HandleEnvelope(raw)
	require.NoError(t, err)

	var reloaded store.Deployment
	require.NoError(t, gdb.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusDeploying, reloaded.Status)
}

func TestHandleEnvelopeSuccessAdvancesFromBuilding(t *testing.T) {
	gdb := newTestDB(t)
	d := seedDeployment(t, gdb, "dep-6", store.StatusBuilding)
	pipeline := orchestrator.New(gdb, newTestLedger(t), nil, nil, nil)
	r := NewReconciler(gdb, pipeline)

	raw := encodeEnvelope(t, buildEvent{
		ID:            "b1",
		Status:        "SUCCESS",
		Substitutions: map[string]string{"deployment_id": d.ID},
	})
	_, _, err := r.HandleEnvelope(raw)
	require.NoError(t, err)

	var reloaded store.Deployment
	require.NoError(t, gdb.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusDeploying, reloaded.Status)
}
