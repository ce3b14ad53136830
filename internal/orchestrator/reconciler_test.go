package orchestrator

import (
	"context"
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
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
)

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

type fakeExecutor struct {
	results map[string]Result
	errs    map[string]error
}

func (f *fakeExecutor) Submit(ctx context.Context, spec BuildSpec) (string, error) {
	return "", nil
}

func (f *fakeExecutor) Poll(ctx context.Context, buildHandle string) (Result, error) {
	if err, ok := f.errs[buildHandle]; ok {
		return Result{}, err
	}
	return f.results[buildHandle], nil
}

func (f *fakeExecutor) Teardown(ctx context.Context, buildHandle string) error { return nil }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&store.Deployment{}))
	return db
}

func seedDeployment(t *testing.T, db *gorm.DB, status store.DeploymentStatus, handle string) *store.Deployment {
	t.Helper()
	d := &store.Deployment{
		ID:          "dep-" + handle,
		Subdomain:   "app1",
		Status:      status,
		BuildHandle: handle,
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(d).Error)
	return d
}

func TestReconcileActivatesOnSuccess(t *testing.T) {
	db := newTestDB(t)
	d := seedDeployment(t, db, store.StatusDeploying, "handle-1")

	exec := &fakeExecutor{results: map[string]Result{
		"handle-1": {Status: StatusSuccess, OriginURL: "http://localhost:32000"},
	}}
	pipeline := New(db, newTestLedger(t), nil, nil, exec)
	r := NewReconciler(db, pipeline, exec)

	err := r.Reconcile(context.Background(), d.ID)
	require.NoError(t, err)

	var reloaded store.Deployment
	require.NoError(t, db.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusActive, reloaded.Status)
	assert.Equal(t, "http://localhost:32000", reloaded.Origin)
}

func TestReconcileFailsOnTerminalFailure(t *testing.T) {
	db := newTestDB(t)
	d := seedDeployment(t, db, store.StatusBuilding, "handle-2")

	exec := &fakeExecutor{results: map[string]Result{
		"handle-2": {Status: StatusFailure, Message: "image build failed"},
	}}
	pipeline := New(db, newTestLedger(t), nil, nil, exec)
	r := NewReconciler(db, pipeline, exec)

	err := r.Reconcile(context.Background(), d.ID)
	require.NoError(t, err)

	var reloaded store.Deployment
	require.NoError(t, db.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusFailed, reloaded.Status)
	assert.Equal(t, "image build failed", reloaded.Error)
}

func TestReconcileNoopOnWorking(t *testing.T) {
	db := newTestDB(t)
	d := seedDeployment(t, db, store.StatusDeploying, "handle-3")

	exec := &fakeExecutor{results: map[string]Result{
		"handle-3": {Status: StatusWorking},
	}}
	pipeline := New(db, newTestLedger(t), nil, nil, exec)
	r := NewReconciler(db, pipeline, exec)

	require.NoError(t, r.Reconcile(context.Background(), d.ID))

	var reloaded store.Deployment
	require.NoError(t, db.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusDeploying, reloaded.Status)
}

func TestReconcileNoopWithoutBuildHandle(t *testing.T) {
	db := newTestDB(t)
	d := seedDeployment(t, db, store.StatusAnalyzing, "")

	exec := &fakeExecutor{results: map[string]Result{}}
	pipeline := New(db, newTestLedger(t), nil, nil, exec)
	r := NewReconciler(db, pipeline, exec)

	require.NoError(t, r.Reconcile(context.Background(), d.ID))

	var reloaded store.Deployment
	require.NoError(t, db.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusAnalyzing, reloaded.Status)
}

func TestReconcileNoopOnTerminalDeployment(t *testing.T) {
	db := newTestDB(t)
	d := seedDeployment(t, db, store.StatusFailed, "handle-4")

	exec := &fakeExecutor{results: map[string]Result{
		"handle-4": {Status: StatusSuccess, OriginURL: "http://localhost:1"},
	}}
	pipeline := New(db, newTestLedger(t), nil, nil, exec)
	r := NewReconciler(db, pipeline, exec)

	require.NoError(t, r.Reconcile(context.Background(), d.ID))

	var reloaded store.Deployment
	require.NoError(t, db.First(&reloaded, "id = ?", d.ID).Error)
	assert.Equal(t, store.StatusFailed, reloaded.Status)
}
