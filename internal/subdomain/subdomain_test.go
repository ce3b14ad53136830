package subdomain

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

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&store.Deployment{}, &store.ReleaseAuditRecord{}))
	return gdb
}

func newTestRoutingLedger(t *testing.T) *routing.Ledger {
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

func seedDeployment(t *testing.T, gdb *gorm.DB, id, subdomain string, userID uint, status store.DeploymentStatus, updatedAt time.Time) *store.Deployment {
	t.Helper()
	d := &store.Deployment{
		ID:        id,
		UserID:    userID,
		Subdomain: subdomain,
		Status:    status,
		UpdatedAt: updatedAt,
	}
	require.NoError(t, gdb.Create(d).Error)
	return d
}

func TestNormalizeRejectsInvalidLabels(t *testing.T) {
	cases := []string{"ab", strings.Repeat("a", 64), "Has-Caps", "-leading", "trailing-", "under_score!"}
	for _, c := range cases {
		_, err := Normalize(c)
		assert.Error(t, err, c)
	}
}

func TestNormalizeLowercasesValidLabel(t *testing.T) {
	label, err := Normalize("Hello-World")
	require.NoError(t, err)
	assert.Equal(t, "hello-world", label)
}

func TestClaimRejectsReservedLabel(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	err := l.Claim(context.Background(), "www", "dep-1")
	assert.ErrorIs(t, err, ErrReserved)
}

func TestClaimSucceedsOnAvailableLabel(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	err := l.Claim(context.Background(), "hello", "dep-1")
	require.NoError(t, err)

	resolved, ok, err := rl.ResolveSubdomain(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dep-1", resolved)
}

func TestClaimRejectsInUseLabel(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "taken", 1, store.StatusActive, time.Now().UTC())
	ok, err := rl.ClaimSubdomain(context.Background(), "taken", "dep-1")
	require.NoError(t, err)
	require.True(t, ok)

	err = l.Claim(context.Background(), "taken", "dep-2")
	assert.ErrorIs(t, err, ErrInUse)
}

func TestClaimReclaimsStaleFailedLabel(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "stale", 1, store.StatusFailed, time.Now().UTC())
	ok, err := rl.ClaimSubdomain(context.Background(), "stale", "dep-1")
	require.NoError(t, err)
	require.True(t, ok)

	err = l.Claim(context.Background(), "stale", "dep-2")
	require.NoError(t, err)

	resolved, ok, err := rl.ResolveSubdomain(context.Background(), "stale")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dep-2", resolved)
}

func TestClassifyDeploymentStalePending(t *testing.T) {
	d := &store.Deployment{Status: store.StatusPending, UpdatedAt: time.Now().Add(-31 * time.Minute)}
	assert.Equal(t, ClassStaleFailed, classifyDeployment(d, time.Now()))
}

func TestClassifyDeploymentFreshPending(t *testing.T) {
	d := &store.Deployment{Status: store.StatusPending, UpdatedAt: time.Now().Add(-5 * time.Minute)}
	assert.Equal(t, ClassInUse, classifyDeployment(d, time.Now()))
}

func TestClassifyDeploymentStaleBuilding(t *testing.T) {
	d := &store.Deployment{Status: store.StatusBuilding, UpdatedAt: time.Now().Add(-61 * time.Minute)}
	assert.Equal(t, ClassStaleFailed, classifyDeployment(d, time.Now()))
}

func TestReleaseAsOwnerDeniedWhileTransitioningRecently(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "mid", 7, store.StatusBuilding, time.Now().Add(-5*time.Minute))
	_, err := rl.ClaimSubdomain(context.Background(), "mid", "dep-1")
	require.NoError(t, err)

	err = l.ReleaseAsOwner(context.Background(), "mid", 7)
	assert.ErrorIs(t, err, ErrNotReleasable)
}

func TestReleaseAsOwnerDeniedForNonOwner(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "mine", 7, store.StatusActive, time.Now())
	_, err := rl.ClaimSubdomain(context.Background(), "mine", "dep-1")
	require.NoError(t, err)

	err = l.ReleaseAsOwner(context.Background(), "mine", 8)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestReleaseAsOwnerSucceedsAndWritesAudit(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "mine", 7, store.StatusActive, time.Now())
	_, err := rl.ClaimSubdomain(context.Background(), "mine", "dep-1")
	require.NoError(t, err)

	require.NoError(t, l.ReleaseAsOwner(context.Background(), "mine", 7))

	var count int64
	require.NoError(t, gdb.Model(&store.ReleaseAuditRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, ok, err := rl.ResolveSubdomain(context.Background(), "mine")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseAsThirdPartyRejectsUnauthenticated(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	err := l.ReleaseAsThirdParty(context.Background(), "mine", 0)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestReleaseAsThirdPartyRejectsBeforeCooldown(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "fresh-fail", 7, store.StatusFailed, time.Now().Add(-1*time.Hour))
	_, err := rl.ClaimSubdomain(context.Background(), "fresh-fail", "dep-1")
	require.NoError(t, err)

	err = l.ReleaseAsThirdParty(context.Background(), "fresh-fail", 9)
	assert.ErrorIs(t, err, ErrNotReleasable)
}

func TestReleaseAsThirdPartySucceedsAfterCooldown(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "old-fail", 7, store.StatusFailed, time.Now().Add(-25*time.Hour))
	_, err := rl.ClaimSubdomain(context.Background(), "old-fail", "dep-1")
	require.NoError(t, err)

	require.NoError(t, l.ReleaseAsThirdParty(context.Background(), "old-fail", 9))
}

func TestReleaseAsThirdPartySucceedsForAnonymousLegacyAfterShortCooldown(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	l := New(gdb, rl)

	seedDeployment(t, gdb, "dep-1", "anon-fail", 0, store.StatusExpired, time.Now().Add(-90*time.Minute))
	_, err := rl.ClaimSubdomain(context.Background(), "anon-fail", "dep-1")
	require.NoError(t, err)

	require.NoError(t, l.ReleaseAsThirdParty(context.Background(), "anon-fail", 9))
}
