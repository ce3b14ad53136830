package quota

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
	require.NoError(t, gdb.AutoMigrate(&store.User{}, &store.Deployment{}, &store.Session{}))
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

func TestEffectiveMaxFreeTier(t *testing.T) {
	u := &store.User{Tier: store.TierFree, TierStatus: store.TierStatusActive, AddOnPacks: 5}
	assert.Equal(t, freeMaxDeployments, EffectiveMax(u))
}

func TestEffectiveMaxProTierWithPacks(t *testing.T) {
	u := &store.User{Tier: store.TierPro, TierStatus: store.TierStatusActive, AddOnPacks: 2}
	assert.Equal(t, proBaseMaxDeployments+2*perPackMaxDeployments, EffectiveMax(u))
}

func TestEffectiveMaxPastDueProTreatedAsFree(t *testing.T) {
	u := &store.User{Tier: store.TierPro, TierStatus: store.TierStatusPastDue, AddOnPacks: 3}
	assert.Equal(t, freeMaxDeployments, EffectiveMax(u))
}

func TestTTLForFreeTierIsSet(t *testing.T) {
	u := &store.User{Tier: store.TierFree, TierStatus: store.TierStatusActive}
	ttl := TTLFor(u)
	require.NotNil(t, ttl)
	assert.WithinDuration(t, time.Now().Add(freeTTL), *ttl, time.Minute)
}

func TestTTLForProTierIsNil(t *testing.T) {
	u := &store.User{Tier: store.TierPro, TierStatus: store.TierStatusActive}
	assert.Nil(t, TTLFor(u))
}

func TestTTLForAnonymousIsSet(t *testing.T) {
	assert.NotNil(t, TTLFor(nil))
}

func TestCheckQuotaBypassesForAnonymous(t *testing.T) {
	gdb := newTestDB(t)
	s := New(gdb, nil, nil, nil, nil)
	assert.NoError(t, s.CheckQuota(context.Background(), 0))
}

func TestCheckQuotaAllowsUnderLimit(t *testing.T) {
	gdb := newTestDB(t)
	u := &store.User{Tier: store.TierFree, TierStatus: store.TierStatusActive}
	require.NoError(t, gdb.Create(u).Error)

	s := New(gdb, nil, nil, nil, nil)
	assert.NoError(t, s.CheckQuota(context.Background(), u.ID))
}

func TestCheckQuotaRejectsAtLimit(t *testing.T) {
	gdb := newTestDB(t)
	u := &store.User{Tier: store.TierFree, TierStatus: store.TierStatusActive}
	require.NoError(t, gdb.Create(u).Error)
	for i := 0; i < freeMaxDeployments; i++ {
		require.NoError(t, gdb.Create(&store.Deployment{
			ID: "dep-" + strconv.Itoa(i), UserID: u.ID, Subdomain: "app" + strconv.Itoa(i), Status: store.StatusActive,
		}).Error)
	}

	s := New(gdb, nil, nil, nil, nil)
	assert.ErrorIs(t, s.CheckQuota(context.Background(), u.ID), ErrQuotaExceeded)
}

func TestOnUpgradeClearsTTLOnNonFailedDeployments(t *testing.T) {
	gdb := newTestDB(t)
	u := &store.User{Tier: store.TierPro, TierStatus: store.TierStatusActive}
	require.NoError(t, gdb.Create(u).Error)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, gdb.Create(&store.Deployment{ID: "dep-1", UserID: u.ID, Subdomain: "a", Status: store.StatusActive, ExpiresAt: &exp}).Error)
	require.NoError(t, gdb.Create(&store.Deployment{ID: "dep-2", UserID: u.ID, Subdomain: "b", Status: store.StatusFailed, ExpiresAt: &exp}).Error)

	s := New(gdb, nil, nil, nil, nil)
	require.NoError(t, s.OnUpgrade(context.Background(), u.ID))

	var active, failed store.Deployment
	require.NoError(t, gdb.First(&active, "id = ?", "dep-1").Error)
	require.NoError(t, gdb.First(&failed, "id = ?", "dep-2").Error)
	assert.Nil(t, active.ExpiresAt)
	assert.NotNil(t, failed.ExpiresAt)
}

func TestReapDeletesExpiredDeploymentsAndReleasesSubdomain(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, gdb.Create(&store.Deployment{
		ID: "dep-1", Subdomain: "gone", Status: store.StatusActive, ExpiresAt: &past,
	}).Error)
	_, err := rl.ClaimSubdomain(context.Background(), "gone", "dep-1")
	require.NoError(t, err)

	s := New(gdb, rl, nil, nil, nil)
	require.NoError(t, s.Reap(context.Background()))

	var count int64
	require.NoError(t, gdb.Model(&store.Deployment{}).Where("id = ?", "dep-1").Count(&count).Error)
	assert.Equal(t, int64(0), count)

	_, ok, err := rl.ResolveSubdomain(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReapSkipsNonExpiredDeployments(t *testing.T) {
	gdb := newTestDB(t)
	rl := newTestRoutingLedger(t)
	future := time.Now().Add(time.Hour)
	require.NoError(t, gdb.Create(&store.Deployment{
		ID: "dep-2", Subdomain: "staying", Status: store.StatusActive, ExpiresAt: &future,
	}).Error)

	s := New(gdb, rl, nil, nil, nil)
	require.NoError(t, s.Reap(context.Background()))

	var count int64
	require.NoError(t, gdb.Model(&store.Deployment{}).Where("id = ?", "dep-2").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCleanupSessionsDeletesExpired(t *testing.T) {
	gdb := newTestDB(t)
	require.NoError(t, gdb.Create(&store.Session{SessionID: "s1", UserID: 1, ExpiresAt: time.Now().Add(-time.Hour)}).Error)
	require.NoError(t, gdb.Create(&store.Session{SessionID: "s2", UserID: 1, ExpiresAt: time.Now().Add(time.Hour)}).Error)

	s := New(gdb, nil, nil, nil, nil)
	require.NoError(t, s.cleanupSessions(context.Background()))

	var count int64
	require.NoError(t, gdb.Model(&store.Session{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
