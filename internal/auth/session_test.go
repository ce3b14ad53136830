package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"apex-control-plane/internal/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&store.User{}, &store.Session{}))
	return db
}

func TestCreateMintsSessionWithExpectedFields(t *testing.T) {
	db := newTestDB(t)
	m := NewSessionManager(db)

	s, err := m.Create(context.Background(), 7)
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, uint(7), s.UserID)
	assert.Equal(t, 0, s.RotationCount)
	assert.WithinDuration(t, s.CreatedAt.Add(SessionDuration), s.ExpiresAt, time.Second)
}

func TestValidateRejectsUnknownSession(t *testing.T) {
	db := newTestDB(t)
	m := NewSessionManager(db)

	_, _, err := m.Validate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&store.User{Email: "a@example.com"}).Error)
	require.NoError(t, db.Create(&store.Session{
		SessionID: "old", UserID: 1,
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
		LastRotatedAt: time.Now().Add(-2 * time.Hour),
	}).Error)

	m := NewSessionManager(db)
	_, _, err := m.Validate(context.Background(), "old")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateSucceedsAndLoadsOwner(t *testing.T) {
	db := newTestDB(t)
	u := &store.User{Email: "a@example.com", DisplayName: "A"}
	require.NoError(t, db.Create(u).Error)

	m := NewSessionManager(db)
	s, err := m.Create(context.Background(), u.ID)
	require.NoError(t, err)

	gotSession, gotUser, err := m.Validate(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, gotSession.SessionID)
	assert.Equal(t, "A", gotUser.DisplayName)
}

func TestMaybeRotateNoopBeforeInterval(t *testing.T) {
	db := newTestDB(t)
	m := NewSessionManager(db)
	s, err := m.Create(context.Background(), 1)
	require.NoError(t, err)

	current, rotated, err := m.MaybeRotate(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, s.SessionID, current.SessionID)
}

func TestMaybeRotateMintsNewIDPastInterval(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&store.User{Email: "a@example.com"}).Error)
	s := &store.Session{
		SessionID: "first", UserID: 1,
		CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(time.Hour),
		LastRotatedAt: time.Now().Add(-RotationInterval - time.Minute),
	}
	require.NoError(t, db.Create(s).Error)

	m := NewSessionManager(db)
	rotatedSession, rotated, err := m.MaybeRotate(context.Background(), s)
	require.NoError(t, err)
	require.True(t, rotated)
	assert.NotEqual(t, "first", rotatedSession.SessionID)
	assert.Equal(t, 1, rotatedSession.RotationCount)
	assert.Equal(t, s.CreatedAt, rotatedSession.CreatedAt)

	_, _, err = m.Validate(context.Background(), "first")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMaybeRotateInvalidatesPastAbsoluteCeiling(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&store.User{Email: "a@example.com"}).Error)
	s := &store.Session{
		SessionID: "ancient", UserID: 1,
		CreatedAt: time.Now().Add(-AbsoluteCeiling - time.Hour), ExpiresAt: time.Now().Add(time.Hour),
		LastRotatedAt: time.Now().Add(-RotationInterval - time.Minute),
	}
	require.NoError(t, db.Create(s).Error)

	m := NewSessionManager(db)
	_, rotated, err := m.MaybeRotate(context.Background(), s)
	assert.False(t, rotated)
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, _, verr := m.Validate(context.Background(), "ancient")
	assert.ErrorIs(t, verr, ErrSessionNotFound)
}

func TestLogoutDeletesSession(t *testing.T) {
	db := newTestDB(t)
	m := NewSessionManager(db)
	s, err := m.Create(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background(), s.SessionID))
	_, _, err = m.Validate(context.Background(), s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&store.Session{
		SessionID: "gone", UserID: 1, CreatedAt: time.Now(), LastRotatedAt: time.Now(),
		ExpiresAt: time.Now().Add(-time.Minute),
	}).Error)
	require.NoError(t, db.Create(&store.Session{
		SessionID: "staying", UserID: 1, CreatedAt: time.Now(), LastRotatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}).Error)

	m := NewSessionManager(db)
	require.NoError(t, m.CleanupExpired(context.Background()))

	var count int64
	require.NoError(t, db.Model(&store.Session{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
