// Package auth implements the Session Manager (part of C13): opaque,
// rotating server-side sessions backed by the relational store, plus
// federated login and password-hashing helpers used to establish a
// session in the first place. Grounded on the teacher's
// generateSecureRefreshToken (crypto/rand token minting) and its
// database-backed refresh-token rotation in auth.go, generalized from a
// JWT access/refresh pair into the single opaque session row spec §4.2
// describes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"apex-control-plane/internal/store"
)

var (
	ErrSessionNotFound = errors.New("auth: session not found or expired")
	ErrSessionExpired  = errors.New("auth: session absolute age exceeds ceiling")
)

const (
	sessionIDBytes    = 18 // 144 bits, base64url-encoded, above spec's 128-bit floor
	SessionDuration   = 24 * time.Hour
	RotationInterval  = 15 * time.Minute
	AbsoluteCeiling   = 30 * 24 * time.Hour
)

// SessionManager is the Session Manager (part of C13, spec §4.2).
type SessionManager struct {
	db *gorm.DB
}

func NewSessionManager(db *gorm.DB) *SessionManager {
	return &SessionManager{db: db}
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create mints a new session for userID on successful identity assertion.
func (m *SessionManager) Create(ctx context.Context, userID uint) (*store.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &store.Session{
		SessionID:     id,
		UserID:        userID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(SessionDuration),
		LastRotatedAt: now,
		RotationCount: 0,
	}
	if err := m.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, fmt.Errorf("auth: persist session: %w", err)
	}
	return s, nil
}

// Validate performs spec §4.2's single-read join: session_id = ? AND
// expires_at > now. Absent or expired means unauthenticated.
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (*store.Session, *store.User, error) {
	var s store.Session
	if err := m.db.WithContext(ctx).
		Where("session_id = ? AND expires_at > ?", sessionID, time.Now().UTC()).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("auth: validate session: %w", err)
	}

	var u store.User
	if err := m.db.WithContext(ctx).First(&u, s.UserID).Error; err != nil {
		return nil, nil, fmt.Errorf("auth: load session owner: %w", err)
	}
	return &s, &u, nil
}

// MaybeRotate applies spec §4.2's rotation policy: rotate iff the
// rotation interval has elapsed and the session has not crossed its
// absolute ceiling; otherwise invalidate and require re-auth. Returns
// the session unchanged (rotated == false) when rotation isn't due yet.
func (m *SessionManager) MaybeRotate(ctx context.Context, s *store.Session) (current *store.Session, rotated bool, err error) {
	now := time.Now().UTC()

	if now.Sub(s.CreatedAt) > AbsoluteCeiling {
		_ = m.db.WithContext(ctx).Delete(&store.Session{}, "session_id = ?", s.SessionID).Error
		return nil, false, ErrSessionExpired
	}

	if now.Sub(s.LastRotatedAt) <= RotationInterval {
		return s, false, nil
	}

	next := &store.Session{
		SessionID:     "",
		UserID:        s.UserID,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     now.Add(SessionDuration),
		LastRotatedAt: now,
		RotationCount: s.RotationCount + 1,
	}
	next.SessionID, err = newSessionID()
	if err != nil {
		return nil, false, err
	}

	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("write rotated session: %w", err)
		}
		if err := tx.Delete(&store.Session{}, "session_id = ?", s.SessionID).Error; err != nil {
			return fmt.Errorf("delete prior session: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return next, true, nil
}

// Logout deletes the session row, terminating it immediately.
func (m *SessionManager) Logout(ctx context.Context, sessionID string) error {
	return m.db.WithContext(ctx).Delete(&store.Session{}, "session_id = ?", sessionID).Error
}

// CleanupExpired removes every session past its expiry, run by the
// periodic reaper alongside C12's deployment reap cycle.
func (m *SessionManager) CleanupExpired(ctx context.Context) error {
	return m.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&store.Session{}).Error
}
