package auth

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"apex-control-plane/internal/store"
)

// IdentityService turns a federated login's user info into a store.User
// row and a fresh session, implementing spec §3's "created on first
// federated login; updated on profile refresh" lifecycle.
type IdentityService struct {
	db       *gorm.DB
	sessions *SessionManager
	oauth    *OAuthService
}

func NewIdentityService(db *gorm.DB, sessions *SessionManager, oauth *OAuthService) *IdentityService {
	return &IdentityService{db: db, sessions: sessions, oauth: oauth}
}

// Provider exposes the configured OAuth provider by name (e.g. "google").
func (s *IdentityService) Provider(name string) (OAuthProvider, bool) {
	return s.oauth.GetProvider(name)
}

// CompleteLogin upserts the user matched by email and mints a session
// for them. role is never client-settable; it is left untouched on an
// existing row and defaults to "user" on creation — super_admin is
// granted out of band by matching a configured identity, not here.
func (s *IdentityService) CompleteLogin(ctx context.Context, info *OAuthUserInfo) (*store.User, *store.Session, error) {
	var u store.User
	err := s.db.WithContext(ctx).Where("email = ?", info.Email).First(&u).Error
	switch {
	case err == nil:
		u.DisplayName = info.Name
		u.AvatarURL = info.Picture
		if err := s.db.WithContext(ctx).Save(&u).Error; err != nil {
			return nil, nil, fmt.Errorf("auth: refresh profile: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		u = store.User{
			Email:       info.Email,
			DisplayName: info.Name,
			AvatarURL:   info.Picture,
			Role:        store.RoleUser,
			Tier:        store.TierFree,
			TierStatus:  store.TierStatusActive,
		}
		if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
			return nil, nil, fmt.Errorf("auth: create user: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("auth: lookup user: %w", err)
	}

	session, err := s.sessions.Create(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return &u, session, nil
}
