package db

import (
	"os"

	"go.uber.org/zap"

	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/store"
)

// SeedSuperAdmin ensures the user whose email matches SUPER_ADMIN_EMAIL (if
// configured) carries the super_admin role, per spec §3: "role super_admin
// is assigned only by matching a configured identity." The row is created
// lazily on its owner's first federated login (internal/auth); this just
// promotes it if it already exists, and is safe to call repeatedly at boot.
func (d *Database) SeedSuperAdmin() error {
	email := os.Getenv("SUPER_ADMIN_EMAIL")
	if email == "" {
		logging.L().Info("SUPER_ADMIN_EMAIL not set, skipping super_admin seed")
		return nil
	}

	var user store.User
	result := d.DB.Where("email = ?", email).First(&user)
	if result.Error != nil {
		logging.L().Info("super_admin identity has not logged in yet", zap.String("email", email))
		return nil
	}

	if user.Role == store.RoleSuperAdmin {
		return nil
	}

	if err := d.DB.Model(&user).Update("role", store.RoleSuperAdmin).Error; err != nil {
		return err
	}
	logging.L().Info("promoted user to super_admin", zap.String("email", email))
	return nil
}
