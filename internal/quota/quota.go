// Package quota implements the Quota & TTL Scheduler (C12): effective
// max-deployment computation from tier + add-on packs, TTL assignment at
// create time, and the periodic reaper that deletes expired deployments
// and their owned resources. Grounded on internal/middleware/quota.go's
// fail-open quota-check shape and internal/usage/tracker.go's
// usage-counting idiom, generalized from per-request-type usage counters
// to the spec's single deployment-count quota, and on the periodic-job
// pattern taught by robfig/cron/v3 (carried in from the rest of the pack
// rather than a teacher precedent, since the teacher has no scheduled
// reaper of its own).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apex-control-plane/internal/archive"
	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/orchestrator"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
	"apex-control-plane/internal/vault"
)

const (
	freeMaxDeployments    = 3
	proBaseMaxDeployments = 20
	perPackMaxDeployments = 5
	freeTTL               = 7 * 24 * time.Hour
)

var ErrQuotaExceeded = fmt.Errorf("quota: deployment limit reached")

// Scheduler is the Quota & TTL Scheduler (C12).
type Scheduler struct {
	db       *gorm.DB
	routing  *routing.Ledger
	archive  *archive.Store
	vault    *vault.Vault
	executor orchestrator.Executor
	cron     *cron.Cron
}

// New constructs a Scheduler. archiveStore, vaultInstance, and executor
// may each be nil in contexts that only need quota/TTL computation (e.g.
// the create-deployment handler) rather than the reaper.
func New(db *gorm.DB, routingLedger *routing.Ledger, archiveStore *archive.Store, vaultInstance *vault.Vault, executor orchestrator.Executor) *Scheduler {
	return &Scheduler{db: db, routing: routingLedger, archive: archiveStore, vault: vaultInstance, executor: executor}
}

// EffectiveMax computes spec §4.7's "base_for_tier + add_on_packs ×
// per_pack". Free tier never has add-ons.
func EffectiveMax(u *store.User) int {
	if u.EffectiveTier() != store.TierPro {
		return freeMaxDeployments
	}
	return proBaseMaxDeployments + u.AddOnPacks*perPackMaxDeployments
}

// TTLFor computes the expiry to assign at deployment create time: a
// fixed TTL from now for free tier and anonymous callers, nil (no TTL)
// for pro.
func TTLFor(u *store.User) *time.Time {
	if u != nil && u.EffectiveTier() == store.TierPro {
		return nil
	}
	exp := time.Now().UTC().Add(freeTTL)
	return &exp
}

// CheckQuota enforces spec §4.7's creation guard: count(deployments where
// user_id = caller) < max. userID of 0 is an anonymous caller, which
// bypasses quota entirely (legacy behavior) but still receives a TTL via
// TTLFor(nil).
func (s *Scheduler) CheckQuota(ctx context.Context, userID uint) error {
	if userID == 0 {
		return nil
	}

	var u store.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return fmt.Errorf("quota: load user: %w", err)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&store.Deployment{}).
		Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return fmt.Errorf("quota: count deployments: %w", err)
	}

	if count >= int64(EffectiveMax(&u)) {
		return ErrQuotaExceeded
	}
	return nil
}

// OnUpgrade implements spec §4.7's upgrade effect: when a user
// transitions free → pro, remove TTL from every non-failed deployment
// they own.
func (s *Scheduler) OnUpgrade(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&store.Deployment{}).
		Where("user_id = ? AND status != ?", userID, store.StatusFailed).
		Update("expires_at", nil).Error
}

// Start launches the hourly reaper and session-cleanup cycle (spec §4.7's
// "periodic reaper, e.g. hourly" and "session cleanup runs in the same
// cycle").
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@hourly", func() {
		ctx := context.Background()
		if err := s.Reap(ctx); err != nil {
			logging.L().Error("reaper cycle failed", zap.Error(err))
		}
		if err := s.cleanupSessions(ctx); err != nil {
			logging.L().Error("session cleanup failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("quota: schedule reaper: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Reap enumerates deployments whose expires_at has passed and tears down
// every owned resource, logging per-deployment errors without halting the
// batch (spec §4.7).
func (s *Scheduler) Reap(ctx context.Context) error {
	var expired []store.Deployment
	if err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Find(&expired).Error; err != nil {
		return fmt.Errorf("quota: list expired deployments: %w", err)
	}

	for i := range expired {
		d := &expired[i]
		if err := s.reapOne(ctx, d); err != nil {
			logging.L().Error("reap failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) reapOne(ctx context.Context, d *store.Deployment) error {
	if d.BuildHandle != "" && s.executor != nil {
		if err := s.executor.Teardown(ctx, d.BuildHandle); err != nil {
			logging.L().Warn("reap: runtime teardown failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}
	if s.archive != nil {
		if err := s.archive.Delete(ctx, d.ID); err != nil {
			logging.L().Warn("reap: archive delete failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}
	if s.vault != nil {
		if err := s.vault.Destroy(d.ID); err != nil {
			logging.L().Warn("reap: vault destroy failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}
	if err := s.routing.Delete(ctx, d.ID); err != nil {
		logging.L().Warn("reap: routing delete failed", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	if d.Subdomain != "" {
		if _, err := s.routing.ReleaseSubdomain(ctx, d.Subdomain, d.ID); err != nil {
			logging.L().Warn("reap: subdomain release failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}

	d.Status = store.StatusExpired
	if err := s.db.WithContext(ctx).Delete(d).Error; err != nil {
		return fmt.Errorf("delete deployment row: %w", err)
	}
	return nil
}

func (s *Scheduler) cleanupSessions(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&store.Session{}).Error
}
