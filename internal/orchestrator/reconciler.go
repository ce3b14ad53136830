package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/metrics"
	"apex-control-plane/internal/store"
)

// Reconciler is the Status Reconciler (C9): on demand, poll the build
// executor for a deployment's current build-lifecycle status and converge
// the stored state (relational row + routing ledger) against it. Grounded
// on internal/deploy/deployer.go's status-polling goroutine, adapted from
// a push-only model to pull-based convergence since DockerExecutor has no
// webhook callback of its own.
type Reconciler struct {
	db       *gorm.DB
	pipeline *Pipeline
	executor Executor
}

// NewReconciler constructs a Reconciler.
func NewReconciler(db *gorm.DB, pipeline *Pipeline, executor Executor) *Reconciler {
	return &Reconciler{db: db, pipeline: pipeline, executor: executor}
}

// Reconcile loads deployment id and, if it is mid-build with a build
// handle, polls the executor and advances or fails it accordingly. It is a
// no-op for deployments with no build handle, or already in a terminal or
// fully active state.
func (r *Reconciler) Reconcile(ctx context.Context, id string) error {
	var d store.Deployment
	if err := r.db.First(&d, "id = ?", id).Error; err != nil {
		return fmt.Errorf("reconciler: load deployment: %w", err)
	}
	return r.reconcileOne(ctx, &d)
}

// ReconcileAll sweeps every deployment that could still be mid-build,
// reconciling each independently so one failure doesn't block the rest.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	var deployments []store.Deployment
	if err := r.db.Where("status IN ?", []store.DeploymentStatus{
		store.StatusBuilding, store.StatusDeploying,
	}).Find(&deployments).Error; err != nil {
		return fmt.Errorf("reconciler: list in-flight deployments: %w", err)
	}

	log := logging.L()
	for i := range deployments {
		d := &deployments[i]
		if err := r.reconcileOne(ctx, d); err != nil {
			log.Warn("reconcile failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, d *store.Deployment) error {
	if d.Status.IsTerminal() || d.Status == store.StatusActive {
		return nil
	}
	if d.BuildHandle == "" {
		return nil
	}

	result, err := r.executor.Poll(ctx, d.BuildHandle)
	if err != nil {
		metrics.RecordReconcileAttempt("poll_error")
		return fmt.Errorf("reconciler: poll %s: %w", d.BuildHandle, err)
	}

	switch {
	case result.Status == StatusSuccess && result.OriginURL != "":
		if err := r.pipeline.Activate(d, result.OriginURL); err != nil {
			metrics.RecordReconcileAttempt("activate_error")
			return fmt.Errorf("reconciler: activate: %w", err)
		}
		metrics.RecordReconcileAttempt("activated")
	case result.Status.IsTerminalFailure():
		msg := result.Message
		if msg == "" {
			msg = fmt.Sprintf("build executor reported %s", result.Status)
		}
		r.pipeline.Fail(d, msg)
		metrics.RecordReconcileAttempt("failed")
	default:
		metrics.RecordReconcileAttempt("pending")
	}
	return nil
}
