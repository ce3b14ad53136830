package orchestrator

import (
	"context"
	"fmt"
	neturl "net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"apex-control-plane/internal/archive"
	"apex-control-plane/internal/classifier"
	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/metrics"
	"apex-control-plane/internal/recipe"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
	"apex-control-plane/internal/vault"
)

const secretEnvKey = "GOOGLE_API_KEY" // fixed binding name per spec §4.6

// Pipeline is the Build Orchestrator (C7): it drives a deployment through
// uploading → analyzing → building → deploying, following the transition
// table of spec §4.3. Grounded on internal/deploy/deployer.go's
// executeDeployment goroutine-driven pipeline.
type Pipeline struct {
	db       *gorm.DB
	ledger   *routing.Ledger
	archive  *archive.Store
	vault    *vault.Vault
	executor Executor
}

// New constructs a Pipeline.
func New(db *gorm.DB, ledger *routing.Ledger, archiveStore *archive.Store, v *vault.Vault, executor Executor) *Pipeline {
	return &Pipeline{db: db, ledger: ledger, archive: archiveStore, vault: v, executor: executor}
}

// Run advances deployment d from `pending` to `deploying` (origin URL
// discovery and the final `active` transition happen asynchronously via
// the webhook reconciler / status reconciler, since the external build
// executor runs the pipeline out of process). Run is itself launched in a
// goroutine by the caller, matching the teacher's "go s.executeDeployment"
// dispatch pattern.
func (p *Pipeline) Run(ctx context.Context, d *store.Deployment, secretValue string, frameworkHint string) {
	log := logging.L().With(zap.String("deployment_id", d.ID))

	if err := p.Advance(d, store.StatusUploading, ""); err != nil {
		log.Error("transition to uploading failed", zap.Error(err))
		return
	}
	if err := p.archive.Mirror(ctx, d.ID); err != nil {
		p.Fail(d, fmt.Sprintf("archive mirror failed: %v", err))
		return
	}

	if err := p.Advance(d, store.StatusAnalyzing, ""); err != nil {
		log.Error("transition to analyzing failed", zap.Error(err))
		return
	}
	data, err := p.readArchive(ctx, d.ID)
	if err != nil {
		p.Fail(d, fmt.Sprintf("classification failed: %v", err))
		return
	}
	result, err := classifier.Classify(data, frameworkHint)
	if err != nil {
		p.Fail(d, fmt.Sprintf("classification failed: %v", err))
		return
	}
	d.Framework = result.Framework

	files, err := classifier.ExtractFiles(data)
	if err != nil {
		p.Fail(d, fmt.Sprintf("extraction failed: %v", err))
		return
	}

	rcp, err := recipe.For(result.Framework, result.DetectedEntrypoint)
	if err != nil {
		p.Fail(d, fmt.Sprintf("no recipe for framework %s: %v", result.Framework, err))
		return
	}

	if err := p.Advance(d, store.StatusBuilding, ""); err != nil {
		log.Error("transition to building failed", zap.Error(err))
		return
	}

	ref, err := p.vault.Store(d.ID, secretValue)
	if err != nil {
		p.Fail(d, fmt.Sprintf("vault store failed: %v", err))
		return
	}
	log.Info("secret stored", zap.String("reference", ref.String()))

	spec := BuildSpec{
		DeploymentID:    d.ID,
		Subdomain:       d.Subdomain,
		Dockerfile:      rcp.ContainerRecipe,
		DefaultManifest: rcp.DefaultManifest,
		HasManifest:     result.HasDependencyManifest,
		ManifestName:    "requirements.txt",
		Files:           files,
		LaunchCommand:   rcp.LaunchCommand,
		SecretEnvKey:    secretEnvKey,
		SecretValue:     secretValue,
	}

	handle, err := p.executor.Submit(ctx, spec)
	if err != nil {
		// Compensating action: destroy the vault secret on submit failure
		// (spec §7's "On deploy failure after vault store, the vault
		// secret is destroyed").
		if destroyErr := p.vault.Destroy(d.ID); destroyErr != nil {
			log.Error("compensating vault destroy failed", zap.Error(destroyErr))
		}
		p.Fail(d, fmt.Sprintf("build submit failed: %v", err))
		return
	}
	d.BuildHandle = handle

	if err := p.Advance(d, store.StatusDeploying, ""); err != nil {
		log.Error("transition to deploying failed", zap.Error(err))
		return
	}
	log.Info("pipeline submitted", zap.String("build_handle", handle))
}

// readArchive re-opens the mirrored archive and buffers it in full: both
// classification (central-directory scan) and build-context extraction
// (spec §4.6 step 2) need random access to the whole zip, not a stream.
func (p *Pipeline) readArchive(ctx context.Context, deploymentID string) ([]byte, error) {
	obj, err := p.archive.Open(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer obj.Body.Close()

	data := make([]byte, 0)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := obj.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return data, nil
}

// transition applies a non-terminal advance, writing both the relational
// row and the routing ledger's shadow record (spec §5's "read-modify-write
// with version check on the primary key" — the relational row update is
// the authoritative write; the routing record follows it).
func (p *Pipeline) Advance(d *store.Deployment, next store.DeploymentStatus, errMsg string) error {
	if !d.Status.Advances(next) {
		return fmt.Errorf("invalid transition %s -> %s", d.Status, next)
	}
	d.Status = next
	d.Error = errMsg
	d.UpdatedAt = time.Now().UTC()

	if err := p.db.Model(d).Updates(map[string]interface{}{
		"status":     d.Status,
		"framework":  d.Framework,
		"error":      d.Error,
		"build_handle": d.BuildHandle,
		"updated_at": d.UpdatedAt,
	}).Error; err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}

	ctx := context.Background()
	if err := p.ledger.Put(ctx, routing.FromDeployment(d)); err != nil {
		logging.L().Warn("routing ledger write failed after transition", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	return nil
}

// Activate publishes a discovered origin URL and moves d to `active`
// (spec §4.3's `deploying` → `active` transition, guarded on the origin
// URL being well-formed).
func (p *Pipeline) Activate(d *store.Deployment, originURL string) error {
	if _, err := neturl.ParseRequestURI(originURL); err != nil {
		return fmt.Errorf("malformed origin url: %w", err)
	}
	if !d.Status.Advances(store.StatusActive) {
		return fmt.Errorf("invalid transition %s -> active", d.Status)
	}
	d.Status = store.StatusActive
	d.Origin = originURL
	d.Error = ""
	d.UpdatedAt = time.Now().UTC()

	if err := p.db.Model(d).Updates(map[string]interface{}{
		"status":     d.Status,
		"origin":     d.Origin,
		"error":      d.Error,
		"updated_at": d.UpdatedAt,
	}).Error; err != nil {
		return fmt.Errorf("persist activation: %w", err)
	}
	if err := p.ledger.Put(context.Background(), routing.FromDeployment(d)); err != nil {
		logging.L().Warn("routing ledger write failed after activation", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	metrics.RecordDeploymentOutcome(string(store.StatusActive), d.Framework, d.UpdatedAt.Sub(d.CreatedAt))
	metrics.RecordBuildFinalization(string(store.StatusActive), "activated")
	return nil
}

// fail moves d to the terminal `failed` state and runs the compensating
// vault-secret destroy (spec §4.3's any-non-terminal → failed row).
func (p *Pipeline) Fail(d *store.Deployment, reason string) {
	d.Status = store.StatusFailed
	d.Error = reason
	d.UpdatedAt = time.Now().UTC()

	if err := p.db.Model(d).Updates(map[string]interface{}{
		"status":     d.Status,
		"error":      d.Error,
		"updated_at": d.UpdatedAt,
	}).Error; err != nil {
		logging.L().Error("persist failure state failed", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	if err := p.ledger.Put(context.Background(), routing.FromDeployment(d)); err != nil {
		logging.L().Warn("routing ledger write failed after failure", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	if err := p.vault.Destroy(d.ID); err != nil {
		logging.L().Warn("vault destroy on failure path errored", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	metrics.RecordDeploymentOutcome(string(store.StatusFailed), d.Framework, d.UpdatedAt.Sub(d.CreatedAt))
	metrics.RecordBuildFinalization(string(store.StatusFailed), failureStage(reason))
	logging.L().Warn("deployment failed", zap.String("deployment_id", d.ID), zap.String("reason", reason))
}

// failureStage buckets a free-text failure reason into a bounded set of
// pipeline stages for metric labeling, since reason itself embeds a wrapped
// error message and must never reach Prometheus as a label value.
func failureStage(reason string) string {
	switch {
	case strings.HasPrefix(reason, "archive mirror failed"):
		return "archive_mirror"
	case strings.HasPrefix(reason, "classification failed"):
		return "classification"
	case strings.HasPrefix(reason, "extraction failed"):
		return "extraction"
	case strings.HasPrefix(reason, "no recipe for framework"):
		return "recipe"
	case strings.HasPrefix(reason, "vault store failed"):
		return "vault_store"
	case strings.HasPrefix(reason, "build submit failed"):
		return "build_submit"
	case strings.HasPrefix(reason, "build executor reported"):
		return "executor_poll"
	default:
		return "other"
	}
}
