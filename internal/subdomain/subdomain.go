// Package subdomain implements the Subdomain Ledger (C11): the claim and
// release protocol that guarantees global uniqueness of a subdomain label
// across deployments (spec §4.4). Grounded on the routing ledger's atomic
// primitives (conditional create on the secondary key, compare-and-delete
// on release) and internal/deploy/deployer.go's subdomain-validation
// regex, generalized into a full staleness-classification state machine.
package subdomain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
)

// Classification is the result of evaluating a subdomain label against
// the routing ledger and relational store (spec §4.4 step 4).
type Classification string

const (
	ClassAvailable   Classification = "available"
	ClassReserved    Classification = "reserved"
	ClassInUse       Classification = "in_use"
	ClassStaleFailed Classification = "stale_failed"
)

const (
	pendingStaleAfter     = 30 * time.Minute
	transitioningStaleAge = 60 * time.Minute
	thirdPartyCooldown    = 24 * time.Hour
	anonymousCooldown     = 1 * time.Hour
)

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var (
	ErrInvalidLabel     = errors.New("subdomain: invalid label")
	ErrReserved         = errors.New("subdomain: reserved label")
	ErrInUse            = errors.New("subdomain: in use")
	ErrNotOwner         = errors.New("subdomain: caller is not the owner")
	ErrNotReleasable    = errors.New("subdomain: not releasable by this caller")
	ErrUnauthenticated  = errors.New("subdomain: unauthenticated release not permitted")
	ErrClaimRaceExceeded = errors.New("subdomain: too many contending claim retries")
)

const maxClaimRetries = 5

// Ledger is the Subdomain Ledger (C11).
type Ledger struct {
	db      *gorm.DB
	routing *routing.Ledger
}

// New constructs a Ledger.
func New(db *gorm.DB, routingLedger *routing.Ledger) *Ledger {
	return &Ledger{db: db, routing: routingLedger}
}

// Normalize lowercases and validates label against spec §4.4 step 1.
func Normalize(label string) (string, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if len(label) < 3 || len(label) > 63 || !labelPattern.MatchString(label) {
		return "", ErrInvalidLabel
	}
	return label, nil
}

// Claim runs the full claim protocol, self-healing dangling secondary
// keys and retrying the classification when a contending claim wins the
// race, up to maxClaimRetries attempts.
func (l *Ledger) Claim(ctx context.Context, rawLabel, deploymentID string) error {
	label, err := Normalize(rawLabel)
	if err != nil {
		return err
	}
	if store.IsReserved(label) {
		return ErrReserved
	}

	for attempt := 0; attempt < maxClaimRetries; attempt++ {
		class, staleOwner, err := l.classify(ctx, label)
		if err != nil {
			return err
		}

		switch class {
		case ClassInUse:
			return ErrInUse
		case ClassStaleFailed:
			// best-effort release of the stale owner before reclaiming;
			// a losing race here just falls through to the retry below.
			if _, err := l.routing.ReleaseSubdomain(ctx, label, staleOwner.ID); err != nil {
				return fmt.Errorf("subdomain: release stale owner: %w", err)
			}
		}

		ok, err := l.routing.ClaimSubdomain(ctx, label, deploymentID)
		if err != nil {
			return fmt.Errorf("subdomain: claim: %w", err)
		}
		if ok {
			return nil
		}
		// lost the race to a concurrent claimant; reclassify and retry
	}
	return ErrClaimRaceExceeded
}

// Classify resolves label's current claim classification (spec §4.4 step
// 4), self-healing a dangling secondary key along the way. It is the same
// staleness-aware lookup Claim and the release protocols use internally,
// exported so callers like the /subdomain/check handler get one answer
// instead of a second, partial reimplementation.
func (l *Ledger) Classify(ctx context.Context, label string) (Classification, *store.Deployment, error) {
	return l.classify(ctx, label)
}

func (l *Ledger) classify(ctx context.Context, label string) (Classification, *store.Deployment, error) {
	deploymentID, ok, err := l.routing.ResolveSubdomain(ctx, label)
	if err != nil {
		return "", nil, fmt.Errorf("subdomain: resolve: %w", err)
	}
	if !ok {
		return ClassAvailable, nil, nil
	}

	var d store.Deployment
	if err := l.db.First(&d, "id = ?", deploymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if _, releaseErr := l.routing.ReleaseSubdomain(ctx, label, deploymentID); releaseErr != nil {
				return "", nil, fmt.Errorf("subdomain: self-heal release: %w", releaseErr)
			}
			return ClassAvailable, nil, nil
		}
		return "", nil, fmt.Errorf("subdomain: load deployment: %w", err)
	}

	return classifyDeployment(&d, time.Now().UTC()), &d, nil
}

func classifyDeployment(d *store.Deployment, now time.Time) Classification {
	switch {
	case d.Status == store.StatusFailed || d.Status == store.StatusExpired:
		return ClassStaleFailed
	case d.Status == store.StatusPending && now.Sub(d.UpdatedAt) > pendingStaleAfter:
		return ClassStaleFailed
	case (d.Status == store.StatusUploading || d.Status == store.StatusBuilding) && now.Sub(d.UpdatedAt) > transitioningStaleAge:
		return ClassStaleFailed
	default:
		return ClassInUse
	}
}

// ReleaseAsOwner runs the owner-release protocol: always permitted
// unless the deployment is mid-transition within the last 60 minutes.
func (l *Ledger) ReleaseAsOwner(ctx context.Context, label string, callerUserID uint) error {
	_, d, err := l.classify(ctx, label)
	if err != nil {
		return err
	}
	if d == nil {
		return nil // already gone, owner release of an absent label is a no-op
	}
	if !d.IsOwnedBy(callerUserID) {
		return ErrNotOwner
	}
	if d.Status.IsTransitioning() && time.Since(d.UpdatedAt) < transitioningStaleAge {
		return ErrNotReleasable
	}
	return l.release(ctx, label, d, callerUserID, false, "owner release")
}

// ReleaseAsThirdParty runs the third-party-release protocol: only
// permitted against a stale_failed deployment past its 24h cooldown, or
// an anonymous legacy failed/expired deployment past its 1h cooldown.
// callerUserID of 0 means unauthenticated, which is always rejected.
func (l *Ledger) ReleaseAsThirdParty(ctx context.Context, label string, callerUserID uint) error {
	if callerUserID == 0 {
		return ErrUnauthenticated
	}

	class, d, err := l.classify(ctx, label)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}

	age := time.Since(d.UpdatedAt)
	switch {
	case class == ClassStaleFailed && age >= thirdPartyCooldown:
		return l.release(ctx, label, d, callerUserID, true, "third-party release: stale")
	case d.IsAnonymous() && (d.Status == store.StatusFailed || d.Status == store.StatusExpired) && age >= anonymousCooldown:
		return l.release(ctx, label, d, callerUserID, true, "third-party release: anonymous legacy")
	default:
		return ErrNotReleasable
	}
}

func (l *Ledger) release(ctx context.Context, label string, d *store.Deployment, callerUserID uint, anonymousCaller bool, reason string) error {
	if _, err := l.routing.ReleaseSubdomain(ctx, label, d.ID); err != nil {
		return fmt.Errorf("subdomain: release routing record: %w", err)
	}
	if err := l.routing.Delete(ctx, d.ID); err != nil {
		return fmt.Errorf("subdomain: delete primary routing record: %w", err)
	}
	if err := l.db.Delete(d).Error; err != nil {
		return fmt.Errorf("subdomain: delete deployment row: %w", err)
	}

	audit := &store.ReleaseAuditRecord{
		Subdomain:         label,
		ReleasedAt:        time.Now().UTC(),
		ReleaserUserID:    callerUserID,
		ReleaserIsAnon:    anonymousCaller,
		PriorDeploymentID: d.ID,
		Reason:            reason,
	}
	if err := l.db.Create(audit).Error; err != nil {
		return fmt.Errorf("subdomain: write audit record: %w", err)
	}
	if err := l.routing.WriteAudit(ctx, &routing.AuditRecord{
		Subdomain:         label,
		ReleasedAt:        audit.ReleasedAt,
		ReleaserUserID:    callerUserID,
		ReleaserAnonymous: anonymousCaller,
		PriorDeploymentID: d.ID,
		Reason:            reason,
	}); err != nil {
		return fmt.Errorf("subdomain: write routing audit: %w", err)
	}
	return nil
}
