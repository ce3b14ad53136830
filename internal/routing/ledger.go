// Package routing implements the Routing Ledger (C3): the low-latency
// key-value store the proxy reads on every request, plus the rate-limit
// counters and release-audit log that share its Redis-backed atomicity
// primitives. Grounded on internal/db.RedisClient.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"apex-control-plane/internal/db"
	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/metrics"
	"apex-control-plane/internal/store"
)

const (
	recordTTL = 30 * 24 * time.Hour
	auditTTL  = 90 * 24 * time.Hour
)

// Record is the routing shadow of a Deployment (spec §3's Routing Record):
// the minimal fields the proxy needs, kept hot in Redis.
type Record struct {
	DeploymentID string                 `json:"deployment_id"`
	Subdomain    string                 `json:"subdomain"`
	Status       store.DeploymentStatus `json:"status"`
	Origin       string                 `json:"origin,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Framework    store.FrameworkLabel   `json:"framework,omitempty"`
	BuildHandle  string                 `json:"build_handle,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// FromDeployment projects a relational Deployment into its routing shadow.
func FromDeployment(d *store.Deployment) *Record {
	return &Record{
		DeploymentID: d.ID,
		Subdomain:    d.Subdomain,
		Status:       d.Status,
		Origin:       d.Origin,
		Error:        d.Error,
		Framework:    d.Framework,
		BuildHandle:  d.BuildHandle,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// AuditRecord is the append-only release-audit entry (spec §3).
type AuditRecord struct {
	Subdomain         string    `json:"subdomain"`
	ReleasedAt        time.Time `json:"released_at"`
	ReleaserUserID    uint      `json:"releaser_user_id,omitempty"`
	ReleaserAnonymous bool      `json:"releaser_is_anonymous"`
	PriorDeploymentID string    `json:"prior_deployment_id"`
	Reason            string    `json:"reason"`
}

// Ledger is the C3 Routing Ledger.
type Ledger struct {
	redis *db.RedisClient
}

// New constructs a Ledger over an already-connected Redis client.
func New(redis *db.RedisClient) *Ledger {
	return &Ledger{redis: redis}
}

func appKey(deploymentID string) string   { return "app:" + deploymentID }
func subdomainKey(label string) string    { return "subdomain:" + label }
func releaseLogKey(label string, ts time.Time) string {
	return fmt.Sprintf("log:release:%s:%d", label, ts.UnixNano())
}

// Put writes (or overwrites) the primary routing record. Used on create and
// on every state-machine transition (spec §4.3).
func (l *Ledger) Put(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal routing record: %w", err)
	}
	return l.redis.Set(ctx, appKey(rec.DeploymentID), payload, recordTTL)
}

// Get reads the primary routing record. Returns (nil, nil) if absent.
func (l *Ledger) Get(ctx context.Context, deploymentID string) (*Record, error) {
	raw, err := l.redis.Get(ctx, appKey(deploymentID))
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal routing record: %w", err)
	}
	return &rec, nil
}

// Delete removes the primary routing record.
func (l *Ledger) Delete(ctx context.Context, deploymentID string) error {
	return l.redis.Del(ctx, appKey(deploymentID))
}

// ClaimSubdomain performs the atomic conditional-create on the secondary key
// (spec §4.4 step 3): succeeds for exactly one contending writer.
func (l *Ledger) ClaimSubdomain(ctx context.Context, label, deploymentID string) (bool, error) {
	claimed, err := l.redis.SetNX(ctx, subdomainKey(label), deploymentID, recordTTL)
	switch {
	case err != nil:
		metrics.RecordRoutingOp("claim_subdomain", "error")
	case claimed:
		metrics.RecordRoutingOp("claim_subdomain", "claimed")
	default:
		metrics.RecordRoutingOp("claim_subdomain", "conflict")
	}
	return claimed, err
}

// ResolveSubdomain reads the secondary key. ok is false if absent.
func (l *Ledger) ResolveSubdomain(ctx context.Context, label string) (deploymentID string, ok bool, err error) {
	raw, err := l.redis.Get(ctx, subdomainKey(label))
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	return raw, true, nil
}

// ReleaseSubdomain deletes the secondary key iff it still points at
// expectDeploymentID, giving compare-and-swap release semantics so a
// concurrent re-claim by a different deployment is never clobbered.
func (l *Ledger) ReleaseSubdomain(ctx context.Context, label, expectDeploymentID string) (bool, error) {
	released, err := l.redis.CompareAndDelete(ctx, subdomainKey(label), expectDeploymentID)
	switch {
	case err != nil:
		metrics.RecordRoutingOp("release_subdomain", "error")
	case released:
		metrics.RecordRoutingOp("release_subdomain", "released")
	default:
		metrics.RecordRoutingOp("release_subdomain", "mismatch")
	}
	return released, err
}

// SelfHealDangling unconditionally deletes a secondary key whose referenced
// deployment no longer exists (spec §3 invariant 2 / §4.4 step 4a).
func (l *Ledger) SelfHealDangling(ctx context.Context, label string) error {
	if err := l.redis.Del(ctx, subdomainKey(label)); err != nil {
		return err
	}
	logging.L().Info("self-healed dangling subdomain key", zap.String("subdomain", label))
	return nil
}

// WriteAudit appends a release-audit record, keyed by (subdomain, timestamp)
// per spec §6's persisted-state layout, retained 90 days.
func (l *Ledger) WriteAudit(ctx context.Context, rec *AuditRecord) error {
	if rec.ReleasedAt.IsZero() {
		rec.ReleasedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return l.redis.Set(ctx, releaseLogKey(rec.Subdomain, rec.ReleasedAt), payload, auditTTL)
}
