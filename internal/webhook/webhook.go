// Package webhook implements the Webhook Reconciler (C8): decode a
// build-executor push envelope, resolve it to a deployment, and advance
// the deployment state machine through the orchestrator's Pipeline.
// Grounded on internal/payments/stripe.go's HandleWebhook (envelope
// decode, type switch, always-2xx-on-process pattern), generalized from
// Stripe's signed-event model to an unauthenticated push-subscription
// envelope (spec §9 open question 4: the endpoint relies on the
// subscription URL being secret, not on a signature).
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/metrics"
	"apex-control-plane/internal/orchestrator"
	"apex-control-plane/internal/store"
)

// ErrUnresolvable is returned when a build event cannot be mapped to a
// deployment; callers must still acknowledge the delivery (spec §4.3's
// "idempotent no-op").
var ErrUnresolvable = errors.New("webhook: event resolves to no deployment")

// pushEnvelope is the push-subscription wrapper: base64-encoded JSON in
// Message.Data (spec §6's "webhook envelope from the build executor").
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// buildEvent is the decoded payload: build handle, status, and either a
// substitutions map or a source path, either of which can carry the
// deployment id.
type buildEvent struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
	Source        struct {
		StorageSource struct {
			Object string `json:"object"`
		} `json:"storageSource"`
	} `json:"source,omitempty"`
}

func (e buildEvent) deploymentID() (string, bool) {
	if id, ok := e.Substitutions["deployment_id"]; ok && id != "" {
		return id, true
	}
	obj := e.Source.StorageSource.Object
	if obj == "" {
		return "", false
	}
	first, _, _ := strings.Cut(strings.TrimPrefix(obj, "/"), "/")
	if first == "" {
		return "", false
	}
	return first, true
}

// Reconciler consumes build-lifecycle push events and converges deployment
// state via the orchestrator's Pipeline, the same state-machine arbiter
// the status reconciler (C9) uses — spec §4.3's "webhook vs poll both
// advance via the same state machine".
type Reconciler struct {
	db       *gorm.DB
	pipeline *orchestrator.Pipeline
}

// NewReconciler constructs a Reconciler.
func NewReconciler(db *gorm.DB, pipeline *orchestrator.Pipeline) *Reconciler {
	return &Reconciler{db: db, pipeline: pipeline}
}

// HandleEnvelope decodes raw push-subscription JSON and reconciles the
// resulting build event. It always returns a nil error once the envelope
// itself is well-formed, even when the event resolves to nothing or is
// discarded as a duplicate/terminal no-op, because the caller must still
// ack the delivery (spec §9's "webhook handler always acks after
// processing").
func (r *Reconciler) HandleEnvelope(raw []byte) (buildID string, status string, err error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", fmt.Errorf("webhook: malformed envelope: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return "", "", fmt.Errorf("webhook: malformed message data: %w", err)
	}

	var event buildEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", "", fmt.Errorf("webhook: malformed build event: %w", err)
	}

	r.reconcile(event)
	return event.ID, event.Status, nil
}

func (r *Reconciler) reconcile(event buildEvent) {
	log := logging.L().With(zap.String("build_id", event.ID), zap.String("status", event.Status))

	deploymentID, ok := event.deploymentID()
	if !ok {
		log.Info("webhook event resolved to no deployment, discarding")
		metrics.RecordWebhookEvent("unresolvable")
		return
	}

	var d store.Deployment
	if err := r.db.First(&d, "id = ?", deploymentID).Error; err != nil {
		log.Info("webhook event references unknown deployment, discarding", zap.String("deployment_id", deploymentID))
		metrics.RecordWebhookEvent("unknown_deployment")
		return
	}

	if d.Status.IsTerminal() {
		log.Info("webhook event for terminal deployment, discarding", zap.String("deployment_id", deploymentID))
		metrics.RecordWebhookEvent("terminal_discard")
		return
	}

	kind := orchestrator.StatusKind(event.Status)
	switch {
	case kind == orchestrator.StatusSuccess:
		// The executor already resolved to `deploying` synchronously on
		// submit in this control plane (Submit runs the container inline),
		// so a SUCCESS delivery here is ordinarily a no-op; Advance's
		// monotonicity check absorbs it either way.
		if err := r.pipeline.Advance(&d, store.StatusDeploying, ""); err != nil {
			log.Info("webhook SUCCESS was a no-op", zap.Error(err))
			metrics.RecordWebhookEvent("success_noop")
		} else {
			metrics.RecordWebhookEvent("success")
		}
	case kind.IsTerminalFailure():
		msg := fmt.Sprintf("build executor reported %s", event.Status)
		r.pipeline.Fail(&d, msg)
		metrics.RecordWebhookEvent("failure")
	default:
		// PENDING/QUEUED/WORKING carry no state transition of their own.
		metrics.RecordWebhookEvent("pending")
	}
}
