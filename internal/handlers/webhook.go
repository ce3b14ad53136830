package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/payments"
	"apex-control-plane/internal/quota"
	"apex-control-plane/internal/store"
	webhookreconciler "apex-control-plane/internal/webhook"
	"go.uber.org/zap"
)

// WebhookHandler covers /webhook/cloudbuild (the Webhook Reconciler, C8)
// and /webhook/billing (tier-change events from the billing provider).
// Both endpoints always ack 2xx once the envelope itself parses, per
// spec §7's "webhook handler always acks after processing".
type WebhookHandler struct {
	db      *gorm.DB
	builds  *webhookreconciler.Reconciler
	stripe  *payments.StripeService
	quota   *quota.Scheduler
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(db *gorm.DB, builds *webhookreconciler.Reconciler, stripe *payments.StripeService, quotaScheduler *quota.Scheduler) *WebhookHandler {
	return &WebhookHandler{db: db, builds: builds, stripe: stripe, quota: quotaScheduler}
}

// Cloudbuild consumes a build-lifecycle push envelope.
// POST /api/v1/webhook/cloudbuild
func (h *WebhookHandler) Cloudbuild(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "unreadable request body")
		return
	}

	buildID, status, err := h.builds.HandleEnvelope(body)
	if err != nil {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "malformed webhook envelope")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "build_id": buildID, "status": status})
}

// Billing consumes a signed Stripe event and applies the tier transition
// it carries to the owning user, bumping quota on an upgrade or add-on
// pack purchase (spec §4.7's "removes TTL on upgrade").
// POST /api/v1/webhook/billing
func (h *WebhookHandler) Billing(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "unreadable request body")
		return
	}

	event, err := h.stripe.HandleWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrUnhandledEvent) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		apiError(c, http.StatusBadRequest, "WEBHOOK_SIGNATURE_INVALID", "webhook signature verification failed")
		return
	}

	if err := h.applyTierEvent(c.Request.Context(), event); err != nil {
		logging.L().Error("billing webhook: failed to apply tier event", zap.String("type", event.Type), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) applyTierEvent(ctx context.Context, event *payments.TierEvent) error {
	var u store.User
	if err := h.db.Where("billing_customer_id = ?", event.CustomerID).First(&u).Error; err != nil {
		return err
	}

	if event.IsAddOnPack {
		return h.db.Model(&u).Update("add_on_packs", gorm.Expr("add_on_packs + 1")).Error
	}

	wasFreeOrInactive := u.EffectiveTier() == store.TierFree
	updates := map[string]interface{}{
		"tier_status":             event.TierStatus,
		"billing_subscription_id": event.SubscriptionID,
	}
	if event.Tier != "" {
		updates["tier"] = event.Tier
	}
	if err := h.db.Model(&u).Updates(updates).Error; err != nil {
		return err
	}

	u.Tier = event.Tier
	u.TierStatus = event.TierStatus
	if wasFreeOrInactive && u.EffectiveTier() == store.TierPro {
		return h.quota.OnUpgrade(ctx, u.ID)
	}
	return nil
}
