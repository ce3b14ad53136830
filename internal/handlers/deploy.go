package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"apex-control-plane/internal/archive"
	"apex-control-plane/internal/middleware"
	"apex-control-plane/internal/orchestrator"
	"apex-control-plane/internal/quota"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
	"apex-control-plane/internal/subdomain"
	"apex-control-plane/internal/vault"
)

// DeployHandler covers /prepare, /upload, /deploy, /status, and the
// owner/admin deployment listing and deletion endpoints — the core
// lifecycle surface of the Control-Plane Router (C13), dispatching into
// the Archive Store Adapter (C2), the Subdomain Ledger (C11), the Build
// Orchestrator (C7), the Status Reconciler (C9), and the Quota & TTL
// Scheduler (C12).
type DeployHandler struct {
	db         *gorm.DB
	archive    *archive.Store
	vault      *vault.Vault
	routing    *routing.Ledger
	subdomains *subdomain.Ledger
	pipeline   *orchestrator.Pipeline
	reconciler *orchestrator.Reconciler
	quota      *quota.Scheduler
}

// NewDeployHandler constructs a DeployHandler.
func NewDeployHandler(db *gorm.DB, archiveStore *archive.Store, v *vault.Vault, routingLedger *routing.Ledger, subdomains *subdomain.Ledger, pipeline *orchestrator.Pipeline, reconciler *orchestrator.Reconciler, quotaScheduler *quota.Scheduler) *DeployHandler {
	return &DeployHandler{
		db:         db,
		archive:    archiveStore,
		vault:      v,
		routing:    routingLedger,
		subdomains: subdomains,
		pipeline:   pipeline,
		reconciler: reconciler,
		quota:      quotaScheduler,
	}
}

type prepareRequest struct {
	Filename string `json:"filename"`
}

// Prepare issues an upload capability for a freshly minted deployment id.
// POST /api/v1/prepare
func (h *DeployHandler) Prepare(c *gin.Context) {
	var req prepareRequest
	_ = c.ShouldBindJSON(&req)
	if req.Filename == "" {
		req.Filename = "source.zip"
	}

	deploymentID := uuid.NewString()

	uploadURL, _, expiresAt, err := h.archive.IssueCapability(c.Request.Context(), deploymentID, req.Filename)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "CAPABILITY_ISSUE_FAILED", "failed to issue upload capability")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deployment_id": deploymentID,
		"upload_url":    uploadURL,
		"expires_at":    expiresAt,
	})
}

// Upload accepts archive bytes for a deployment, authenticated by the
// capability token minted in Prepare (spec §6's "Upload token format").
// PUT /api/v1/upload/:deployment_id?token=...
func (h *DeployHandler) Upload(c *gin.Context) {
	deploymentID := c.Param("deployment_id")
	token := c.Query("token")
	if token == "" {
		apiError(c, http.StatusUnauthorized, "TOKEN_MISSING", "upload token required")
		return
	}

	if err := h.archive.ValidateToken(token, deploymentID); err != nil {
		switch {
		case errors.Is(err, archive.ErrTokenExpired):
			apiError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "upload token expired")
		default:
			apiError(c, http.StatusUnauthorized, "TOKEN_INVALID", "upload token invalid")
		}
		return
	}

	if err := h.archive.Accept(c.Request.Context(), deploymentID, c.Request.Body); err != nil {
		apiError(c, http.StatusInternalServerError, "UPLOAD_FAILED", "failed to accept upload")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "deployment_id": deploymentID})
}

type deployRequest struct {
	DeploymentID string `json:"deployment_id" binding:"required"`
	Subdomain    string `json:"subdomain" binding:"required"`
	SecretKey    string `json:"secret_key" binding:"required"`
	Framework    string `json:"framework"`
}

// Deploy begins orchestration for an uploaded archive: claims the
// subdomain, checks quota, creates the deployment row and routing
// record, then launches the pipeline asynchronously.
// POST /api/v1/deploy
func (h *DeployHandler) Deploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	if err := vault.ValidateKey(req.SecretKey); err != nil {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "secret key fails length/character validation")
		return
	}

	label, err := subdomain.Normalize(req.Subdomain)
	if err != nil {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "invalid subdomain label")
		return
	}

	userID, _ := middleware.GetUserID(c)

	var owner *store.User
	if userID != 0 {
		var u store.User
		if err := h.db.First(&u, userID).Error; err != nil {
			apiError(c, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
			return
		}
		owner = &u
	}

	if err := h.quota.CheckQuota(c.Request.Context(), userID); err != nil {
		apiError(c, http.StatusConflict, "QUOTA_EXCEEDED", "deployment quota exceeded")
		return
	}

	ctx := c.Request.Context()
	if err := h.subdomains.Claim(ctx, label, req.DeploymentID); err != nil {
		switch {
		case errors.Is(err, subdomain.ErrReserved), errors.Is(err, subdomain.ErrInvalidLabel):
			apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		case errors.Is(err, subdomain.ErrInUse):
			apiError(c, http.StatusConflict, "SUBDOMAIN_TAKEN", err.Error())
		case errors.Is(err, subdomain.ErrClaimRaceExceeded):
			apiError(c, http.StatusConflict, "SUBDOMAIN_CONTENDED", err.Error())
		default:
			apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "subdomain claim failed")
		}
		return
	}

	d := &store.Deployment{
		ID:        req.DeploymentID,
		UserID:    userID,
		Subdomain: label,
		Status:    store.StatusPending,
		ExpiresAt: quota.TTLFor(owner),
	}

	if err := h.db.Create(d).Error; err != nil {
		_, _ = h.routing.ReleaseSubdomain(ctx, label, d.ID)
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create deployment")
		return
	}
	if err := h.routing.Put(ctx, routing.FromDeployment(d)); err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to write routing record")
		return
	}

	// Run the build pipeline detached from the request context: the 202
	// has already been promised and must not be undone by a client
	// disconnect (spec §5's "Build submissions already accepted by the
	// executor are not rolled back").
	go h.pipeline.Run(context.WithoutCancel(ctx), d, req.SecretKey, req.Framework)

	c.JSON(http.StatusAccepted, gin.H{
		"deployment_id": d.ID,
		"subdomain":     d.Subdomain,
		"status":        d.Status,
		"message":       "deployment accepted",
	})
}

// Status reconciles on demand, then reports current deployment state
// (spec §4.3's C9 "on demand" poll-for-ground-truth role).
// GET /api/v1/status/:deployment_id
func (h *DeployHandler) Status(c *gin.Context) {
	id := c.Param("deployment_id")

	_ = h.reconciler.Reconcile(c.Request.Context(), id)

	var d store.Deployment
	if err := h.db.First(&d, "id = ?", id).Error; err != nil {
		apiError(c, http.StatusNotFound, "NOT_FOUND", "deployment not found")
		return
	}

	resp := gin.H{
		"deployment_id": d.ID,
		"subdomain":     d.Subdomain,
		"status":        d.Status,
		"created_at":    d.CreatedAt,
		"updated_at":    d.UpdatedAt,
	}
	if d.Origin != "" {
		resp["origin"] = d.Origin
	}
	if d.Error != "" {
		resp["error"] = d.Error
	}
	if d.BuildHandle != "" {
		resp["build_handle"] = d.BuildHandle
	}
	c.JSON(http.StatusOK, resp)
}

// ListDeployments returns the authenticated caller's own deployments.
// GET /api/v1/deployments
func (h *DeployHandler) ListDeployments(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var deployments []store.Deployment
	if err := h.db.Where("user_id = ?", userID).Order("created_at desc").Find(&deployments).Error; err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list deployments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments})
}

// DeleteDeployment tears down a deployment owned by the caller.
// DELETE /api/v1/deployments/:id
func (h *DeployHandler) DeleteDeployment(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	id := c.Param("id")

	var d store.Deployment
	if err := h.db.First(&d, "id = ?", id).Error; err != nil {
		apiError(c, http.StatusNotFound, "NOT_FOUND", "deployment not found")
		return
	}
	if !d.IsOwnedBy(userID) {
		apiError(c, http.StatusForbidden, "FORBIDDEN", "not the owner of this deployment")
		return
	}

	h.teardown(c, &d)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AdminListDeployments returns every deployment plus summary stats.
// GET /api/v1/admin/deployments
func (h *DeployHandler) AdminListDeployments(c *gin.Context) {
	var deployments []store.Deployment
	if err := h.db.Order("created_at desc").Find(&deployments).Error; err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list deployments")
		return
	}

	stats := map[store.DeploymentStatus]int{}
	for _, d := range deployments {
		stats[d.Status]++
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments, "stats": stats})
}

// AdminDeleteDeployment tears down any deployment regardless of owner.
// DELETE /api/v1/admin/deployments/:id
func (h *DeployHandler) AdminDeleteDeployment(c *gin.Context) {
	id := c.Param("id")

	var d store.Deployment
	if err := h.db.First(&d, "id = ?", id).Error; err != nil {
		apiError(c, http.StatusNotFound, "NOT_FOUND", "deployment not found")
		return
	}

	h.teardown(c, &d)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// teardown removes every resource the deployment owns (spec §3's
// ownership chain): archive object, vault secret, routing records, and
// finally the relational row itself. Runtime teardown (the running
// container) is handled by the reaper path on TTL expiry; an explicit
// delete here just stops routing/billing for it going forward.
func (h *DeployHandler) teardown(c *gin.Context, d *store.Deployment) {
	ctx := c.Request.Context()
	_ = h.archive.Delete(ctx, d.ID)
	_ = h.vault.Destroy(d.ID)
	_ = h.routing.Delete(ctx, d.ID)
	if d.Subdomain != "" {
		_, _ = h.routing.ReleaseSubdomain(ctx, d.Subdomain, d.ID)
	}
	h.db.Delete(d)
}
