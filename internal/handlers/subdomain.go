package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"apex-control-plane/internal/middleware"
	"apex-control-plane/internal/store"
	"apex-control-plane/internal/subdomain"
)

// SubdomainHandler covers /subdomain/check and /subdomain/release, the
// public classification and the gated release protocol of the Subdomain
// Ledger (C11).
type SubdomainHandler struct {
	ledger *subdomain.Ledger
}

// NewSubdomainHandler constructs a SubdomainHandler.
func NewSubdomainHandler(ledger *subdomain.Ledger) *SubdomainHandler {
	return &SubdomainHandler{ledger: ledger}
}

// Check reports a label's claim classification and whether a third party
// could release it right now.
// GET /api/v1/subdomain/check/:label
func (h *SubdomainHandler) Check(c *gin.Context) {
	raw := c.Param("label")

	label, err := subdomain.Normalize(raw)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"label":     raw,
			"available": false,
			"reason":    "invalid",
			"message":   "label fails validation",
		})
		return
	}

	if store.IsReserved(label) {
		c.JSON(http.StatusOK, gin.H{
			"label":     label,
			"available": false,
			"reason":    "reserved",
			"message":   "label is reserved",
		})
		return
	}

	class, _, err := h.ledger.Classify(c.Request.Context(), label)
	if err != nil {
		apiError(c, http.StatusServiceUnavailable, "LOOKUP_FAILED", "routing store unavailable")
		return
	}

	switch class {
	case subdomain.ClassAvailable:
		c.JSON(http.StatusOK, gin.H{
			"label":     label,
			"available": true,
			"message":   "available",
		})
	case subdomain.ClassStaleFailed:
		c.JSON(http.StatusOK, gin.H{
			"label":       label,
			"available":   false,
			"reason":      "stale_failed",
			"can_release": true,
			"message":     "claimed by a stale or failed deployment, releasable",
		})
	default: // ClassInUse
		c.JSON(http.StatusOK, gin.H{
			"label":       label,
			"available":   false,
			"reason":      "in_use",
			"can_release": false,
			"message":     "claimed by an existing deployment",
		})
	}
}

// Release runs the owner or third-party release protocol against a
// label, depending on whether the caller owns the claiming deployment.
// POST /api/v1/subdomain/release/:label
func (h *SubdomainHandler) Release(c *gin.Context) {
	label := c.Param("label")
	userID, _ := middleware.GetUserID(c)

	err := h.ledger.ReleaseAsOwner(c.Request.Context(), label, userID)
	if errors.Is(err, subdomain.ErrNotOwner) {
		err = h.ledger.ReleaseAsThirdParty(c.Request.Context(), label, userID)
	}

	if err != nil {
		switch {
		case errors.Is(err, subdomain.ErrUnauthenticated):
			apiError(c, http.StatusUnauthorized, "AUTH_REQUIRED", err.Error())
		case errors.Is(err, subdomain.ErrNotOwner), errors.Is(err, subdomain.ErrNotReleasable):
			apiError(c, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, subdomain.ErrInvalidLabel):
			apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		default:
			apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "release failed")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "label": label, "message": "released"})
}
