package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"apex-control-plane/internal/archive"
	"apex-control-plane/internal/db"
)

// HealthHandler reports the reachability of each storage dependency the
// Control-Plane Router sits on top of (spec §6's health endpoint).
type HealthHandler struct {
	database *db.Database
	redis    *db.RedisClient
	archive  *archive.Store
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(database *db.Database, redis *db.RedisClient, archiveStore *archive.Store) *HealthHandler {
	return &HealthHandler{database: database, redis: redis, archive: archiveStore}
}

// Health reports per-dependency status. It always returns 200 so load
// balancers can distinguish "process is up" from "dependency is down" by
// reading the body rather than the status code; callers needing a hard
// readiness gate should check checks.relational directly.
// GET /api/v1/health
func (h *HealthHandler) Health(c *gin.Context) {
	checks := gin.H{}

	if err := h.database.Health(); err != nil {
		checks["relational"] = "down"
	} else {
		checks["relational"] = "ok"
	}

	if err := h.redis.Ping(c.Request.Context()); err != nil {
		checks["routing"] = "down"
	} else {
		checks["routing"] = "ok"
	}

	if err := h.archive.Probe(c.Request.Context()); err != nil {
		checks["archive"] = "down"
	} else {
		checks["archive"] = "ok"
	}

	status := "healthy"
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}
