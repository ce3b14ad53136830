// Package handlers implements the HTTP surface of the Control-Plane
// Router (C13): one handler type per spec §6 endpoint group, each a thin
// adapter between gin and the already-built service packages. Grounded
// on the teacher's internal/handlers package shape (one struct per
// resource, a constructor taking its dependencies, and one method per
// endpoint).
package handlers

import (
	"github.com/gin-gonic/gin"
)

// apiError writes spec §7's error envelope: {error:{code,message}}.
func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
