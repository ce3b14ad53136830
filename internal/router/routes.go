package router

import (
	"github.com/gin-gonic/gin"

	"apex-control-plane/internal/auth"
	"apex-control-plane/internal/handlers"
	"apex-control-plane/internal/middleware"
	"apex-control-plane/internal/routing"
)

// Handlers bundles the handler instances the API engine dispatches to.
type Handlers struct {
	Deploy   *handlers.DeployHandler
	Subdomain *handlers.SubdomainHandler
	Webhook  *handlers.WebhookHandler
	Auth     *handlers.AuthHandler
	Health   *handlers.HealthHandler
}

// NewAPIEngine builds the gin engine for the API host group: global
// middleware, then one route group per spec §6 endpoint, each wrapped
// with its auth class and rate-limit class.
func NewAPIEngine(h *Handlers, sessions *auth.SessionManager, limiter *routing.Ledger, cors middleware.CORSConfig) *gin.Engine {
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		middleware.CORS(cors),
		middleware.SecurityHeaders(),
	)

	engine.GET("/health", h.Health.Health)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/prepare",
			middleware.RequireSession(sessions),
			middleware.RateLimit(limiter, routing.ClassPrepare),
			h.Deploy.Prepare)

		v1.PUT("/upload/:deployment_id",
			middleware.RateLimit(limiter, routing.ClassUpload),
			h.Deploy.Upload)

		v1.POST("/deploy",
			middleware.RequireSession(sessions),
			middleware.RateLimit(limiter, routing.ClassDeploy),
			h.Deploy.Deploy)

		v1.GET("/status/:deployment_id",
			middleware.RateLimit(limiter, routing.ClassStatus),
			h.Deploy.Status)

		v1.GET("/subdomain/check/:label",
			middleware.RateLimit(limiter, routing.ClassSubdomain),
			h.Subdomain.Check)

		v1.POST("/subdomain/release/:label",
			middleware.RequireSession(sessions),
			middleware.RateLimit(limiter, routing.ClassSubdomain),
			h.Subdomain.Release)

		v1.POST("/webhook/cloudbuild", h.Webhook.Cloudbuild)
		v1.POST("/webhook/billing", h.Webhook.Billing)

		v1.GET("/deployments",
			middleware.RequireSession(sessions),
			h.Deploy.ListDeployments)

		v1.DELETE("/deployments/:id",
			middleware.RequireSession(sessions),
			h.Deploy.DeleteDeployment)

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireSession(sessions), middleware.RequireSuperAdmin())
		{
			admin.GET("/deployments", h.Deploy.AdminListDeployments)
			admin.DELETE("/deployments/:id", h.Deploy.AdminDeleteDeployment)
		}

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", middleware.RateLimit(limiter, routing.ClassAuth), h.Auth.Login)
			authGroup.GET("/callback", middleware.RateLimit(limiter, routing.ClassAuth), h.Auth.Callback)
			authGroup.GET("/me", middleware.RequireSession(sessions), h.Auth.Me)
			authGroup.POST("/logout", middleware.RequireSession(sessions), h.Auth.Logout)
		}
	}

	return engine
}
