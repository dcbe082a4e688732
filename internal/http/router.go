package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/http/handler"
	httpmiddleware "github.com/jx4life/postbridge/internal/http/middleware"
	"github.com/jx4life/postbridge/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
//
// Two route groups with different auth requirements: /api carries the
// session JWT, while /connect/:platform/callback must stay public because
// platforms redirect browsers to it directly.
func NewRouter(cfg config.Config, connect *handler.ConnectHandler, auth *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/connect/:platform/callback", connect.Callback)

	api := r.Group("/api", auth.ValidateJWT)
	{
		api.GET("/connect/:platform/start", connect.Start)
		api.POST("/connect/:platform/complete", connect.Complete)
		api.POST("/connect/farcaster/signer", connect.StartSigner)
		api.POST("/connect/tiktok/qr", connect.StartQR)

		api.GET("/connect/:platform/session", connect.Session)
		api.DELETE("/connect/:platform/session", connect.CancelSession)

		api.GET("/connect/:platform/status", connect.Status)
		api.DELETE("/connect/:platform", connect.Disconnect)
	}

	return r
}
