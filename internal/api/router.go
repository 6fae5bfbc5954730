package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pwei1018/bcros-common-sub000/internal/auth"
)

// RouterConfig wires authentication into the route table.
type RouterConfig struct {
	Auth auth.Options
	// SenderRole may create, read and resend their own notifications.
	SenderRole string
	// AdminRole may additionally read anything and query stats.
	AdminRole string
	// ReleaseMode switches gin out of debug logging.
	ReleaseMode bool
}

// NewRouter builds the gin engine with the full route table.
func NewRouter(h *Handler, config RouterConfig, log logrus.FieldLogger) *gin.Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if config.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RequestID(), RequestLogger(log), Recovery(log))

	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)

	authed := router.Group("/notify")
	authed.Use(auth.Middleware(config.Auth))
	{
		sender := authed.Group("")
		sender.Use(auth.RequireRole(config.SenderRole, config.AdminRole))
		sender.POST("", h.Create)
		sender.GET("", h.List)
		sender.POST("/resend/:id", h.Resend)
		// Static /stats wins over :id in route matching.
		sender.GET("/:id", h.Get)

		admin := authed.Group("")
		admin.Use(auth.RequireRole(config.AdminRole))
		admin.GET("/stats", h.Stats)
	}

	return router
}
