package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-course-purchase/internal/apperr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the cross-cutting settings of the HTTP surface.
type RouterConfig struct {
	AllowedOrigins []string
	Log            *slog.Logger
}

// NewRouter builds the gin engine with middleware, operational endpoints and the
// purchase routes.
func NewRouter(rc RouterConfig, hc HandlerConfig) *gin.Engine {
	if hc.Log == nil {
		hc.Log = rc.Log
	}

	r := gin.New()
	r.Use(
		RequestID(),
		Logger(rc.Log),
		ErrorHandler(rc.Log),
		Recovery(rc.Log),
		cors.New(cors.Config{
			AllowOrigins:     rc.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", hc.CallerHeader, HeaderRequestID},
			ExposeHeaders:    []string{HeaderRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
	)

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterPurchaseRoutes(r, hc)

	r.NoRoute(func(c *gin.Context) {
		Fail(c, apperr.NotFoundErr("route not found"))
	})
	return r
}
