package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kvasirlabs/beacon/pkg/auth"
)

// FeedTokenHeader authenticates the external alert feed webhook.
const FeedTokenHeader = "X-Feed-Token"

// NewRouter wires the HTTP surface. feedSecret guards the alert webhook;
// everything under /v1 except registration requires a device token.
func NewRouter(h *Handler, signer *auth.Signer, feedSecret string, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", h.Health)

	v1 := router.Group("/v1")
	v1.POST("/register", h.Register)
	v1.POST("/token", h.ReissueToken)
	v1.POST("/alerts", feedAuth(feedSecret), h.IngestAlert)

	device := v1.Group("", auth.Middleware(signer))
	device.POST("/location", h.UpdateLocation)
	device.POST("/sos/trigger", h.TriggerSOS)
	device.POST("/sos/cancel", h.CancelSOS)
	device.GET("/sos", h.SOSStatus)
	device.GET("/alerts", h.ListAlerts)

	return router
}

// requestLogger logs one line per request in the service's structured
// format.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// feedAuth checks the shared-secret header the alert feed sends.
func feedAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(FeedTokenHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid feed token"})
			return
		}
		c.Next()
	}
}
