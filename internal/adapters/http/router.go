package http

import (
	"context"

	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/capture"
	"github.com/dkeye/voiceroom/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller is the UI-facing side of the room.
type Controller interface {
	Status() app.Status
	Analysis() capture.Snapshot
	StartCapture(ctx context.Context) error
	StopCapture() error
	ToggleCapture(ctx context.Context) (bool, error)
	Leave() error
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// SetupRouter exposes the room on a local control API.
func SetupRouter(cfg *config.Config, ctl Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	h := &handlers{ctl: ctl}
	api := r.Group("/api")
	api.GET("/status", h.status)
	api.GET("/analysis", h.analysis)
	api.POST("/capture/toggle", h.toggleCapture)
	api.POST("/capture/start", h.startCapture)
	api.POST("/capture/stop", h.stopCapture)
	api.POST("/leave", h.leave)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
