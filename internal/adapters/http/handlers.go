package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	ctl Controller
}

type CaptureResponse struct {
	Capturing bool `json:"capturing"`
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Status())
}

func (h *handlers) analysis(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Analysis())
}

func (h *handlers) toggleCapture(c *gin.Context) {
	on, err := h.ctl.ToggleCapture(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{Capturing: on})
}

func (h *handlers) startCapture(c *gin.Context) {
	if err := h.ctl.StartCapture(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{Capturing: true})
}

func (h *handlers) stopCapture(c *gin.Context) {
	if err := h.ctl.StopCapture(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{Capturing: false})
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.ctl.Leave(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrDeviceUnavailable):
		status, code = http.StatusConflict, "device_unavailable"
	case errors.Is(err, domain.ErrTransportUnsupported):
		status, code = http.StatusNotImplemented, "transport_unsupported"
	}
	log.Warn().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).
		Err(err).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
