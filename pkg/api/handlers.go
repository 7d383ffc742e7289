package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
)

// DeployRequest is the body of POST /v1/units.
type DeployRequest struct {
	Kind          string `json:"kind" binding:"required"`
	TargetAddress string `json:"target_address,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
	Version  uint64 `json:"version"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Class   string                 `json:"class"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.backend.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "starting"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Degraded: snap.Degraded,
		Version:  snap.Version,
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap := s.backend.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Class:   string(engine.ErrorClassUnavailable),
			Message: "no snapshot yet",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDeploy(c *gin.Context) {
	var req DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, engine.NewValidationError("invalid deploy request", err).
			WithCode(engine.ErrCodeValidation))
		return
	}
	kind, err := engine.ParseUnitKind(req.Kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.submit(c, engine.DeployIntent(kind, req.TargetAddress))
}

func (s *Server) handleDelete(c *gin.Context) {
	s.submit(c, engine.DeleteIntent(c.Param("id")))
}

func (s *Server) submit(c *gin.Context, intent engine.Intent) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SubmitTimeout)
	defer cancel()

	ack, err := s.backend.Submit(ctx, intent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if ack.Status == engine.AckSkipped {
		status = http.StatusOK
	}
	c.JSON(status, ack)
}

// writeError maps an error class to an HTTP status.
func (s *Server) writeError(c *gin.Context, err error) {
	resp := ErrorResponse{
		Class:   string(engine.ClassOf(err)),
		Code:    engine.CodeOf(err),
		Message: err.Error(),
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Message = ee.Message
		resp.Details = ee.Details
	}

	status := statusFor(err)
	if resp.Class == "" {
		resp.Class = "internal"
		if status == http.StatusGatewayTimeout {
			resp.Class = string(engine.ErrorClassTimeout)
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Warn("intent failed")
	}
	if s.metrics != nil {
		s.metrics.RecordError(resp.Class, resp.Code)
	}
	c.JSON(status, resp)
}

func statusFor(err error) int {
	switch engine.CodeOf(err) {
	case engine.ErrCodeUnitNotFound:
		return http.StatusNotFound
	case engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case engine.ErrCodeInsufficientCredit:
		return http.StatusConflict
	}
	switch engine.ClassOf(err) {
	case engine.ErrorClassValidation:
		return http.StatusBadRequest
	case engine.ErrorClassUnavailable, engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	case engine.ErrorClassTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// handleStream pushes every new snapshot version to a websocket client.
// Versions published between two checks are coalesced.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reader: discard client frames and notice the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	var sent uint64
	first := true
	for {
		if snap := s.backend.Snapshot(); snap != nil && (first || snap.Version != sent) {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				s.log.WithError(err).Debug("stream client gone")
				return
			}
			sent = snap.Version
			first = false
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
