package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nadzzz/showrunner/internal/broadcast"
	"github.com/nadzzz/showrunner/internal/pipeline"
	"github.com/nadzzz/showrunner/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleGenerate starts a broadcast generation.
//
// @Summary     Generate a broadcast
// @Description Creates a generation session and runs the pipeline in the background.
// @Description Small requests that finish within the synchronous window return the result directly.
// @Tags        shows
// @Accept      json
// @Produce     json
// @Param       request  body      GenerateRequest   true  "Generation parameters"
// @Success     200      {object}  SyncResponse      "Finished within the synchronous window"
// @Success     202      {object}  AcceptedResponse  "Session accepted"
// @Failure     400      {object}  ErrorResponse     "Invalid request"
// @Failure     503      {object}  ErrorResponse     "Orchestrator overloaded"
// @Router      /api/v1/shows/generate [post]
func (s *Server) handleGenerate(c *gin.Context) {
	var body GenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	req, err := broadcast.NewRequest(body.Channel, body.Language, body.NewsCount, body.Speakers, s.cfg.Limits)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	sess, done, err := s.orch.Submit(ctx, req.Params())
	switch {
	case errors.Is(err, pipeline.ErrOverloaded),
		errors.Is(err, pipeline.ErrShuttingDown),
		errors.Is(err, session.ErrCapacity):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("submitting session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not start generation"})
		return
	}

	if s.cfg.SyncWindow > 0 && req.NewsCount <= s.cfg.SyncMaxNews {
		timer := time.NewTimer(s.cfg.SyncWindow)
		defer timer.Stop()
		select {
		case <-done:
			final, err := s.sessions.Get(ctx, sess.ID)
			if err == nil && final.Status == session.StatusSucceeded {
				c.JSON(http.StatusOK, SyncResponse{
					Status:    "success",
					SessionID: final.ID,
					Result:    newSessionView(final),
				})
				return
			}
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{SessionID: sess.ID, Status: "processing"})
}

// handleGet returns one session.
//
// @Summary     Get a session
// @Tags        shows
// @Produce     json
// @Param       session_id  path      string  true  "Session ID"
// @Success     200         {object}  SessionView
// @Failure     404         {object}  ErrorResponse
// @Router      /api/v1/shows/{session_id} [get]
func (s *Server) handleGet(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(sess))
}

// handleList returns session summaries, newest first.
//
// @Summary     List sessions
// @Tags        shows
// @Produce     json
// @Param       status   query     string  false  "Filter by status"
// @Param       channel  query     string  false  "Filter by channel"
// @Param       limit    query     int     false  "Maximum results"  default(50)
// @Success     200      {object}  ListResponse
// @Failure     400      {object}  ErrorResponse
// @Router      /api/v1/shows [get]
func (s *Server) handleList(c *gin.Context) {
	filter := session.Filter{
		Status:  session.Status(c.Query("status")),
		Channel: c.Query("channel"),
		Limit:   defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown status " + strconv.Quote(string(filter.Status))})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	sums, err := s.sessions.List(c.Request.Context(), filter)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if sums == nil {
		sums = []session.Summary{}
	}
	c.JSON(http.StatusOK, ListResponse{Sessions: sums, Count: len(sums)})
}

// handleCancel requests cancellation of a running session.
//
// @Summary     Cancel a session
// @Description The pipeline stops at the next stage boundary and the session fails with kind Cancelled.
// @Tags        shows
// @Produce     json
// @Param       session_id  path      string  true  "Session ID"
// @Success     202         {object}  CancelResponse
// @Failure     404         {object}  ErrorResponse
// @Failure     409         {object}  ErrorResponse  "Session already finished"
// @Router      /api/v1/shows/{session_id}/cancel [post]
func (s *Server) handleCancel(c *gin.Context) {
	sess, err := s.orch.Cancel(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CancelResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		CancelRequested: sess.CancelRequested,
	})
}

// handleLiveness answers as long as the process serves HTTP.
//
// @Summary     Liveness
// @Tags        health
// @Produce     json
// @Success     200  {object}  HealthResponse
// @Router      /healthz [get]
func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleHealth reports overall readiness.
//
// @Summary     Readiness
// @Description Healthy only while every mandatory downstream service is healthy.
// @Tags        health
// @Produce     json
// @Success     200  {object}  HealthResponse
// @Failure     503  {object}  HealthResponse
// @Router      /health [get]
func (s *Server) handleHealth(c *gin.Context) {
	ready, failing := s.health.Readiness()
	if !ready {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Failing: failing})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}

// handleServices returns the cached health of every downstream service.
//
// @Summary     Downstream service status
// @Tags        health
// @Produce     json
// @Success     200  {object}  ServicesResponse
// @Router      /services/status [get]
func (s *Server) handleServices(c *gin.Context) {
	ready, _ := s.health.Readiness()
	c.JSON(http.StatusOK, ServicesResponse{Ready: ready, Services: s.health.Snapshot()})
}

func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
	case errors.Is(err, session.ErrConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "session already finished"})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("session store error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "session store error"})
	}
}
