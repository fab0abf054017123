package gateway

import (
	"time"

	"github.com/nadzzz/showrunner/internal/health"
	"github.com/nadzzz/showrunner/internal/session"
)

// GenerateRequest is the body of POST /api/v1/shows/generate.
type GenerateRequest struct {
	NewsCount int      `json:"news_count" binding:"required" example:"3"`
	Channel   string   `json:"channel" binding:"required" example:"zurich"`
	Language  string   `json:"language" binding:"required" example:"de"`
	Speakers  []string `json:"speakers,omitempty"`
}

// AcceptedResponse is returned when generation continues in the background.
type AcceptedResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status" example:"processing"`
}

// SyncResponse is returned when a small request finished within the
// synchronous window.
type SyncResponse struct {
	Status    string      `json:"status" example:"success"`
	SessionID string      `json:"session_id"`
	Result    SessionView `json:"result"`
}

// SessionView is the public projection of a session.
type SessionView struct {
	ID              string                 `json:"session_id"`
	Status          session.Status         `json:"status"`
	Params          session.Params         `json:"request_params"`
	Results         map[string]session.Ref `json:"stage_results"`
	Error           *ErrorView             `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func newSessionView(s *session.Session) SessionView {
	results := make(map[string]session.Ref, len(s.Results))
	for stage, ref := range s.Results {
		results[string(stage)] = ref
	}
	return SessionView{
		ID:              s.ID,
		Status:          s.Status,
		Params:          s.Params,
		Results:         results,
		Error:           newErrorView(s.Error),
		CancelRequested: s.CancelRequested,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// ErrorView is the failure recorded on a session. Retryable separates
// transient downstream trouble from permanent rejections.
type ErrorView struct {
	Stage     session.Status    `json:"stage"`
	Kind      session.ErrorKind `json:"kind"`
	Message   string            `json:"message,omitempty"`
	Retryable bool              `json:"retryable"`
}

func newErrorView(e *session.Error) *ErrorView {
	if e == nil {
		return nil
	}
	return &ErrorView{Stage: e.Stage, Kind: e.Kind, Message: e.Message, Retryable: e.Kind.Retryable()}
}

// ListResponse is returned by GET /api/v1/shows.
type ListResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

// CancelResponse is returned by POST /api/v1/shows/{session_id}/cancel.
type CancelResponse struct {
	SessionID       string         `json:"session_id"`
	Status          session.Status `json:"status"`
	CancelRequested bool           `json:"cancel_requested"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string   `json:"status" example:"healthy"`
	Failing []string `json:"failing,omitempty"`
}

// ServicesResponse is returned by GET /services/status.
type ServicesResponse struct {
	Ready    bool                            `json:"ready"`
	Services map[string]health.ServiceHealth `json:"services"`
}

// ErrorResponse is the body of every error status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamMessage is one WebSocket frame of the session event stream.
type StreamMessage struct {
	Type    string         `json:"type"`
	Session *SessionView   `json:"session,omitempty"`
	Event   *session.Event `json:"event,omitempty"`
}
