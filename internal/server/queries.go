package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sreenathmmenon/EngineIQ/internal/runtime"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// SubmitQuery
//
//	@Summary		Submit a query
//	@Description	Runs a natural-language query until it answers or suspends for approval
//	@Tags			queries
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		SubmitQueryRequest	true	"Query payload"
//	@Success		200		{object}	SessionView
//	@Failure		400		{object}	HTTPError
//	@Router			/api/queries [post]
func (s *Server) submitQuery(c echo.Context) error {
	var req SubmitQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	requester, ok := runtime.RequesterFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	sess, err := s.Queries.Submit(c.Request().Context(), req.Query, requester)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessionView(sess))
}

// GetSession
//
//	@Summary	Session status
//	@Tags		queries
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	SessionView
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id} [get]
func (s *Server) getSession(c echo.Context) error {
	sess, err := s.Queries.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessionView(sess))
}

// ResumeSession
//
//	@Summary		Resolve a permission approval
//	@Description	Applies an approve or reject decision to a suspended session
//	@Tags			queries
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Session ID"
//	@Param			payload	body		ResumeRequest	true	"Decision payload"
//	@Success		200		{object}	SessionView
//	@Failure		400		{object}	HTTPError
//	@Failure		404		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Router			/api/sessions/{id}/resume [post]
func (s *Server) resumeSession(c echo.Context) error {
	return s.resume(c, s.Queries.Resume)
}

// ResumeGapTriage
//
//	@Summary	Resolve a gap triage approval
//	@Tags		queries
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Session ID"
//	@Param		payload	body		ResumeRequest	true	"Decision payload"
//	@Success	200		{object}	SessionView
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/sessions/{id}/gap-resume [post]
func (s *Server) resumeGapTriage(c echo.Context) error {
	return s.resume(c, s.Queries.ResumeGap)
}

type resumeFunc func(ctx context.Context, id, decision, resolverID string) (*session.Session, error)

func (s *Server) resume(c echo.Context, fn resumeFunc) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Decision != session.ApprovalApproved && req.Decision != session.ApprovalRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approved or rejected")
	}
	requester, ok := runtime.RequesterFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	sess, err := fn(c.Request().Context(), c.Param("id"), req.Decision, requester.UserID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrAlreadyTerminal), errors.Is(err, session.ErrNoOpenApproval):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, sessionView(sess))
}
