package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sreenathmmenon/EngineIQ/internal/expertise"
)

// ListExperts
//
//	@Summary	Rank experts for a topic
//	@Tags		experts
//	@Produce	json
//	@Param		topic	query		string	true	"Topic label"
//	@Param		limit	query		int		false	"Maximum experts to return (default 10)"
//	@Success	200		{array}		expertise.Expert
//	@Failure	400		{object}	HTTPError
//	@Router		/api/experts [get]
func (s *Server) listExperts(c echo.Context) error {
	topic := strings.TrimSpace(c.QueryParam("topic"))
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	experts, err := s.Experts.RankExperts(c.Request().Context(), topic, limit, time.Now().UTC())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if experts == nil {
		experts = []expertise.Expert{}
	}
	return c.JSON(http.StatusOK, experts)
}

// RecordContribution
//
//	@Summary		Record a contribution event
//	@Description	Connectors push content-contribution evidence here to feed expert rankings
//	@Tags			experts
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ContributionRequest	true	"Contribution payload"
//	@Success		201		{object}	map[string]interface{}
//	@Failure		400		{object}	HTTPError
//	@Router			/api/contributions [post]
func (s *Server) recordContribution(c echo.Context) error {
	var req ContributionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UserID == "" || req.Topic == "" || req.Source == "" || req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id, topic, source and action are required")
	}
	contribution := expertise.Contribution{
		UserID: req.UserID,
		Topic:  req.Topic,
		Source: req.Source,
		Action: req.Action,
		DocID:  req.DocID,
		Title:  req.Title,
		URL:    req.URL,
	}
	if req.At != nil {
		contribution.At = *req.At
	}
	evidence, err := s.Experts.Record(c.Request().Context(), contribution)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":    evidence.ID,
		"score": evidence.Score,
	})
}
