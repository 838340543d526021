package server

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sreenathmmenon/EngineIQ/internal/store"
)

// GapView is the wire shape of one knowledge gap.
type GapView struct {
	Key             string    `json:"key"`
	Pattern         string    `json:"pattern"`
	Occurrences     int       `json:"occurrences"`
	DistinctUsers   int       `json:"distinct_users"`
	AvgQuality      float64   `json:"avg_quality"`
	Priority        string    `json:"priority"`
	Status          string    `json:"status"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	SuggestedOwner  string    `json:"suggested_owner,omitempty"`
	RelatedDocs     []string  `json:"related_docs,omitempty"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

func gapView(g store.GapRecord) GapView {
	return GapView{
		Key:             g.Key,
		Pattern:         g.Pattern,
		Occurrences:     g.Occurrences,
		DistinctUsers:   len(g.Users),
		AvgQuality:      g.AvgQuality,
		Priority:        g.Priority,
		Status:          g.Status,
		SuggestedAction: g.SuggestedAction,
		SuggestedOwner:  g.SuggestedOwner,
		RelatedDocs:     g.RelatedDocs,
		FirstDetectedAt: g.FirstDetectedAt,
		LastSeenAt:      g.LastSeenAt,
	}
}

var gapStatuses = map[string]struct{}{
	store.GapStatusDetected:   {},
	store.GapStatusApproved:   {},
	store.GapStatusInProgress: {},
	store.GapStatusResolved:   {},
}

// ListGaps
//
//	@Summary	List knowledge gaps
//	@Tags		gaps
//	@Produce	json
//	@Param		status		query		string	false	"Filter by status"
//	@Param		priority	query		string	false	"Filter by priority"
//	@Success	200			{array}		GapView
//	@Failure	500			{object}	HTTPError
//	@Router		/api/gaps [get]
func (s *Server) listGaps(c echo.Context) error {
	gaps, err := s.Gaps.ListGaps(c.Request().Context(), c.QueryParam("status"), c.QueryParam("priority"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]GapView, 0, len(gaps))
	for _, g := range gaps {
		views = append(views, gapView(g))
	}
	return c.JSON(http.StatusOK, views)
}

// UpdateGapStatus
//
//	@Summary		Move a gap through its lifecycle
//	@Description	detected -> approved -> in_progress -> resolved
//	@Tags			gaps
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string					true	"Gap key"
//	@Param			payload	body		UpdateGapStatusRequest	true	"Status payload"
//	@Success		204		{string}	string					"No Content"
//	@Failure		400		{object}	HTTPError
//	@Failure		404		{object}	HTTPError
//	@Router			/api/gaps/{key}/status [put]
func (s *Server) updateGapStatus(c echo.Context) error {
	var req UpdateGapStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, ok := gapStatuses[req.Status]; !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+req.Status)
	}
	if err := s.Gaps.UpdateGapStatus(c.Request().Context(), c.Param("key"), req.Status, req.Owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "gap not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
