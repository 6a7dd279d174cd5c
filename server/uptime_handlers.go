package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bcherng/fim-server/pkg/liveness"
	"github.com/bcherng/fim-server/pkg/store"
)

// handleUptimeHistory returns one UTC calendar day of a client's timeline:
// the UP/SUSPECT/DOWN intervals overlapping the day plus the integrity
// events recorded inside it. ?date=YYYY-MM-DD, defaulting to today.
func (s *Server) handleUptimeHistory(c *gin.Context) {
	clientID := c.Param("id")
	from, to, err := liveness.Day(c.Query("date"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "date must be YYYY-MM-DD", s.logger)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "client lookup failed", s.logger)
		}
		return
	}

	history, err := s.tracker.History(ctx, clientID, from, to)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load uptime history", s.logger)
		return
	}
	c.JSON(http.StatusOK, history)
}
