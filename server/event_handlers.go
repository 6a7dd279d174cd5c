package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bcherng/fim-server/pkg/attest"
	"github.com/bcherng/fim-server/pkg/store"
)

type reportRequest struct {
	ClientEventID string    `json:"client_event_id"`
	EventType     string    `json:"event_type"`
	FilePath      string    `json:"file_path"`
	OldHash       string    `json:"old_hash"`
	NewHash       string    `json:"new_hash"`
	RootHash      string    `json:"root_hash"`
	LastValidHash string    `json:"last_valid_hash"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleReportEvent(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.EventType == "" {
		respondError(c, http.StatusBadRequest, "event_type is required", s.logger)
		return
	}
	if req.ClientEventID != "" {
		if _, err := uuid.Parse(req.ClientEventID); err != nil {
			respondError(c, http.StatusBadRequest, "client_event_id must be a valid UUID", s.logger)
			return
		}
	}

	result, err := s.handshake.Report(c.Request.Context(), daemon(c).ClientID, attest.Report{
		ClientEventID: req.ClientEventID,
		EventType:     req.EventType,
		FilePath:      req.FilePath,
		OldHash:       req.OldHash,
		NewHash:       req.NewHash,
		RootHash:      req.RootHash,
		LastValidHash: req.LastValidHash,
		Timestamp:     req.Timestamp,
	})
	if err != nil {
		var mismatch *attest.MismatchError
		switch {
		case errors.As(err, &mismatch):
			c.JSON(http.StatusBadRequest, gin.H{
				"status":        "error",
				"error":         "last valid hash does not match server state",
				"expected_hash": mismatch.Expected,
				"received_hash": mismatch.Received,
				"request_id":    requestID(c),
			})
		case errors.Is(err, attest.ErrUnknownClient):
			respondError(c, http.StatusUnauthorized, "unknown client", s.logger)
		default:
			respondError(c, http.StatusInternalServerError, "failed to stage event", s.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"event_id":  result.EventID,
		"duplicate": result.Duplicate,
		"untracked": result.Untracked,
	})
}

type acknowledgeRequest struct {
	EventID uint `json:"event_id"`
}

func (s *Server) handleAcknowledgeEvent(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.EventID == 0 {
		respondError(c, http.StatusBadRequest, "event_id is required", s.logger)
		return
	}

	result, err := s.handshake.Acknowledge(c.Request.Context(), daemon(c).ClientID, req.EventID)
	if err != nil {
		if errors.Is(err, attest.ErrUnknownEvent) {
			respondError(c, http.StatusNotFound, "event not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to acknowledge event", s.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":               "success",
		"event_id":             req.EventID,
		"root_hash":            result.RootHash,
		"already_acknowledged": result.AlreadyAcknowledged,
	})
}

func (s *Server) handleListEvents(c *gin.Context) {
	query := store.EventQuery{
		UnreviewedOnly: c.Query("unreviewed_only") == "true",
		Ascending:      c.Query("sort") == "asc",
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer", s.logger)
			return
		}
		query.Limit = limit
	}

	events, err := s.store.ListEvents(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list events", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleReviewEvent marks one event reviewed; when the client has no
// unreviewed events left its integrity status flips back to clean.
func (s *Server) handleReviewEvent(c *gin.Context) {
	eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "event id must be numeric", s.logger)
		return
	}

	var req struct {
		ReviewedBy string `json:"reviewed_by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	ctx := c.Request.Context()
	event, err := s.store.ReviewEvent(ctx, uint(eventID), req.ReviewedBy, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "event not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to review event", s.logger)
		}
		return
	}

	remaining, err := s.store.CountUnreviewedEvents(ctx, event.ClientID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to count events", s.logger)
		return
	}
	if remaining == 0 {
		if err := s.store.SetClientIntegrityStatus(ctx, event.ClientID, store.IntegrityClean); err != nil {
			lg := requestLogger(c, s.logger)
			lg.Error().Err(err).Msg("Failed to reset integrity status")
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "unreviewed_remaining": remaining})
}
