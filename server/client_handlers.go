package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/bcherng/fim-server/pkg/store"
)

type registerRequest struct {
	ClientID     string          `json:"client_id"`
	HardwareInfo json.RawMessage `json:"hardware_info"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.ClientID == "" {
		respondError(c, http.StatusBadRequest, "client_id is required", s.logger)
		return
	}
	if !s.limiter.Allow("register:"+req.ClientID, s.cfg.RateLimit.RegisterPerMinute, time.Minute) {
		respondError(c, http.StatusTooManyRequests, "registration rate limit exceeded", s.logger)
		return
	}

	ctx := c.Request.Context()
	hardware := parseHardwareInfo(req.HardwareInfo)
	client, err := s.store.UpsertClient(ctx, req.ClientID, hardware)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist client", s.logger)
		return
	}

	if err := s.store.InsertEvent(ctx, &store.Event{
		ClientID:  client.ClientID,
		EventType: store.EventRegistration,
		Reviewed:  true,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		lg := requestLogger(c, s.logger)
		lg.Error().Err(err).Msg("Failed to record registration event")
	}

	token, expiresIn, err := s.issueDaemonToken(client.ClientID, hardwareID(hardware, client.ClientID))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to issue token", s.logger)
		return
	}

	s.sink.Publish(ctx, client.ClientID, "client_registered")
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"client_id":  client.ClientID,
		"token":      token,
		"expires_in": expiresIn,
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "valid": true, "client_id": daemon(c).ClientID})
}

type heartbeatRequest struct {
	FileCount       int    `json:"file_count"`
	CurrentRootHash string `json:"current_root_hash"`
	BootID          string `json:"boot_id"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	clientID := daemon(c).ClientID
	if err := s.tracker.Heartbeat(c.Request.Context(), clientID, req.BootID, req.FileCount); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to process heartbeat", s.logger)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"validation": gin.H{
			"timestamp": time.Now().UTC(),
			"accepted":  true,
		},
	})
}

type baselineRequest struct {
	DirectoryPath string `json:"directory_path"`
	RootHash      string `json:"root_hash"`
	FileCount     int    `json:"file_count"`
}

// handleBaseline records a full directory baseline pushed by the daemon after
// its initial scan. Creation only: once a baseline exists its hash moves
// exclusively through the acknowledged attestation path.
func (s *Server) handleBaseline(c *gin.Context) {
	var req baselineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.DirectoryPath == "" || req.RootHash == "" {
		respondError(c, http.StatusBadRequest, "directory_path and root_hash are required", s.logger)
		return
	}

	clientID := daemon(c).ClientID
	err := s.store.EnsureMonitoredPath(c.Request.Context(), clientID, req.DirectoryPath, req.RootHash, req.FileCount, time.Now().UTC())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to save baseline", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "baseline saved"})
}

type recoveryRequest struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleReregister restores a deregistered machine. The old daemon token is
// not trusted for identity recovery; fresh admin credentials are mandatory.
func (s *Server) handleReregister(c *gin.Context) {
	var req recoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	ctx := c.Request.Context()
	if !s.verifyAdminCredentials(ctx, req.Username, req.Password) {
		respondError(c, http.StatusUnauthorized, "invalid admin credentials", s.logger)
		return
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found, register as a new machine", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "client lookup failed", s.logger)
		}
		return
	}

	now := time.Now().UTC()
	if err := s.store.SetClientStatus(ctx, client.ClientID, store.StatusOnline, now); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to restore client", s.logger)
		return
	}
	if err := s.store.InsertEvent(ctx, &store.Event{
		ClientID:  client.ClientID,
		EventType: store.EventReregister,
		Reviewed:  true,
		Timestamp: now,
	}); err != nil {
		lg := requestLogger(c, s.logger)
		lg.Error().Err(err).Msg("Failed to record reregister event")
	}

	token, expiresIn, err := s.issueDaemonToken(client.ClientID, hardwareID(client.HardwareInfo, client.ClientID))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to issue token", s.logger)
		return
	}

	s.sink.Publish(ctx, client.ClientID, "client_reregistered")
	c.JSON(http.StatusOK, gin.H{"status": "success", "token": token, "expires_in": expiresIn})
}

func (s *Server) handleUninstall(c *gin.Context) {
	var req recoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	ctx := c.Request.Context()
	if !s.verifyAdminCredentials(ctx, req.Username, req.Password) {
		respondError(c, http.StatusUnauthorized, "invalid admin credentials", s.logger)
		return
	}

	now := time.Now().UTC()
	if err := s.store.SetClientStatus(ctx, req.ClientID, store.StatusUninstalled, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to record uninstall", s.logger)
		}
		return
	}
	if err := s.store.InsertEvent(ctx, &store.Event{
		ClientID:  req.ClientID,
		EventType: store.EventUninstall,
		Reviewed:  true,
		Timestamp: now,
	}); err != nil {
		lg := requestLogger(c, s.logger)
		lg.Error().Err(err).Msg("Failed to record uninstall event")
	}

	s.sink.Publish(ctx, req.ClientID, "client_uninstalled")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "uninstall recorded"})
}

func (s *Server) handleListClients(c *gin.Context) {
	clients, err := s.store.ListClients(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list clients", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

func (s *Server) handleClientDetails(c *gin.Context) {
	ctx := c.Request.Context()
	client, err := s.store.GetClient(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "client lookup failed", s.logger)
		}
		return
	}
	unreviewed, err := s.store.CountUnreviewedEvents(ctx, client.ClientID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to count events", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": client, "unreviewed_events": unreviewed})
}

// handleDeregister soft-deletes: the row and its event history survive so the
// attestation chain stays auditable.
func (s *Server) handleDeregister(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := c.Param("id")
	now := time.Now().UTC()

	if err := s.store.SetClientStatus(ctx, clientID, store.StatusDeregistered, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to deregister client", s.logger)
		}
		return
	}
	if err := s.store.InsertEvent(ctx, &store.Event{
		ClientID:  clientID,
		EventType: store.EventDeregistration,
		Reviewed:  true,
		Timestamp: now,
	}); err != nil {
		lg := requestLogger(c, s.logger)
		lg.Error().Err(err).Msg("Failed to record deregistration event")
	}

	s.sink.Publish(ctx, clientID, "client_removed")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "client deregistered"})
}

func (s *Server) handleReviewClient(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := c.Param("id")
	if err := s.store.ReviewClient(ctx, clientID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "client not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to review client", s.logger)
		}
		return
	}
	s.sink.Publish(ctx, clientID, "client_reviewed")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "client state reviewed and reset"})
}

// parseHardwareInfo tolerates daemons that double-encode hardware_info as a
// JSON string.
func parseHardwareInfo(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(`{}`))
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		if json.Valid([]byte(inner)) {
			return datatypes.JSON([]byte(inner))
		}
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}

// hardwareID picks the stable machine identifier used in token claims.
func hardwareID(hardware datatypes.JSON, fallback string) string {
	var fields struct {
		MachineID string `json:"machine_id"`
		Hostname  string `json:"hostname"`
	}
	if err := json.Unmarshal(hardware, &fields); err == nil {
		if fields.MachineID != "" {
			return fields.MachineID
		}
		if fields.Hostname != "" {
			return fields.Hostname
		}
	}
	return fallback
}
