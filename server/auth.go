package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bcherng/fim-server/pkg/store"
)

const daemonContextKey = "daemon"

// daemonClaims is the payload of the long-lived bearer token issued at
// registration and bound to a single client id.
type daemonClaims struct {
	ClientID   string `json:"client_id"`
	HardwareID string `json:"hardware_id"`
	TokenType  string `json:"type"`
	jwt.RegisteredClaims
}

type daemonIdentity struct {
	ClientID   string
	HardwareID string
}

func (s *Server) issueDaemonToken(clientID, hardwareID string) (string, int64, error) {
	ttl := time.Duration(s.cfg.Auth.DaemonTokenTTL) * time.Hour
	claims := daemonClaims{
		ClientID:   clientID,
		HardwareID: hardwareID,
		TokenType:  "daemon",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Auth.DaemonJWTSecret))
	if err != nil {
		return "", 0, err
	}
	return token, int64(ttl.Seconds()), nil
}

// requireDaemon authenticates the bearer token and loads the client it is
// bound to. A deregistered machine gets a distinguished 403 naming its only
// two recoveries, distinct from a bad token.
func (s *Server) requireDaemon(c *gin.Context) {
	raw := bearerToken(c)
	if raw == "" {
		respondError(c, http.StatusUnauthorized, "authentication required", s.logger)
		return
	}

	var claims daemonClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.Auth.DaemonJWTSecret), nil
	})
	if err != nil || claims.TokenType != "daemon" || claims.ClientID == "" {
		respondError(c, http.StatusUnauthorized, "invalid token", s.logger)
		return
	}

	client, err := s.store.GetClient(c.Request.Context(), claims.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusUnauthorized, "client not registered", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "client lookup failed", s.logger)
		}
		return
	}
	if client.Status == store.StatusDeregistered || client.Status == store.StatusUninstalled {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":           "this machine has been deregistered by an administrator",
			"status":          client.Status,
			"action_required": "reregister_or_uninstall",
			"deregistered_at": client.LastSeen,
			"request_id":      requestID(c),
		})
		return
	}

	c.Set(daemonContextKey, daemonIdentity{ClientID: claims.ClientID, HardwareID: claims.HardwareID})
	c.Next()
}

func daemon(c *gin.Context) daemonIdentity {
	return c.MustGet(daemonContextKey).(daemonIdentity)
}

// requireAdmin gates the operator API behind the static admin bearer token.
func (s *Server) requireAdmin(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		respondError(c, http.StatusUnauthorized, "authentication required", s.logger)
		return
	}
	if s.cfg.Auth.AdminToken == "" || !secureCompare(token, s.cfg.Auth.AdminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

// verifyAdminCredentials checks the username/password pair daemons must
// supply to recover a deregistered identity.
func (s *Server) verifyAdminCredentials(ctx context.Context, username, password string) bool {
	if username == "" || password == "" {
		return false
	}
	admin, err := s.store.GetAdmin(ctx, username)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) == nil
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return c.Query("token")
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
