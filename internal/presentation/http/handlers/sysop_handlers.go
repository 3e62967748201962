package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/messaging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/logging"
	"github.com/HuralOmer/traffic-takip-v4/internal/infrastructure/observability/performance"
	"github.com/HuralOmer/traffic-takip-v4/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

// SysOpHandlers handles operator authentication, dynamic log levels, and
// fleet inspection.
type SysOpHandlers struct {
	fleet       *messaging.Fleet
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker
}

// NewSysOpHandlers creates new SysOp handlers.
func NewSysOpHandlers(fleet *messaging.Fleet, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *SysOpHandlers {
	return &SysOpHandlers{
		fleet:       fleet,
		logger:      logger,
		perfTracker: perfTracker,
	}
}

func jwtSecret() []byte {
	if config.JWTSecret != "" {
		return []byte(config.JWTSecret)
	}
	return []byte(config.SysopPassword)
}

func passwordMatches(password string) bool {
	stored := config.SysopPassword
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// AuthCheck reports whether a SysOp password is configured and whether the
// presented token is valid.
func (h *SysOpHandlers) AuthCheck(c *gin.Context) {
	response := gin.H{
		"passwordRequired": config.SysopPassword != "",
		"authenticated":    false,
	}
	if config.SysopPassword == "" {
		response["message"] = "Set SYSOP_PASSWORD to protect the operator API"
	}

	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && h.validToken(token) {
		response["authenticated"] = true
	}
	c.JSON(http.StatusOK, response)
}

// Login handles SysOp authentication and issues a signed session token.
func (h *SysOpHandlers) Login(c *gin.Context) {
	var request struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if config.SysopPassword == "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "token": "no-auth-required"})
		return
	}
	if !passwordMatches(request.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid password"})
		return
	}

	claims := jwt.RegisteredClaims{
		Subject:   "sysop",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

func (h *SysOpHandlers) validToken(tokenString string) bool {
	if config.SysopPassword == "" {
		return true
	}
	if tokenString == "no-auth-required" {
		return false
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return jwtSecret(), nil
	})
	return err == nil && token.Valid
}

// SysOpAuthMiddleware guards the operator endpoints.
func (h *SysOpHandlers) SysOpAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if config.SysopPassword != "" && (!ok || !h.validToken(token)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// GetLogLevels returns the current per-channel log levels.
func (h *SysOpHandlers) GetLogLevels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"levels": h.logger.GetChannelLevels()})
}

// SetLogLevel dynamically changes one channel's log level.
func (h *SysOpHandlers) SetLogLevel(c *gin.Context) {
	var req struct {
		Channel string `json:"channel"`
		Level   string `json:"level"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	level, err := logging.ParseLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.logger.SetChannelLevel(logging.Channel(req.Channel), level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetFleet returns per-customer socket counts and performance stats.
func (h *SysOpHandlers) GetFleet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": h.fleet.ConnectionCounts(),
		"operations":  h.perfTracker.Snapshot(),
	})
}
