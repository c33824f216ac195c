package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/pipeline"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/preferences"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	hostSubjectContextKey = "notifybridge_host_subject"
	maxNotificationBytes  = 1 << 20
)

var (
	errMissingPipeline      = errors.New("notification pipeline dependency required")
	errMissingPreferences   = errors.New("preference service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// NotificationProcessor resolves a decoded message into a notification payload.
type NotificationProcessor interface {
	Process(ctx context.Context, message discord.Message) pipeline.ResolvedNotification
}

// PreferenceService exposes stored user records to the host.
type PreferenceService interface {
	List(ctx context.Context) ([]preferences.StoredUser, error)
	Load(ctx context.Context, userID string) (preferences.UserRecord, error)
	UpdatePreferences(ctx context.Context, userID string, prefs preferences.Preferences) (preferences.Preferences, error)
}

// TokenValidator verifies host bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// AttachmentStore maps served attachment names to local files. *pipeline.DiskAttachments satisfies it.
type AttachmentStore interface {
	Resolve(name string) (string, error)
}

// Dependencies wires the HTTP surface. A nil TokenValidator disables authentication;
// a nil AttachmentStore answers every attachment download with 404.
type Dependencies struct {
	Pipeline       NotificationProcessor
	Preferences    PreferenceService
	Attachments    AttachmentStore
	Tokens         TokenValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Preferences == nil {
		return nil, errMissingPreferences
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		pipeline:    deps.Pipeline,
		preferences: deps.Preferences,
		attachments: deps.Attachments,
		tokens:      deps.Tokens,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notifications", handler.handleNotification)
	protected.GET(pipeline.AttachmentURLPrefix+":name", handler.handleAttachment)
	protected.GET("/users", handler.handleListUsers)
	protected.GET("/users/:id", handler.handleGetUser)
	protected.PUT("/users/:id/preferences", handler.handleUpdatePreferences)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	pipeline    NotificationProcessor
	preferences PreferenceService
	attachments AttachmentStore
	tokens      TokenValidator
	logger      *zap.Logger
}

type userPayload struct {
	UserID         string                  `json:"user_id"`
	AuthorSnapshot discord.AuthorSnapshot  `json:"author_snapshot"`
	Preferences    preferences.Preferences `json:"preferences"`
}

type usersResponsePayload struct {
	Users []userPayload `json:"users"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleNotification(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}
	message, err := discord.DecodeMessage(body)
	if err != nil {
		h.logger.Info("rejected notification payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
		return
	}

	result := h.pipeline.Process(c.Request.Context(), message)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleAttachment(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment_not_found"})
		return
	}
	path, err := h.attachments.Resolve(c.Param("name"))
	if err != nil {
		if errors.Is(err, pipeline.ErrAttachmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment_not_found"})
			return
		}
		h.logger.Error("failed to resolve attachment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attachment_unavailable"})
		return
	}
	c.File(path)
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	users, err := h.preferences.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := usersResponsePayload{Users: make([]userPayload, 0, len(users))}
	for _, user := range users {
		response.Users = append(response.Users, userPayload{
			UserID:         user.UserID,
			AuthorSnapshot: user.Record.AuthorSnapshot,
			Preferences:    user.Record.Preferences,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	userID := c.Param("id")
	record, err := h.preferences.Load(c.Request.Context(), userID)
	if err != nil {
		h.respondPreferenceError(c, "failed to load user", err)
		return
	}
	c.JSON(http.StatusOK, userPayload{
		UserID:         userID,
		AuthorSnapshot: record.AuthorSnapshot,
		Preferences:    record.Preferences,
	})
}

func (h *httpHandler) handleUpdatePreferences(c *gin.Context) {
	var request preferences.Preferences
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preferences"})
		return
	}
	userID := c.Param("id")
	updated, err := h.preferences.UpdatePreferences(c.Request.Context(), userID, request)
	if err != nil {
		h.respondPreferenceError(c, "failed to update preferences", err)
		return
	}
	h.logger.Info("preferences updated",
		zap.String("user_id", userID),
		zap.String("host", c.GetString(hostSubjectContextKey)))
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) respondPreferenceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, preferences.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	case errors.Is(err, preferences.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(hostSubjectContextKey, subject)
	c.Next()
}
