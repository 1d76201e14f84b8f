package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/backfill"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/streaks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	claimsContextKey       = "writestreak_claims"
	requestIDHeader        = "X-Request-ID"
	defaultBackfillTimeout = 5 * time.Minute
)

var (
	errMissingValidator = errors.New("token validator dependency required")
	errMissingStreaks   = errors.New("streaks service dependency required")
	errMissingBackfill  = errors.New("backfill runner dependency required")
	errMissingProfiles  = errors.New("profile store dependency required")
)

// TokenValidator authenticates requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// StreakService is the live projection used by the internal and read endpoints.
type StreakService interface {
	RecordPost(ctx context.Context, userID events.UserID, post events.PostCreated) (events.AppendResult, error)
	CloseDay(ctx context.Context, userID events.UserID, dayKey string) (streaks.CloseResult, error)
	CloseThrough(ctx context.Context, userID events.UserID, throughDay string) ([]streaks.CloseResult, error)
	Current(ctx context.Context, userID events.UserID) (recovery.StreakInfo, error)
	History(ctx context.Context, userID events.UserID) ([]recovery.History, error)
}

// BackfillRunner replays a user's postings.
type BackfillRunner interface {
	Run(ctx context.Context, request backfill.Request) (backfill.Result, error)
}

// ProfileStore updates user timezones.
type ProfileStore interface {
	SetTimezone(ctx context.Context, userID, timezone string) error
}

type Dependencies struct {
	Validator         TokenValidator
	Streaks           StreakService
	Backfill          BackfillRunner
	Profiles          ProfileStore
	BackfillTimeout   time.Duration
	BackfillPerMinute int
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Streaks == nil {
		return nil, errMissingStreaks
	}
	if deps.Backfill == nil {
		return nil, errMissingBackfill
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.BackfillTimeout
	if timeout <= 0 {
		timeout = defaultBackfillTimeout
	}

	handler := &httpHandler{
		validator:       deps.Validator,
		streaks:         deps.Streaks,
		backfill:        deps.Backfill,
		profiles:        deps.Profiles,
		backfillTimeout: timeout,
		backfillLimiter: newSubjectLimiter(deps.BackfillPerMinute),
		logger:          logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(handler.requestLogger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	internal := router.Group("/internal")
	internal.Use(handler.requireRole(auth.RoleScheduler, auth.RoleAdmin))
	internal.POST("/events/post-created", handler.handlePostCreated)
	internal.POST("/events/day-closed", handler.handleDayClosed)
	internal.POST("/events/close-through", handler.handleCloseThrough)

	admin := router.Group("/admin")
	admin.Use(handler.requireRole(auth.RoleAdmin))
	admin.POST("/backfill", handler.rateLimitBackfill, handler.handleBackfill)
	admin.GET("/users/:userId/streak", handler.handleStreak)
	admin.PUT("/users/:userId/timezone", handler.handleSetTimezone)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	validator       TokenValidator
	streaks         StreakService
	backfill        BackfillRunner
	profiles        ProfileStore
	backfillTimeout time.Duration
	backfillLimiter *subjectLimiter
	logger          *zap.Logger
}

type postCreatedRequest struct {
	UserID        string     `json:"userId"`
	PostID        string     `json:"postId"`
	BoardID       string     `json:"boardId"`
	ContentLength int        `json:"contentLength"`
	OccurredAt    *time.Time `json:"occurredAt,omitempty"`
}

type appendResponse struct {
	Appended bool   `json:"appended"`
	Seq      int64  `json:"seq,omitempty"`
	DayKey   string `json:"dayKey,omitempty"`
}

func (h *httpHandler) handlePostCreated(c *gin.Context) {
	var request postCreatedRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	userID, err := events.NewUserID(request.UserID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	post := events.PostCreated{
		PostID:        request.PostID,
		BoardID:       request.BoardID,
		ContentLength: request.ContentLength,
	}
	if request.OccurredAt != nil {
		post.OccurredAt = *request.OccurredAt
	}

	result, err := h.streaks.RecordPost(c.Request.Context(), userID, post)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, appendResponse{
		Appended: result.Appended,
		Seq:      result.Event.Seq,
		DayKey:   result.Event.DayKey,
	})
}

type dayRequest struct {
	UserID string `json:"userId"`
	DayKey string `json:"dayKey"`
}

type dayClosedResponse struct {
	DayKey     string              `json:"dayKey"`
	Appended   bool                `json:"appended"`
	WorkingDay bool                `json:"workingDay"`
	State      recovery.StreakInfo `json:"state"`
	Resolution *recovery.History   `json:"resolution,omitempty"`
}

func (h *httpHandler) handleDayClosed(c *gin.Context) {
	var request dayRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	userID, err := events.NewUserID(request.UserID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	result, err := h.streaks.CloseDay(c.Request.Context(), userID, strings.TrimSpace(request.DayKey))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, closeResponse(result))
}

func (h *httpHandler) handleCloseThrough(c *gin.Context) {
	var request dayRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	userID, err := events.NewUserID(request.UserID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	results, err := h.streaks.CloseThrough(c.Request.Context(), userID, strings.TrimSpace(request.DayKey))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	closed := make([]dayClosedResponse, 0, len(results))
	for _, result := range results {
		closed = append(closed, closeResponse(result))
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func closeResponse(result streaks.CloseResult) dayClosedResponse {
	return dayClosedResponse{
		DayKey:     result.DayKey,
		Appended:   result.Appended,
		WorkingDay: result.WorkingDay,
		State:      result.State,
		Resolution: result.Resolution,
	}
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	var request backfill.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.backfillTimeout)
	defer cancel()

	result, err := h.backfill.Run(ctx, request)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type streakResponse struct {
	UserID  string              `json:"userId"`
	State   recovery.StreakInfo `json:"state"`
	History []recovery.History  `json:"history"`
}

func (h *httpHandler) handleStreak(c *gin.Context) {
	userID, err := events.NewUserID(c.Param("userId"))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	state, err := h.streaks.Current(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	history, err := h.streaks.History(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, streakResponse{UserID: userID.String(), State: state, History: history})
}

type timezoneRequest struct {
	Timezone string `json:"timezone"`
}

func (h *httpHandler) handleSetTimezone(c *gin.Context) {
	var request timezoneRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	userID, err := events.NewUserID(c.Param("userId"))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if err := h.profiles.SetTimezone(c.Request.Context(), userID.String(), request.Timezone); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := h.validator.ValidateRequest(c.Request)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingToken) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		for _, role := range roles {
			if claims.HasRole(role) {
				c.Set(claimsContextKey, claims)
				c.Next()
				return
			}
		}
		h.logger.Warn("token lacks required role",
			zap.String("subject", claims.Subject),
			zap.Strings("roles", claims.Roles),
			zap.Strings("required", roles))
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "forbidden"})
	}
}

func (h *httpHandler) rateLimitBackfill(c *gin.Context) {
	subject := ""
	if claims, ok := c.Get(claimsContextKey); ok {
		if typed, ok := claims.(auth.Claims); ok {
			subject = typed.Subject
		}
	}
	if !h.backfillLimiter.Allow(subject) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "rate_limited", Retryable: true})
		return
	}
	c.Next()
}

func (h *httpHandler) requestLogger(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		if generated, err := uuid.NewV7(); err == nil {
			requestID = generated.String()
		}
	}
	c.Header(requestIDHeader, requestID)
	startedAt := time.Now()

	c.Next()

	h.logger.Debug("http request",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(startedAt)))
}
