package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/backfill"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/svcerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

type errorClass struct {
	status    int
	short     string
	retryable bool
}

func classifyError(err error) errorClass {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errorClass{status: http.StatusGatewayTimeout, short: "timeout", retryable: true}
	case errors.Is(err, context.Canceled):
		return errorClass{status: http.StatusServiceUnavailable, short: "canceled", retryable: true}
	case errors.Is(err, events.ErrConcurrencyExhausted):
		return errorClass{status: http.StatusConflict, short: "concurrency_exhausted", retryable: true}
	case errors.Is(err, events.ErrUserHalted), errors.Is(err, events.ErrIntegrityViolation):
		return errorClass{status: http.StatusLocked, short: "integrity_halted"}
	case errors.Is(err, backfill.ErrUpstreamUnavailable):
		return errorClass{status: http.StatusBadGateway, short: "upstream_unavailable", retryable: true}
	case errors.Is(err, backfill.ErrInvalidRequest),
		errors.Is(err, calendar.ErrInvalidDayKey),
		errors.Is(err, calendar.ErrInvalidRange),
		errors.Is(err, events.ErrInvalidUserID),
		errors.Is(err, events.ErrInvalidPost),
		errors.Is(err, profiles.ErrInvalidUserID),
		errors.Is(err, profiles.ErrInvalidTimezone):
		return errorClass{status: http.StatusBadRequest, short: "invalid_request"}
	default:
		return errorClass{status: http.StatusInternalServerError, short: "internal_error", retryable: true}
	}
}

func writeServiceError(c *gin.Context, logger *zap.Logger, err error) {
	class := classifyError(err)
	code := svcerr.CodeOf(err)
	fields := []zap.Field{
		zap.Error(err),
		zap.String("code", code),
		zap.Int("status", class.status),
		zap.String("path", c.FullPath()),
	}
	if class.status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Info("request rejected", fields...)
	}
	c.AbortWithStatusJSON(class.status, errorBody{Error: class.short, Code: code, Retryable: class.retryable})
}

func writeBadRequest(c *gin.Context, short string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: short})
}
