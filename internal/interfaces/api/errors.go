package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/masjids-io/chatspot/internal/auth"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidOperation), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIOFailure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithError writes err as a JSON body. Internal failures are logged and
// their details kept from the client.
func abortWithError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("request_failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
