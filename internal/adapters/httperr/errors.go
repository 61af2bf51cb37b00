// Package httperr maps domain and core errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrRateLimited is returned when a user publishes faster than allowed.
var ErrRateLimited = errors.New("rate limited")

// Code is the machine readable "error" value of a response body.
func Code(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidRoomID):
		return "invalid_room"
	case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
		return "invalid_username"
	case errors.Is(err, core.ErrDecode):
		return "bad_payload"
	case errors.Is(err, app.ErrSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, core.ErrRoomClosed), errors.Is(err, app.ErrRegistryClosed):
		return "room_unavailable"
	}
	return "internal"
}

func Status(err error) int {
	switch Code(err) {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "invalid_room", "invalid_username", "bad_payload", "sender_mismatch":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "room_unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Abort writes {"error": code} with the mapped status.
func Abort(c *gin.Context, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": Code(err)})
}
