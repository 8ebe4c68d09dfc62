package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/FernandoVinha/TheManager/pkg/response"
	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrUserDisabled):
		return http.StatusForbidden
	case errors.Is(err, services.ErrAlreadyMember),
		errors.Is(err, services.ErrLastOwner),
		errors.Is(err, services.ErrNotReady),
		errors.Is(err, services.ErrKeyBusy):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrConfiguration),
		errors.Is(err, models.ErrMessageImmutable):
		return http.StatusUnprocessableEntity
	}
	var apiErr *gitea.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == gitea.KindTransient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	response.Error(c, response.Wrap(status, err))
}

// paramID reads a positive numeric path parameter, replying 400 otherwise.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
