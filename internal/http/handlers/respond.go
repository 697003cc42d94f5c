package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/apierr"
)

// classify maps error kinds to their wire representation. Unknown errors
// stay opaque 500s so internals never leak.
func classify(err error) *apierr.Error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return apierr.New(http.StatusBadRequest, apierr.CodeInvalidInput, err)
	case errors.Is(err, domain.ErrAuthDenied):
		return apierr.New(http.StatusUnauthorized, apierr.CodeAuthDenied, err)
	case errors.Is(err, domain.ErrNotFound):
		return apierr.New(http.StatusNotFound, apierr.CodeNotFound, err)
	case errors.Is(err, domain.ErrCorruptAsset):
		return apierr.New(http.StatusUnprocessableEntity, apierr.CodeCorruptAsset, err)
	case errors.Is(err, domain.ErrModelFailure):
		return apierr.New(http.StatusBadGateway, apierr.CodeModelFailure, err)
	case errors.Is(err, domain.ErrTransientIO):
		return apierr.New(http.StatusServiceUnavailable, apierr.CodeTransientIO, err)
	case errors.Is(err, domain.ErrQueueFull):
		return apierr.New(http.StatusTooManyRequests, apierr.CodeCapacity, err)
	default:
		return apierr.New(http.StatusInternalServerError, apierr.CodeInternal, err)
	}
}

func respondError(c *gin.Context, err error) {
	ae := classify(err)
	body := gin.H{"error": ae.Code}
	if ae.Status != http.StatusInternalServerError {
		body["detail"] = err.Error()
	}
	c.JSON(ae.Status, body)
}
