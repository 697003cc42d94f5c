package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/apierr"
)

func TestClassifyMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest, apierr.CodeInvalidInput},
		{domain.ErrAuthDenied, http.StatusUnauthorized, apierr.CodeAuthDenied},
		{domain.ErrNotFound, http.StatusNotFound, apierr.CodeNotFound},
		{domain.ErrCorruptAsset, http.StatusUnprocessableEntity, apierr.CodeCorruptAsset},
		{domain.ErrModelFailure, http.StatusBadGateway, apierr.CodeModelFailure},
		{domain.ErrTransientIO, http.StatusServiceUnavailable, apierr.CodeTransientIO},
		{domain.ErrQueueFull, http.StatusTooManyRequests, apierr.CodeCapacity},
		{errors.New("disk on fire"), http.StatusInternalServerError, apierr.CodeInternal},
	}
	for _, tc := range cases {
		got := classify(fmt.Errorf("wrapped: %w", tc.err))
		if got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("classify(%v): want=%d/%s got=%d/%s", tc.err, tc.status, tc.code, got.Status, got.Code)
		}
	}
}
