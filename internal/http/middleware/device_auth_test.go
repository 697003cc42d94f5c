package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

func newAuthRouter(t *testing.T) (*gin.Engine, devices.TokenService) {
	t.Helper()
	t.Setenv("DEVICE_TOKEN_SECRET", "test-secret")
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	tokens, err := devices.NewTokenService()
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewDeviceAuth(log, tokens).RequireDevice())
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device": Device(c)})
	})
	return r, tokens
}

func TestRequireDeviceAcceptsValidToken(t *testing.T) {
	r, tokens := newAuthRouter(t)
	token, err := tokens.Issue("pixel-7", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Device-ID", token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != `{"device":"pixel-7"}` {
		t.Fatalf("body: got=%s", got)
	}
}

func TestRequireDeviceAcceptsBearerHeader(t *testing.T) {
	r, tokens := newAuthRouter(t)
	token, err := tokens.Issue("pixel-7", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", w.Code)
	}
}

func TestRequireDeviceRejectsMissingToken(t *testing.T) {
	r, _ := newAuthRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: want=401 got=%d", w.Code)
	}
}

func TestRequireDeviceRejectsGarbageToken(t *testing.T) {
	r, _ := newAuthRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Device-ID", "not-a-jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: want=401 got=%d", w.Code)
	}
}
