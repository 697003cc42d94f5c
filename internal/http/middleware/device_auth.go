package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// DeviceIDKey is where RequireDevice leaves the verified device id on the
// gin context.
const DeviceIDKey = "device_id"

type DeviceAuth struct {
	log    *logger.Logger
	tokens devices.TokenService
}

func NewDeviceAuth(log *logger.Logger, tokens devices.TokenService) *DeviceAuth {
	return &DeviceAuth{
		log:    log.With("middleware", "DeviceAuth"),
		tokens: tokens,
	}
}

// RequireDevice verifies the device attestation token and pins the request
// to the device it was issued for. Tokens ride the X-Device-ID header,
// with Authorization: Bearer as a fallback.
func (m *DeviceAuth) RequireDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractDeviceToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "AUTH_DENIED", "detail": "missing device token",
			})
			return
		}
		deviceID, err := m.tokens.Verify(token)
		if err != nil {
			m.log.Warn("device token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "AUTH_DENIED", "detail": "invalid device token",
			})
			return
		}
		c.Set(DeviceIDKey, deviceID)
		c.Next()
	}
}

// Device returns the verified device id for the request, empty when the
// route skipped RequireDevice.
func Device(c *gin.Context) string {
	v, _ := c.Get(DeviceIDKey)
	id, _ := v.(string)
	return id
}

func extractDeviceToken(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader("X-Device-ID")); t != "" {
		return t
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
