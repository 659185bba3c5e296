package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const deviceIDKey contextKey = "deviceID"

// DeviceCookie carries the device id for browser clients.
const DeviceCookie = "device_id"

const maxDeviceIDLen = 128

// DeviceMiddleware resolves the device a request belongs to from the
// X-Device-ID header or the device_id cookie. Devices without an id get a
// new one, returned in both the header and the cookie.
func DeviceMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := r.Header.Get(observability.DeviceHeader)
			if deviceID == "" {
				if c, err := r.Cookie(DeviceCookie); err == nil {
					deviceID = c.Value
				}
			}

			if len(deviceID) > maxDeviceIDLen {
				logger.Warn("device: id too long",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusBadRequest, "device id too long")
				return
			}

			if deviceID == "" {
				deviceID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookie,
					Value:    deviceID,
					Path:     "/",
					MaxAge:   int((365 * 24 * time.Hour).Seconds()),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
				logger.Debug("device: issued id", zap.String("device_id", deviceID))
			}
			w.Header().Set(observability.DeviceHeader, deviceID)

			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceIDFromContext extracts the device id set by DeviceMiddleware.
func DeviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDKey).(string)
	return v
}
