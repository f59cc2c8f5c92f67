package httphandler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

const (
	DeviceIDHeader = "X-Device-ID"
	maxDeviceIDLen = 128
)

func AllowJSON(next http.Handler) http.Handler {
	hf := func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength == 0 {
			next.ServeHTTP(w, r)
			return
		}

		mediaType, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
		if strings.TrimSpace(mediaType) != "application/json" {
			http.Error(w, "invalid media type", http.StatusUnsupportedMediaType)
			return
		}

		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(hf)
}

// identity is who is calling: a signed-in user, a device or both.
type identity struct {
	userID   string
	deviceID string
}

// session picks the cart: the user's remote cart when signed in, the
// device's local cart otherwise.
func (id identity) session() domain.Session {
	if id.userID != "" {
		return domain.RemoteSession(id.userID)
	}
	return domain.LocalSession(id.deviceID)
}

type identityKey struct{}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// Identify resolves the caller from a bearer token and the device id
// header. A request with neither is rejected, so is a bad token or an
// overlong device id.
// verifier may be nil, then every bearer token is rejected.
func Identify(verifier port.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hf := func(w http.ResponseWriter, r *http.Request) {
			const op = "Identify"
			log := slog.With("op", op)

			id := identity{
				deviceID: strings.TrimSpace(r.Header.Get(DeviceIDHeader)),
			}

			if len(id.deviceID) > maxDeviceIDLen {
				http.Error(w, "device id too long", http.StatusBadRequest)
				return
			}

			if authz := r.Header.Get("Authorization"); authz != "" {
				token, ok := bearerToken(authz)
				if !ok || verifier == nil {
					http.Error(w, "invalid authorization", http.StatusUnauthorized)
					return
				}
				userID, err := verifier.VerifyToken(token)
				if err != nil {
					log.Debug("rejected token", "err", err)
					http.Error(w, "invalid authorization", http.StatusUnauthorized)
					return
				}
				id.userID = userID
			}

			if id.userID == "" && id.deviceID == "" {
				http.Error(
					w, "authorization or device id required",
					http.StatusBadRequest,
				)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(hf)
	}
}

func bearerToken(authz string) (string, bool) {
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
