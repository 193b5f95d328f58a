package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/state"
)

const sessionCookie = "session-token"

type Authenticator interface {
	Authenticate(ctx context.Context, claimedUserID, token string) (*state.Connection, error)
}

// NewAuthMiddleware pulls the claimed identity out of the handshake and runs
// it through the gate. The user id comes from the userId query parameter;
// the token from the token parameter, a bearer header or the session cookie.
func NewAuthMiddleware(logger *slog.Logger, gate Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				WriteError(w, apperror.New(apperror.CodeServerError, "request metadata missing"))
				return
			}

			userID := r.URL.Query().Get("userId")
			conn, err := gate.Authenticate(r.Context(), userID, extractToken(r))
			if err != nil {
				logger.Warn("Handshake rejected",
					slog.String("ip", reqMeta.IP),
					slog.String("userID", userID),
					slog.Any("error", err))
				WriteError(w, err)
				return
			}

			conn.IPAddress = reqMeta.IP
			reqMeta.UserID = conn.UserID
			reqMeta.Connection = conn
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
