package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/config"
)

type UserConnectionCounter func(ctx context.Context, userID string) (int, error)
type UserConnectionCycler func(ctx context.Context, userID string)

func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	config config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				WriteError(w, apperror.New(apperror.CodeServerError, "request metadata missing"))
				return
			}

			if reqMeta.UserID == "" {
				logger.Warn("Connection limiter could not determine userID from metadata; blocking request for safety.")
				WriteError(w, apperror.New(apperror.CodeAuthFailed, "no authenticated user"))
				return
			}

			count, err := counter(r.Context(), reqMeta.UserID)
			if err != nil {
				logger.Error("Connection limiter failed to get connection count", slog.Any("error", err))
				WriteError(w, apperror.Wrap(apperror.CodeServerError, "connection count unavailable", err))
				return
			}
			if count < config.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("User connection limit reached", slog.String("userID", reqMeta.UserID), slog.Int("count", count))
			switch config.Mode {
			case "reject":
				WriteError(w, apperror.New(apperror.CodeRateLimited, "too many active connections"))
				return
			case "cycle":
				cycler(r.Context(), reqMeta.UserID)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", config.Mode))
				WriteError(w, apperror.New(apperror.CodeServerError, "invalid connection limit mode"))
				return
			}
		})
	}
}
