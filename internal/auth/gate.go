package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Options struct {
	// Production disables the trust-the-claimed-id fallback used when the
	// identity service cannot be reached.
	Production bool
	// JWTSecret, when set, requires supplied tokens to be HMAC-signed with
	// it and to name the claimed user as subject.
	JWTSecret string
}

// Gate decides whether a connecting socket may enter the hub. It never
// admits anything into rooms itself.
type Gate struct {
	verifier identity.Verifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewGate(logger *slog.Logger, verifier identity.Verifier, opts Options) *Gate {
	return &Gate{
		verifier: verifier,
		opts:     opts,
		logger:   logger.With(slog.String("component", "auth_gate")),
		now:      time.Now,
	}
}

// Authenticate verifies claimedUserID and returns the connection record to
// admit. Rejections are *apperror.Error values with code AUTH_FAILED
// (fatal) or VERIFICATION_UNREACHABLE (retryable).
func (g *Gate) Authenticate(ctx context.Context, claimedUserID, token string) (*state.Connection, error) {
	if claimedUserID == "" {
		return nil, apperror.New(apperror.CodeAuthFailed, "no user id supplied")
	}

	if g.opts.JWTSecret != "" && token != "" {
		if err := g.checkToken(claimedUserID, token); err != nil {
			g.logger.Warn("Token pre-check failed", slog.String("userID", claimedUserID), slog.Any("error", err))
			return nil, apperror.Wrap(apperror.CodeAuthFailed, "token rejected", err)
		}
	}

	profile, err := g.verifier.Verify(ctx, claimedUserID, token)
	if err != nil {
		return g.onVerifyError(claimedUserID, err)
	}
	if profile.ID != claimedUserID {
		return nil, apperror.New(apperror.CodeAuthFailed, fmt.Sprintf("verified user %q does not match claimed id", profile.ID))
	}
	if !profile.Active() {
		return nil, apperror.New(apperror.CodeAuthFailed, fmt.Sprintf("user status is %q", profile.Status))
	}
	return g.connection(*profile), nil
}

func (g *Gate) onVerifyError(userID string, err error) (*state.Connection, error) {
	var unreachable *identity.UnreachableError
	if !errors.As(err, &unreachable) {
		g.logger.Info("Identity service rejected user", slog.String("userID", userID), slog.Any("error", err))
		return nil, apperror.Wrap(apperror.CodeAuthFailed, "identity verification failed", err)
	}

	if g.opts.Production {
		g.logger.Error("Identity service unreachable", slog.String("userID", userID), slog.Any("error", err))
		return nil, apperror.Wrap(apperror.CodeVerificationUnreachable, "identity service unreachable", err)
	}
	g.logger.Warn("Identity service unreachable, trusting claimed user id (non-production)",
		slog.String("userID", userID), slog.Any("error", err))
	return g.connection(identity.Profile{ID: userID}), nil
}

func (g *Gate) checkToken(claimedUserID, tokenString string) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(g.opts.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	if claims.Subject != claimedUserID {
		return fmt.Errorf("token subject %q does not match claimed user", claims.Subject)
	}
	return nil
}

func (g *Gate) connection(profile identity.Profile) *state.Connection {
	return &state.Connection{
		ID:            uuid.New(),
		UserID:        profile.ID,
		Profile:       profile,
		Authenticated: true,
		CreatedAt:     g.now(),
		JoinedRooms:   make(map[state.RoomID]struct{}),
	}
}
