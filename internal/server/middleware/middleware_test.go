package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/config"
	"github.com/a-essam23/studyhub/pkg/logging"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainRunsInListedOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		mark("first"), mark("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *http.Request)
		want    string
	}{
		{"query wins", func(r *http.Request) {
			r.URL.RawQuery = "token=q"
			r.Header.Set("Authorization", "Bearer h")
		}, "q"},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer h") }, "h"},
		{"non-bearer header ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic xyz") }, ""},
		{"session cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: sessionCookie, Value: "c"}) }, "c"},
		{"nothing", func(*http.Request) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.prepare(r)
			assert.Equal(t, tt.want, extractToken(r))
		})
	}
}

type gateFunc func(ctx context.Context, userID, token string) (*state.Connection, error)

func (f gateFunc) Authenticate(ctx context.Context, userID, token string) (*state.Connection, error) {
	return f(ctx, userID, token)
}

func TestAuthMiddleware(t *testing.T) {
	gate := gateFunc(func(_ context.Context, userID, token string) (*state.Connection, error) {
		if token != "ok" {
			return nil, apperror.New(apperror.CodeAuthFailed, "bad token")
		}
		return &state.Connection{ID: uuid.New(), UserID: userID, Authenticated: true}, nil
	})
	var got *RequestMetadata
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ReqMetadataFrom(r.Context())
	}), RequestMetadataMiddleware(), NewAuthMiddleware(logging.Discard(), gate))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?userId=u1&token=ok", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	h.ServeHTTP(rec, req)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	require.NotNil(t, got.Connection)
	assert.Equal(t, "10.1.2.3", got.Connection.IPAddress)

	got = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?userId=u1&token=nope", nil))
	assert.Nil(t, got)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperror.CodeAuthFailed, body.Error.Code)
}

func TestConnectionLimiter(t *testing.T) {
	withUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, _ := ReqMetadataFrom(r.Context())
			meta.UserID = "u1"
			next.ServeHTTP(w, r)
		})
	}
	counter := func(context.Context, string) (int, error) { return 2, nil }

	tests := []struct {
		name       string
		limit      config.ConnectionLimitConfig
		wantStatus int
		wantCycled bool
	}{
		{"under limit", config.ConnectionLimitConfig{MaxPerUser: 3, Mode: config.LimitModeReject}, http.StatusOK, false},
		{"reject", config.ConnectionLimitConfig{MaxPerUser: 2, Mode: config.LimitModeReject}, http.StatusTooManyRequests, false},
		{"cycle", config.ConnectionLimitConfig{MaxPerUser: 2, Mode: config.LimitModeCycle}, http.StatusOK, true},
		{"disabled", config.ConnectionLimitConfig{}, http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycled := false
			cycler := func(context.Context, string) { cycled = true }
			h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
				RequestMetadataMiddleware(), withUser,
				NewConnectionLimiter(logging.Discard(), counter, cycler, tt.limit))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCycled, cycled)
		})
	}
}
