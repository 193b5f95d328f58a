package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWSTransportRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userId") != "u1" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), typ, data)
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := NewWSTransport(wsURL(srv)).Dial(ctx, *ada)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Write(ctx, []byte(`{"event":"ping"}`)))
	got, err := sess.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(got))
}

func TestWSTransportHandshakeRejection(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      apperror.Code
		retryable bool
	}{
		{"hub error body", http.StatusUnauthorized, `{"error":{"code":"AUTH_FAILED","message":"Authentication failed"}}`, apperror.CodeAuthFailed, false},
		{"limit reached", http.StatusTooManyRequests, `{"error":{"code":"RATE_LIMITED","message":"too many connections"}}`, apperror.CodeRateLimited, true},
		{"plain proxy error", http.StatusBadGateway, "upstream unavailable", apperror.CodeServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := NewWSTransport(wsURL(srv)).Dial(ctx, *ada)
			require.Error(t, err)

			d := apperror.Classify(err)
			assert.Equal(t, tt.want, d.Code)
			assert.Equal(t, tt.retryable, d.Retryable)
		})
	}
}
