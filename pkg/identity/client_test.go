package identity_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/identity"
)

func TestVerifyReturnsProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body["userId"])
		assert.Equal(t, "tok", body["token"])
		_, _ = w.Write([]byte(`{"user":{"id":"u1","name":"Ada","email":"ada@example.com","status":"active"}}`))
	}))
	defer srv.Close()

	c := identity.NewClient(srv.URL, time.Second)
	p, err := c.Verify(context.Background(), "u1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.Name)
	assert.True(t, p.Active())
}

func TestVerifyNonSuccessIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := identity.NewClient(srv.URL, time.Second).Verify(context.Background(), "u1", "")
	var he *apperror.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnauthorized, he.StatusCode())
}

func TestVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := identity.NewClient(url, time.Second).Verify(context.Background(), "u1", "")
	var ue *identity.UnreachableError
	assert.True(t, errors.As(err, &ue))
}

func TestCheckMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/studies/s1/check-member":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := identity.NewClient(srv.URL, time.Second)
	assert.NoError(t, c.CheckMember(context.Background(), "s1", "u1"))
	err := c.CheckMember(context.Background(), "s2", "u1")
	assert.Equal(t, apperror.CodeForbidden, apperror.Classify(err).Code)
}

func TestProfileActive(t *testing.T) {
	assert.True(t, identity.Profile{}.Active())
	assert.True(t, identity.Profile{Status: "ACTIVE"}.Active())
	assert.False(t, identity.Profile{Status: "suspended"}.Active())
}
