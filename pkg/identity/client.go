// Package identity talks to the user-identity service that owns sessions
// and study membership.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
)

// Profile is the read-only snapshot of a user taken at verification time.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Status string `json:"status,omitempty"`
}

// Active reports whether the account may connect. An empty status is
// treated as active since older identity deployments omit it.
func (p Profile) Active() bool {
	return p.Status == "" || strings.EqualFold(p.Status, "active")
}

// Verifier checks a claimed user id against the identity service.
type Verifier interface {
	Verify(ctx context.Context, userID, token string) (*Profile, error)
}

// MembershipChecker reports whether a user belongs to a study.
type MembershipChecker interface {
	CheckMember(ctx context.Context, studyID, userID string) error
}

// UnreachableError marks failures where no HTTP response was obtained.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string { return "identity service unreachable: " + e.Err.Error() }
func (e *UnreachableError) Unwrap() error { return e.Err }

type Client struct {
	baseURL string
	http    *http.Client
}

var (
	_ Verifier          = (*Client)(nil)
	_ MembershipChecker = (*Client)(nil)
)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type verifyResponse struct {
	User *Profile `json:"user"`
}

// Verify calls POST {base}/verify. Non-2xx answers come back as
// *apperror.HTTPError, transport failures as *UnreachableError.
func (c *Client) Verify(ctx context.Context, userID, token string) (*Profile, error) {
	var resp verifyResponse
	if err := c.post(ctx, "/verify", verifyRequest{UserID: userID, Token: token}, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, apperror.New(apperror.CodeAuthFailed, "verify response carried no user")
	}
	return resp.User, nil
}

// CheckMember calls POST {base}/studies/{id}/check-member. Any 2xx means
// the user is a member.
func (c *Client) CheckMember(ctx context.Context, studyID, userID string) error {
	path := "/studies/" + url.PathEscape(studyID) + "/check-member"
	return c.post(ctx, path, verifyRequest{UserID: userID}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &UnreachableError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &apperror.HTTPError{Status: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
