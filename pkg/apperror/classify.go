package apperror

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

// Descriptor is the normalized form of any failure. It is what gets logged
// and what drives retry decisions.
type Descriptor struct {
	Code        Code           `json:"code"`
	Category    Category       `json:"category"`
	Retryable   bool           `json:"retryable"`
	UserMessage string         `json:"userMessage"`
	DevMessage  string         `json:"devMessage"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
}

// Classify is the single place retry policy is decided.
func Classify(err error) Descriptor {
	return ClassifyAt(err, time.Now())
}

func ClassifyAt(err error, now time.Time) Descriptor {
	if err == nil {
		return describe(CodeUnknown, "nil error", nil, now)
	}

	var ae *Error
	if errors.As(err, &ae) {
		return describe(ae.Code, ae.Error(), ae.Context, now)
	}

	if code, ok := transportCode(err); ok {
		return describe(code, err.Error(), nil, now)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		return describe(statusCode(status), err.Error(), map[string]any{"status": status}, now)
	}

	return describe(CodeUnknown, err.Error(), nil, now)
}

func describe(code Code, dev string, ctx map[string]any, now time.Time) Descriptor {
	p := policyFor(code)
	return Descriptor{
		Code:        code,
		Category:    p.category,
		Retryable:   p.retryable,
		UserMessage: p.userMessage,
		DevMessage:  dev,
		Timestamp:   now,
		Context:     ctx,
	}
}

// Close codes the hub sends when it ends a session on purpose.
const (
	// StatusReplaced closes the oldest session of a user that reached the
	// connection limit. Reconnecting would only push out another session.
	StatusReplaced websocket.StatusCode = 4001
	// StatusSlowConsumer closes a session whose send buffer overflowed.
	StatusSlowConsumer = websocket.StatusTryAgainLater
)

func transportCode(err error) (Code, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimeout, true
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused, true
	case errors.Is(err, syscall.ENETUNREACH):
		return CodeNetworkOffline, true
	}

	switch websocket.CloseStatus(err) {
	case -1:
	case websocket.StatusPolicyViolation:
		return CodeAuthFailed, true
	case StatusReplaced:
		return CodeConnectionReplaced, true
	case websocket.StatusTryAgainLater:
		return CodeTransportDegraded, true
	case websocket.StatusNormalClosure:
	default:
		return CodeTransportDegraded, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeConnectionRefused, true
	}

	// Keyword matching is only for untyped errors; an HTTP error body can
	// mention "timeout" without being a transport failure.
	var sc StatusCoder
	if errors.As(err, &sc) {
		return "", false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "refused", "no such host", "connection reset"):
		return CodeConnectionRefused, true
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return CodeTimeout, true
	case containsAny(msg, "unauthorized", "authentication", "auth failed", "invalid token"):
		return CodeAuthFailed, true
	case containsAny(msg, "network is unreachable", "offline"):
		return CodeNetworkOffline, true
	}
	return "", false
}

func statusCode(status int) Code {
	switch {
	case status == http.StatusBadRequest:
		return CodeValidation
	case status == http.StatusUnauthorized:
		return CodeAuthFailed
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeServerError
	default:
		return CodeUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
