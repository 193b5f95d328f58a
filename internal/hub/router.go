package hub

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/tidwall/gjson"
)

var (
	ErrMalformedMessage = apperror.New(apperror.CodeValidation, "message must be a JSON object with an event name")
	ErrUnknownEvent     = apperror.New(apperror.CodeValidation, "unknown event")
	ErrNotParticipant   = apperror.New(apperror.CodeForbidden, "not a participant of this room")
)

// inbound is a client frame: {"event": "...", "payload": {...}}. The
// payload stays undecoded; handlers pull the fields they need with gjson.
type inbound struct {
	Event   string
	Payload gjson.Result
}

func parseInbound(raw []byte) (inbound, error) {
	if !gjson.ValidBytes(raw) {
		return inbound{}, ErrMalformedMessage
	}
	msg := gjson.ParseBytes(raw)
	event := msg.Get("event")
	if event.Type != gjson.String || event.Str == "" {
		return inbound{}, ErrMalformedMessage
	}
	return inbound{Event: event.Str, Payload: msg.Get("payload")}, nil
}

// handlerCtx is what a handler sees while it runs inside the hub loop.
type handlerCtx struct {
	conn *state.Connection
	msg  inbound
}

type (
	handlerFunc func(h *Hub, hc *handlerCtx) error
	// preflightFunc runs on the sender's goroutine before the command is
	// queued. It may block on I/O; it must not touch the registry.
	preflightFunc func(ctx context.Context, h *Hub, conn *state.Connection, msg inbound) error
)

type route struct {
	handle    handlerFunc
	preflight preflightFunc
}

func (h *Hub) registerRoute(event string, handle handlerFunc, preflight preflightFunc) {
	if _, exists := h.routes[event]; exists {
		panic("handler already registered: " + event)
	}
	h.routes[event] = route{handle: handle, preflight: preflight}
}

func (h *Hub) registerCoreRoutes() {
	h.registerPresenceRoutes()
	h.registerSignalingRoutes()
	h.registerChatRoutes()
}

// --- payload field helpers ---

func requireString(payload gjson.Result, field string) (string, error) {
	v := payload.Get(field)
	var s string
	switch v.Type {
	case gjson.String:
		s = v.Str
	case gjson.Number:
		// numeric ids are common from clients backed by integer keys
		s = strconv.FormatInt(v.Int(), 10)
	}
	if s == "" {
		return "", apperror.New(apperror.CodeValidation, fmt.Sprintf("payload field %q is required", field))
	}
	return s, nil
}

// requireBool looks the fields up in order and returns the first boolean.
func requireBool(payload gjson.Result, fields ...string) (bool, error) {
	for _, field := range fields {
		v := payload.Get(field)
		if v.Type == gjson.True || v.Type == gjson.False {
			return v.Bool(), nil
		}
	}
	return false, apperror.New(apperror.CodeValidation, fmt.Sprintf("payload field %q must be a boolean", fields[0]))
}

// errorEvent turns a handler error into the scoped error frame.
func errorEvent(event string, err error) errorPayload {
	d := apperror.Classify(err)
	msg := d.UserMessage
	var ae *apperror.Error
	if errors.As(err, &ae) && ae.Code == apperror.CodeValidation {
		// validation details are safe and more useful than the generic text
		msg = ae.Message
	}
	return errorPayload{Message: msg, Code: string(d.Code), Event: event}
}
