package hub

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/google/uuid"
)

const defaultMessageType = "text"

func (h *Hub) registerChatRoutes() {
	h.registerRoute(EvChatSend, handleChatSend, nil)
	h.registerRoute(EvChatTyping, handleChatTyping, nil)
}

// handleChatSend fans a message out to everyone in the study room, sender
// included. Delivery is best effort: nothing is stored.
func handleChatSend(h *Hub, hc *handlerCtx) error {
	studyID, err := requireString(hc.msg.Payload, "studyId")
	if err != nil {
		return err
	}
	roomID := state.StudyRoomID(studyID)
	if !h.registry.IsMember(hc.conn.ID, roomID) {
		return ErrNotParticipant.With("studyId", studyID)
	}

	message := hc.msg.Payload.Get("message").String()
	if strings.TrimSpace(message) == "" {
		return apperror.New(apperror.CodeEmptyContent, "message is empty")
	}
	if n := utf8.RuneCountInString(message); n > h.opts.MaxMessageLength {
		return apperror.New(apperror.CodeContentTooLong,
			fmt.Sprintf("message has %d characters, limit is %d", n, h.opts.MaxMessageLength))
	}
	if limiter, ok := h.limiters[hc.conn.ID]; ok && !limiter.AllowN(h.now(), 1) {
		return apperror.New(apperror.CodeRateLimited, "chat rate limit exceeded").With("studyId", studyID)
	}

	msgType := hc.msg.Payload.Get("type").String()
	if msgType == "" {
		msgType = defaultMessageType
	}

	h.broadcast(roomID, uuid.Nil, EvMessageReceived, chatMessagePayload{
		ID:      uuid.New(),
		StudyID: studyID,
		Message: message,
		Type:    msgType,
		Sender: chatSender{
			UserID: hc.conn.UserID,
			Name:   hc.conn.Profile.Name,
			Avatar: hc.conn.Profile.Avatar,
		},
		Timestamp: h.now().UTC(),
	})
	return nil
}

func handleChatTyping(h *Hub, hc *handlerCtx) error {
	studyID, err := requireString(hc.msg.Payload, "studyId")
	if err != nil {
		return err
	}
	isTyping, err := requireBool(hc.msg.Payload, "isTyping")
	if err != nil {
		return err
	}
	roomID := state.StudyRoomID(studyID)
	if !h.registry.IsMember(hc.conn.ID, roomID) {
		return ErrNotParticipant.With("studyId", studyID)
	}
	h.broadcast(roomID, hc.conn.ID, EvUserTyping, typingPayload{
		StudyID:      studyID,
		ConnectionID: hc.conn.ID,
		UserID:       hc.conn.UserID,
		IsTyping:     isTyping,
	})
	return nil
}
