package hub

import (
	"time"

	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/google/uuid"
)

// inbound events
const (
	EvJoinStudy    = "presence:join-study"
	EvLeaveStudy   = "presence:leave-study"
	EvStatusChange = "presence:status-change"

	EvJoinVideo        = "video:join-room"
	EvLeaveVideo       = "video:leave-room"
	EvOffer            = "video:offer"
	EvAnswer           = "video:answer"
	EvICECandidate     = "video:ice-candidate"
	EvToggleAudio      = "video:toggle-audio"
	EvToggleVideo      = "video:toggle-video"
	EvScreenShareStart = "video:screen-share-start"
	EvScreenShareStop  = "video:screen-share-stop"

	EvChatSend   = "chat:send-message"
	EvChatTyping = "chat:typing"
)

// outbound events
const (
	EvUserOnline        = "presence:user-online"
	EvUserOffline       = "presence:user-offline"
	EvUserStatusChanged = "presence:user-status-changed"
	EvOnlineCount       = "presence:online-count"

	EvRoomState        = "video:room-state"
	EvUserJoined       = "video:user-joined"
	EvUserLeft         = "video:user-left"
	EvPeerAudioChanged = "video:peer-audio-changed"
	EvPeerVideoChanged = "video:peer-video-changed"
	EvPeerScreenShare  = "video:peer-screen-share"

	EvMessageReceived = "chat:message-received"
	EvUserTyping      = "chat:user-typing"

	EvError = "error"
)

type presencePayload struct {
	StudyID      string            `json:"studyId"`
	ConnectionID uuid.UUID         `json:"connectionId"`
	UserID       string            `json:"userId"`
	User         *identity.Profile `json:"user,omitempty"`
}

type statusPayload struct {
	StudyID      string    `json:"studyId"`
	ConnectionID uuid.UUID `json:"connectionId"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
}

type onlineCountPayload struct {
	StudyID string   `json:"studyId"`
	Count   int      `json:"count"`
	Users   []string `json:"users"`
}

type participantView struct {
	state.Participant
	User identity.Profile `json:"user"`
}

type roomStatePayload struct {
	RoomID       string            `json:"roomId"`
	Participants []participantView `json:"participants"`
}

type videoPeerPayload struct {
	RoomID       string            `json:"roomId"`
	ConnectionID uuid.UUID         `json:"connectionId"`
	UserID       string            `json:"userId"`
	User         *identity.Profile `json:"user,omitempty"`
}

// deltaPayload is the whole toggle broadcast: one field, one value.
type deltaPayload struct {
	ConnectionID uuid.UUID              `json:"connectionId"`
	Field        state.ParticipantField `json:"field"`
	Value        bool                   `json:"value"`
}

type chatSender struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type chatMessagePayload struct {
	ID        uuid.UUID  `json:"id"`
	StudyID   string     `json:"studyId"`
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	Sender    chatSender `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
}

type typingPayload struct {
	StudyID      string    `json:"studyId"`
	ConnectionID uuid.UUID `json:"connectionId"`
	UserID       string    `json:"userId"`
	IsTyping     bool      `json:"isTyping"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
}
