package state

import (
	"strings"
	"time"

	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/google/uuid"
)

// Peer is the send side of a live transport.
type Peer interface {
	ID() uuid.UUID
	Send(msg []byte) bool
	Close(err error)
}

type RoomKind string

const (
	RoomStudy RoomKind = "STUDY"
	RoomVideo RoomKind = "VIDEO"
)

type RoomID string

// StudyRoomID and VideoRoomID namespace room ids so a study and a video
// room with the same external id never collide.
func StudyRoomID(studyID string) RoomID { return RoomID("study:" + studyID) }
func VideoRoomID(roomID string) RoomID  { return RoomID("video:" + roomID) }

// External strips the namespace prefix.
func (id RoomID) External() string {
	s := string(id)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// representation of a single authenticated transport-layer connection.
type Connection struct {
	ID            uuid.UUID
	UserID        string
	Profile       identity.Profile // snapshot taken at auth time, never refreshed
	Authenticated bool
	IPAddress     string
	Transport     Peer
	CreatedAt     time.Time
	JoinedRooms   map[RoomID]struct{}
}

// a named set of connections that receive each other's broadcasts.
type Room struct {
	ID           RoomID
	Kind         RoomKind
	Participants map[uuid.UUID]*Participant
}

// a connection's membership record within one room.
type Participant struct {
	ConnectionID    uuid.UUID `json:"connectionId"`
	UserID          string    `json:"userId"`
	IsMuted         bool      `json:"isMuted"`
	IsVideoOff      bool      `json:"isVideoOff"`
	IsSharingScreen bool      `json:"isSharingScreen"`
	JoinedAt        time.Time `json:"joinedAt"`
}

// ParticipantField names a toggle on Participant.
type ParticipantField string

const (
	FieldMuted         ParticipantField = "isMuted"
	FieldVideoOff      ParticipantField = "isVideoOff"
	FieldSharingScreen ParticipantField = "isSharingScreen"
)

// Departure is what a disconnect cascade reports for each room it left.
type Departure struct {
	RoomID      RoomID
	Kind        RoomKind
	Participant Participant
	Remaining   int
}

type RoomStat struct {
	ID           RoomID   `json:"id"`
	Kind         RoomKind `json:"kind"`
	Participants int      `json:"participants"`
}

type Stats struct {
	Connections int        `json:"connections"`
	Rooms       int        `json:"rooms"`
	RoomDetails []RoomStat `json:"roomDetails"`
}
