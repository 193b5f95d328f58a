package state

import "github.com/google/uuid"

// Registry is the bookkeeping of live connections and room membership.
//
// Implementations are not required to be safe for concurrent use: a hub
// instance owns exactly one registry and touches it from a single goroutine.
// Every operation is idempotent and treats unknown connection ids as a
// no-op, so events that arrive out of order still converge.
type Registry interface {
	// --- Connection Lifecycle ---
	// Admit registers an authenticated connection. Admitting the same id
	// twice keeps the first record and reports false.
	Admit(conn *Connection) bool
	// Disconnect leaves every joined room, then forgets the connection.
	Disconnect(connID uuid.UUID) []Departure
	Connection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection
	UserConnectionCount(userID string) int
	OldestUserConnection(userID string) (*Connection, bool)

	// --- Room & Membership Management ---
	// JoinRoom returns the other participants at join time. joined is false
	// when the connection was already a member; ok is false for unknown
	// connections.
	JoinRoom(connID uuid.UUID, roomID RoomID, kind RoomKind) (others []Participant, joined bool, ok bool)
	LeaveRoom(connID uuid.UUID, roomID RoomID) (Departure, bool)
	Room(roomID RoomID) (*Room, bool)
	Members(roomID RoomID) []*Connection
	RoomsOf(connID uuid.UUID, kind RoomKind) []RoomID
	IsMember(connID uuid.UUID, roomID RoomID) bool

	// --- Participant state ---
	// SetParticipantFlag reports changed=false when the value was already set.
	SetParticipantFlag(connID uuid.UUID, roomID RoomID, field ParticipantField, value bool) (changed bool, ok bool)

	Stats() Stats
}
