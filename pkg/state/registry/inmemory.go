package registry

import (
	"log/slog"
	"sort"
	"time"

	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/google/uuid"
)

// InMemory keeps connections and rooms in plain maps. It has no locks: the
// owning hub serializes every call through its dispatch loop.
type InMemory struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]map[uuid.UUID]*state.Connection
	rooms map[state.RoomID]*state.Room

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]map[uuid.UUID]*state.Connection),
		rooms:  make(map[state.RoomID]*state.Room),
		now:    time.Now,
		logger: logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemory implements Registry.
var _ state.Registry = (*InMemory)(nil)

func (m *InMemory) Admit(conn *state.Connection) bool {
	if _, exists := m.conns[conn.ID]; exists {
		return false
	}
	if conn.JoinedRooms == nil {
		conn.JoinedRooms = make(map[state.RoomID]struct{})
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = m.now()
	}
	m.conns[conn.ID] = conn

	byUser, ok := m.users[conn.UserID]
	if !ok {
		byUser = make(map[uuid.UUID]*state.Connection)
		m.users[conn.UserID] = byUser
	}
	byUser[conn.ID] = conn

	m.logger.Debug("Connection admitted", slog.String("connID", conn.ID.String()), slog.String("userID", conn.UserID))
	return true
}

func (m *InMemory) Disconnect(connID uuid.UUID) []state.Departure {
	conn, ok := m.conns[connID]
	if !ok {
		// already gone
		return nil
	}

	rooms := make([]state.RoomID, 0, len(conn.JoinedRooms))
	for roomID := range conn.JoinedRooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })

	departures := make([]state.Departure, 0, len(rooms))
	for _, roomID := range rooms {
		if dep, left := m.LeaveRoom(connID, roomID); left {
			departures = append(departures, dep)
		}
	}

	delete(m.conns, connID)
	if byUser := m.users[conn.UserID]; byUser != nil {
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(m.users, conn.UserID)
		}
	}
	m.logger.Debug("Connection removed", slog.String("connID", connID.String()), slog.Int("roomsLeft", len(departures)))
	return departures
}

func (m *InMemory) Connection(connID uuid.UUID) (*state.Connection, bool) {
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemory) Connections() []*state.Connection {
	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemory) UserConnectionCount(userID string) int {
	return len(m.users[userID])
}

func (m *InMemory) OldestUserConnection(userID string) (*state.Connection, bool) {
	var oldest *state.Connection
	for _, conn := range m.users[userID] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// --- Room & Membership Management ---

func (m *InMemory) JoinRoom(connID uuid.UUID, roomID state.RoomID, kind state.RoomKind) ([]state.Participant, bool, bool) {
	conn, ok := m.conns[connID]
	if !ok {
		// a join that lost the race against its own disconnect must not
		// resurrect the room
		return nil, false, false
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:           roomID,
			Kind:         kind,
			Participants: make(map[uuid.UUID]*state.Participant),
		}
		m.rooms[roomID] = room
	}

	joined := false
	if _, member := room.Participants[connID]; !member {
		room.Participants[connID] = &state.Participant{
			ConnectionID: connID,
			UserID:       conn.UserID,
			JoinedAt:     m.now(),
		}
		conn.JoinedRooms[roomID] = struct{}{}
		joined = true
		m.logger.Debug("Joined room", slog.String("connID", connID.String()), slog.String("roomID", string(roomID)))
	}

	return others(room, connID), joined, true
}

func (m *InMemory) LeaveRoom(connID uuid.UUID, roomID state.RoomID) (state.Departure, bool) {
	room, ok := m.rooms[roomID]
	if !ok {
		return state.Departure{}, false
	}
	p, member := room.Participants[connID]
	if !member {
		return state.Departure{}, false
	}

	delete(room.Participants, connID)
	if conn, ok := m.conns[connID]; ok {
		delete(conn.JoinedRooms, roomID)
	}

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Participants) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", string(roomID)))
	}

	return state.Departure{
		RoomID:      roomID,
		Kind:        room.Kind,
		Participant: *p,
		Remaining:   len(room.Participants),
	}, true
}

func (m *InMemory) Room(roomID state.RoomID) (*state.Room, bool) {
	room, ok := m.rooms[roomID]
	return room, ok
}

func (m *InMemory) Members(roomID state.RoomID) []*state.Connection {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Participants))
	for connID := range room.Participants {
		if conn, ok := m.conns[connID]; ok {
			members = append(members, conn)
		}
	}
	return members
}

func (m *InMemory) RoomsOf(connID uuid.UUID, kind state.RoomKind) []state.RoomID {
	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	var ids []state.RoomID
	for roomID := range conn.JoinedRooms {
		if room, ok := m.rooms[roomID]; ok && room.Kind == kind {
			ids = append(ids, roomID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *InMemory) IsMember(connID uuid.UUID, roomID state.RoomID) bool {
	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, member := room.Participants[connID]
	return member
}

func (m *InMemory) SetParticipantFlag(connID uuid.UUID, roomID state.RoomID, field state.ParticipantField, value bool) (bool, bool) {
	room, ok := m.rooms[roomID]
	if !ok {
		return false, false
	}
	p, ok := room.Participants[connID]
	if !ok {
		return false, false
	}

	var target *bool
	switch field {
	case state.FieldMuted:
		target = &p.IsMuted
	case state.FieldVideoOff:
		target = &p.IsVideoOff
	case state.FieldSharingScreen:
		target = &p.IsSharingScreen
	default:
		return false, false
	}
	if *target == value {
		return false, true
	}
	*target = value
	return true, true
}

func (m *InMemory) Stats() state.Stats {
	stats := state.Stats{
		Connections: len(m.conns),
		Rooms:       len(m.rooms),
		RoomDetails: make([]state.RoomStat, 0, len(m.rooms)),
	}
	for _, room := range m.rooms {
		stats.RoomDetails = append(stats.RoomDetails, state.RoomStat{
			ID:           room.ID,
			Kind:         room.Kind,
			Participants: len(room.Participants),
		})
	}
	sort.Slice(stats.RoomDetails, func(i, j int) bool { return stats.RoomDetails[i].ID < stats.RoomDetails[j].ID })
	return stats
}

func others(room *state.Room, self uuid.UUID) []state.Participant {
	out := make([]state.Participant, 0, len(room.Participants))
	for id, p := range room.Participants {
		if id == self {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID.String() < out[j].ConnectionID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
