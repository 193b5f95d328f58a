package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/state"
)

var validStatuses = map[string]struct{}{
	"online":  {},
	"away":    {},
	"busy":    {},
	"offline": {},
}

func (h *Hub) registerPresenceRoutes() {
	h.registerRoute(EvJoinStudy, handleJoinStudy, preflightStudyMember("studyId"))
	h.registerRoute(EvLeaveStudy, handleLeaveStudy, nil)
	h.registerRoute(EvStatusChange, handleStatusChange, nil)
}

// preflightStudyMember asks the identity service whether the sender belongs
// to the study named by field.
func preflightStudyMember(field string) preflightFunc {
	return func(ctx context.Context, h *Hub, conn *state.Connection, msg inbound) error {
		studyID, err := requireString(msg.Payload, field)
		if err != nil {
			return err
		}
		return h.checkMembership(ctx, conn, studyID)
	}
}

func (h *Hub) checkMembership(ctx context.Context, conn *state.Connection, studyID string) error {
	if h.members == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.MembershipTimeout)
	defer cancel()

	err := h.members.CheckMember(ctx, studyID, conn.UserID)
	if err == nil {
		return nil
	}

	var unreachable *identity.UnreachableError
	if errors.As(err, &unreachable) {
		if !h.opts.Production {
			h.logger.Warn("Membership service unreachable, allowing join",
				slog.String("userID", conn.UserID),
				slog.String("studyID", studyID),
				slog.Any("error", err))
			return nil
		}
		return apperror.Wrap(apperror.CodeVerificationUnreachable, "membership check unavailable", err)
	}

	var status apperror.StatusCoder
	if errors.As(err, &status) && status.StatusCode() >= 500 {
		return apperror.Wrap(apperror.CodeServerError, "membership check failed", err)
	}
	return apperror.Wrap(apperror.CodeForbidden, fmt.Sprintf("user is not a member of study %s", studyID), err).
		With("studyId", studyID)
}

func handleJoinStudy(h *Hub, hc *handlerCtx) error {
	studyID, err := requireString(hc.msg.Payload, "studyId")
	if err != nil {
		return err
	}
	roomID := state.StudyRoomID(studyID)

	_, joined, ok := h.registry.JoinRoom(hc.conn.ID, roomID, state.RoomStudy)
	if !ok {
		return nil
	}
	if joined {
		profile := hc.conn.Profile
		h.broadcast(roomID, hc.conn.ID, EvUserOnline, presencePayload{
			StudyID:      studyID,
			ConnectionID: hc.conn.ID,
			UserID:       hc.conn.UserID,
			User:         &profile,
		})
	}

	users := h.onlineUsers(roomID)
	h.emitTo(hc.conn, EvOnlineCount, onlineCountPayload{
		StudyID: studyID,
		Count:   len(users),
		Users:   users,
	})
	return nil
}

func handleLeaveStudy(h *Hub, hc *handlerCtx) error {
	studyID, err := requireString(hc.msg.Payload, "studyId")
	if err != nil {
		return err
	}
	if dep, left := h.registry.LeaveRoom(hc.conn.ID, state.StudyRoomID(studyID)); left {
		h.announceDeparture(hc.conn, dep)
	}
	return nil
}

func handleStatusChange(h *Hub, hc *handlerCtx) error {
	status, err := requireString(hc.msg.Payload, "status")
	if err != nil {
		return err
	}
	if _, ok := validStatuses[status]; !ok {
		return apperror.New(apperror.CodeValidation, fmt.Sprintf("unknown status %q", status))
	}

	for _, roomID := range h.registry.RoomsOf(hc.conn.ID, state.RoomStudy) {
		h.broadcast(roomID, hc.conn.ID, EvUserStatusChanged, statusPayload{
			StudyID:      roomID.External(),
			ConnectionID: hc.conn.ID,
			UserID:       hc.conn.UserID,
			Status:       status,
		})
	}
	return nil
}

// onlineUsers lists the distinct users with a local connection in roomID.
// Peers attached to other nodes are not counted; they surface through the
// backplane as presence:user-online events.
func (h *Hub) onlineUsers(roomID state.RoomID) []string {
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, member := range h.registry.Members(roomID) {
		if _, dup := seen[member.UserID]; dup {
			continue
		}
		seen[member.UserID] = struct{}{}
		users = append(users, member.UserID)
	}
	sort.Strings(users)
	return users
}
