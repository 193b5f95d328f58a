package hub

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/backplane"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

func (h *Hub) registerSignalingRoutes() {
	h.registerRoute(EvJoinVideo, handleJoinVideo, preflightStudyMember("studyId"))
	h.registerRoute(EvLeaveVideo, handleLeaveVideo, nil)

	h.registerRoute(EvOffer, relayHandler(EvOffer), nil)
	h.registerRoute(EvAnswer, relayHandler(EvAnswer), nil)
	h.registerRoute(EvICECandidate, relayHandler(EvICECandidate), nil)

	h.registerRoute(EvToggleAudio, toggleHandler(state.FieldMuted, EvPeerAudioChanged, flagFrom("isMuted", "flag")), nil)
	h.registerRoute(EvToggleVideo, toggleHandler(state.FieldVideoOff, EvPeerVideoChanged, flagFrom("isVideoOff", "flag")), nil)
	h.registerRoute(EvScreenShareStart, toggleHandler(state.FieldSharingScreen, EvPeerScreenShare, constFlag(true)), nil)
	h.registerRoute(EvScreenShareStop, toggleHandler(state.FieldSharingScreen, EvPeerScreenShare, constFlag(false)), nil)
}

func handleJoinVideo(h *Hub, hc *handlerCtx) error {
	rawID, err := requireString(hc.msg.Payload, "roomId")
	if err != nil {
		return err
	}
	roomID := state.VideoRoomID(rawID)

	// only locally attached participants are visible here, so the limit is
	// enforced per node
	if room, exists := h.registry.Room(roomID); exists && !h.registry.IsMember(hc.conn.ID, roomID) {
		if len(room.Participants) >= h.opts.MaxVideoParticipants {
			return apperror.New(apperror.CodeRoomFull, fmt.Sprintf("room %s is full", rawID)).
				With("roomId", rawID).
				With("limit", h.opts.MaxVideoParticipants)
		}
	}

	others, joined, ok := h.registry.JoinRoom(hc.conn.ID, roomID, state.RoomVideo)
	if !ok {
		return nil
	}

	// local participants only; remote peers arrive as video:user-joined
	views := make([]participantView, 0, len(others))
	for _, p := range others {
		view := participantView{Participant: p}
		if member, ok := h.registry.Connection(p.ConnectionID); ok {
			view.User = member.Profile
		}
		views = append(views, view)
	}
	h.emitTo(hc.conn, EvRoomState, roomStatePayload{RoomID: rawID, Participants: views})

	if joined {
		profile := hc.conn.Profile
		h.broadcast(roomID, hc.conn.ID, EvUserJoined, videoPeerPayload{
			RoomID:       rawID,
			ConnectionID: hc.conn.ID,
			UserID:       hc.conn.UserID,
			User:         &profile,
		})
	}
	return nil
}

func handleLeaveVideo(h *Hub, hc *handlerCtx) error {
	rawID, err := requireString(hc.msg.Payload, "roomId")
	if err != nil {
		return err
	}
	if dep, left := h.registry.LeaveRoom(hc.conn.ID, state.VideoRoomID(rawID)); left {
		h.announceDeparture(hc.conn, dep)
	}
	return nil
}

// relayHandler forwards the "payload" field to the connection named by "to".
// The payload is copied from the inbound frame as raw bytes and never
// decoded.
func relayHandler(event string) handlerFunc {
	return func(h *Hub, hc *handlerCtx) error {
		to, err := requireString(hc.msg.Payload, "to")
		if err != nil {
			return err
		}
		target, err := uuid.Parse(to)
		if err != nil {
			return apperror.New(apperror.CodeValidation, fmt.Sprintf("payload field %q is not a connection id", "to"))
		}
		if target == hc.conn.ID {
			return apperror.New(apperror.CodeValidation, "cannot signal to self")
		}
		body := hc.msg.Payload.Get("payload")
		if !body.Exists() {
			return apperror.New(apperror.CodeValidation, `payload field "payload" is required`)
		}

		rooms := h.registry.RoomsOf(hc.conn.ID, state.RoomVideo)
		if len(rooms) == 0 {
			return ErrNotParticipant
		}
		data := relayBody(hc.conn.ID, body)

		if peer, local := h.registry.Connection(target); local {
			for _, roomID := range rooms {
				if h.registry.IsMember(peer.ID, roomID) {
					peer.Transport.Send(encodeFrame(event, data))
					return nil
				}
			}
			return ErrNotParticipant.With("to", to)
		}

		// not attached here: let the owning node check the shared room
		allowed := make([]string, len(rooms))
		for i, roomID := range rooms {
			allowed[i] = string(roomID)
		}
		h.publish(backplane.Envelope{
			Target:       target,
			AllowedRooms: allowed,
			Event:        event,
			Payload:      data,
		})
		h.logger.Debug("Relayed to remote peer", slog.String("event", event), slog.String("from", hc.conn.ID.String()), slog.String("to", to))
		return nil
	}
}

// relayBody builds {"from":"<id>","payload":<raw>} around the untouched
// payload bytes.
func relayBody(from uuid.UUID, payload gjson.Result) []byte {
	raw := payload.Raw
	out := make([]byte, 0, len(raw)+64)
	out = append(out, `{"from":`...)
	out = strconv.AppendQuote(out, from.String())
	out = append(out, `,"payload":`...)
	out = append(out, raw...)
	out = append(out, '}')
	return out
}

type flagFunc func(payload gjson.Result) (bool, error)

func flagFrom(fields ...string) flagFunc {
	return func(payload gjson.Result) (bool, error) { return requireBool(payload, fields...) }
}

func constFlag(v bool) flagFunc {
	return func(gjson.Result) (bool, error) { return v, nil }
}

// toggleHandler sets one participant flag and broadcasts only the change.
func toggleHandler(field state.ParticipantField, event string, value flagFunc) handlerFunc {
	return func(h *Hub, hc *handlerCtx) error {
		rawID, err := requireString(hc.msg.Payload, "roomId")
		if err != nil {
			return err
		}
		v, err := value(hc.msg.Payload)
		if err != nil {
			return err
		}
		roomID := state.VideoRoomID(rawID)
		changed, ok := h.registry.SetParticipantFlag(hc.conn.ID, roomID, field, v)
		if !ok {
			return ErrNotParticipant.With("roomId", rawID)
		}
		if !changed {
			return nil
		}
		h.broadcast(roomID, hc.conn.ID, event, deltaPayload{
			ConnectionID: hc.conn.ID,
			Field:        field,
			Value:        v,
		})
		return nil
	}
}
