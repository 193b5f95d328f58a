package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/pion/webrtc/v4"
)

// Hub event names the client sends or inspects.
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

	EvError = "error"
)

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}{Event: event, Payload: payload})
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, fmt.Sprintf("cannot encode %s", event), err)
	}
	return data, nil
}

// Emit sends one event. It fails with SEND_FAILED unless CONNECTED.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sess, state := c.session, c.state
	c.mu.Unlock()
	if state != StateConnected || sess == nil {
		return apperror.New(apperror.CodeSendFailed, fmt.Sprintf("cannot send %s while %s", event, state))
	}
	if err := sess.Write(ctx, frame); err != nil {
		return apperror.Wrap(apperror.CodeSendFailed, fmt.Sprintf("send %s", event), err)
	}
	return nil
}

// remember records a join for replay and sends it now if connected. While
// not connected the join is only recorded and goes out on the next connect.
func (c *Client) remember(ctx context.Context, r rejoin) error {
	c.mu.Lock()
	replaced := false
	for i := range c.joins {
		if c.joins[i].key == r.key {
			c.joins[i] = r
			replaced = true
		}
	}
	if !replaced {
		c.joins = append(c.joins, r)
	}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Emit(ctx, r.event, r.payload)
}

func (c *Client) forget(ctx context.Context, key, event string, payload any) error {
	c.mu.Lock()
	for i := range c.joins {
		if c.joins[i].key == key {
			c.joins = append(c.joins[:i], c.joins[i+1:]...)
			break
		}
	}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Emit(ctx, event, payload)
}

// replayFrames encodes the remembered joins. Callers hold c.mu.
func (c *Client) replayFrames() [][]byte {
	frames := make([][]byte, 0, len(c.joins))
	for _, r := range c.joins {
		frame, err := encodeFrame(r.event, r.payload)
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

func (c *Client) JoinStudy(ctx context.Context, studyID string) error {
	return c.remember(ctx, rejoin{
		key:     "study:" + studyID,
		event:   EvJoinStudy,
		payload: map[string]string{"studyId": studyID},
	})
}

func (c *Client) LeaveStudy(ctx context.Context, studyID string) error {
	return c.forget(ctx, "study:"+studyID, EvLeaveStudy, map[string]string{"studyId": studyID})
}

func (c *Client) JoinVideoRoom(ctx context.Context, studyID, roomID string) error {
	return c.remember(ctx, rejoin{
		key:     "video:" + roomID,
		event:   EvJoinVideo,
		payload: map[string]string{"studyId": studyID, "roomId": roomID},
	})
}

func (c *Client) LeaveVideoRoom(ctx context.Context, roomID string) error {
	return c.forget(ctx, "video:"+roomID, EvLeaveVideo, map[string]string{"roomId": roomID})
}

func (c *Client) SetStatus(ctx context.Context, status string) error {
	return c.Emit(ctx, EvStatusChange, map[string]string{"status": status})
}

func (c *Client) SendChat(ctx context.Context, studyID, message string) error {
	return c.Emit(ctx, EvChatSend, map[string]string{"studyId": studyID, "message": message, "type": "text"})
}

func (c *Client) SetTyping(ctx context.Context, studyID string, typing bool) error {
	return c.Emit(ctx, EvChatTyping, map[string]any{"studyId": studyID, "isTyping": typing})
}

func (c *Client) SetMuted(ctx context.Context, roomID string, muted bool) error {
	return c.Emit(ctx, EvToggleAudio, map[string]any{"roomId": roomID, "isMuted": muted})
}

func (c *Client) SetVideoOff(ctx context.Context, roomID string, off bool) error {
	return c.Emit(ctx, EvToggleVideo, map[string]any{"roomId": roomID, "isVideoOff": off})
}

func (c *Client) SetScreenSharing(ctx context.Context, roomID string, sharing bool) error {
	event := EvScreenShareStop
	if sharing {
		event = EvScreenShareStart
	}
	return c.Emit(ctx, event, map[string]string{"roomId": roomID})
}

// --- signaling ---

type relayOut struct {
	To      string `json:"to"`
	Payload any    `json:"payload"`
}

// SendOffer relays an SDP offer to the connection id to.
func (c *Client) SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return apperror.New(apperror.CodeValidation, fmt.Sprintf("expected an offer, got %s", offer.Type))
	}
	return c.Emit(ctx, EvOffer, relayOut{To: to, Payload: offer})
}

func (c *Client) SendAnswer(ctx context.Context, to string, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer && answer.Type != webrtc.SDPTypePranswer {
		return apperror.New(apperror.CodeValidation, fmt.Sprintf("expected an answer, got %s", answer.Type))
	}
	return c.Emit(ctx, EvAnswer, relayOut{To: to, Payload: answer})
}

func (c *Client) SendICECandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error {
	return c.Emit(ctx, EvICECandidate, relayOut{To: to, Payload: candidate})
}

// Relayed is an inbound offer, answer or ICE candidate.
type Relayed struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeRelayed parses the payload of a video:offer, video:answer or
// video:ice-candidate event.
func DecodeRelayed(payload json.RawMessage) (Relayed, error) {
	var r Relayed
	if err := json.Unmarshal(payload, &r); err != nil {
		return Relayed{}, apperror.Wrap(apperror.CodeValidation, "malformed relay payload", err)
	}
	return r, nil
}

func (r Relayed) SessionDescription() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(r.Payload, &sd); err != nil {
		return sd, apperror.Wrap(apperror.CodeValidation, "malformed session description", err)
	}
	return sd, nil
}

func (r Relayed) ICECandidate() (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(r.Payload, &cand); err != nil {
		return cand, apperror.Wrap(apperror.CodeValidation, "malformed ICE candidate", err)
	}
	return cand, nil
}
