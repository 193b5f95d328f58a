package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedClient(t *testing.T) (*Client, *fakeSession) {
	t.Helper()
	tr := newFakeTransport()
	c := newTestClient(tr, Options{})
	rec := record(c)
	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	t.Cleanup(c.Disconnect)
	return c, tr.session(0)
}

func TestSignalingHelpers(t *testing.T) {
	c, sess := connectedClient(t)
	ctx := context.Background()
	peer := "6f1c1c8e-3f57-4b7a-9d6c-2b1f9a3f1e10"

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	require.NoError(t, c.SendOffer(ctx, peer, offer))
	sent := sess.written(EvOffer)
	require.Len(t, sent, 1)
	assert.Equal(t, peer, sent[0].Get("to").Str)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\n"}`, sent[0].Get("payload").Raw)

	err := c.SendAnswer(ctx, peer, offer)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeValidation, apperror.CodeOf(err))
	assert.Empty(t, sess.written(EvAnswer))

	mid := "0"
	idx := uint16(0)
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	require.NoError(t, c.SendICECandidate(ctx, peer, cand))
	require.Len(t, sess.written(EvICECandidate), 1)

	// what the hub relays back is {from, payload}
	inbound := json.RawMessage(`{"from":"` + peer + `","payload":` + sess.written(EvICECandidate)[0].Get("payload").Raw + `}`)
	relayed, err := DecodeRelayed(inbound)
	require.NoError(t, err)
	assert.Equal(t, peer, relayed.From)
	got, err := relayed.ICECandidate()
	require.NoError(t, err)
	assert.Equal(t, cand.Candidate, got.Candidate)
	require.NotNil(t, got.SDPMid)
	assert.Equal(t, "0", *got.SDPMid)
}

func TestToggleAndChatFrames(t *testing.T) {
	c, sess := connectedClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetMuted(ctx, "r1", true))
	require.NoError(t, c.SetVideoOff(ctx, "r1", false))
	require.NoError(t, c.SetScreenSharing(ctx, "r1", true))
	require.NoError(t, c.SetScreenSharing(ctx, "r1", false))
	require.NoError(t, c.SetTyping(ctx, "s1", true))
	require.NoError(t, c.SendChat(ctx, "s1", "hello"))
	require.NoError(t, c.SetStatus(ctx, "away"))

	assert.JSONEq(t, `{"roomId":"r1","isMuted":true}`, sess.written(EvToggleAudio)[0].Raw)
	assert.JSONEq(t, `{"roomId":"r1","isVideoOff":false}`, sess.written(EvToggleVideo)[0].Raw)
	assert.Len(t, sess.written(EvScreenShareStart), 1)
	assert.Len(t, sess.written(EvScreenShareStop), 1)
	assert.True(t, sess.written(EvChatTyping)[0].Get("isTyping").Bool())
	assert.Equal(t, "hello", sess.written(EvChatSend)[0].Get("message").Str)
	assert.Equal(t, "away", sess.written(EvStatusChange)[0].Get("status").Str)
}

func TestLeaveWhileDisconnectedIsNotSent(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, Options{})
	ctx := context.Background()

	require.NoError(t, c.JoinStudy(ctx, "s1"))
	require.NoError(t, c.LeaveStudy(ctx, "s1"))

	rec := record(c)
	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.session(0).written(EvJoinStudy))
	assert.Empty(t, tr.session(0).written(EvLeaveStudy))
	c.Disconnect()
}
