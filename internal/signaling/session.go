package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"call-bridge/internal/media"
)

var ErrNoStats = errors.New("signaling: media session returned no stats")

type answerBody struct {
	SessionID string `json:"session_id"`
	PartyID   string `json:"party_id"`
	SDP       string `json:"sdp"`
	SDPType   string `json:"sdp_type"`
}

type answerAck struct {
	SDP string `json:"sdp,omitempty"`
}

type partyBody struct {
	SessionID string `json:"session_id"`
	PartyID   string `json:"party_id,omitempty"`
	Target    string `json:"target,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AcceptInvite negotiates media on pc and answers the party. When the invite
// carried an offer we answer it; otherwise we send our own offer and apply the
// answer returned with the acknowledgment.
func (t *Transport) AcceptInvite(ctx context.Context, sessionID, partyID, offer string, pc media.PeerConnection, track *media.AudioTrack) error {
	sender, err := pc.AddAudioSender(track)
	if err != nil {
		return fmt.Errorf("signaling: add audio sender: %w", err)
	}

	var local media.SessionDescription
	if offer != "" {
		if err := pc.SetRemoteDescription(media.SessionDescription{Type: media.SDPTypeOffer, SDP: offer}); err != nil {
			return fmt.Errorf("signaling: apply remote offer: %w", err)
		}
		if local, err = pc.CreateAnswer(); err != nil {
			return fmt.Errorf("signaling: create answer: %w", err)
		}
	} else {
		if local, err = pc.CreateOffer(); err != nil {
			return fmt.Errorf("signaling: create offer: %w", err)
		}
	}
	if err := pc.SetLocalDescription(local); err != nil {
		return fmt.Errorf("signaling: apply local description: %w", err)
	}

	params := sender.GetParameters()
	if err := sender.SetParameters(params); err != nil {
		return fmt.Errorf("signaling: set sender parameters: %w", err)
	}
	if stats := pc.GetStats(); stats == nil {
		return ErrNoStats
	}

	resp, err := t.Request(ctx, MethodAnswer, answerBody{
		SessionID: sessionID,
		PartyID:   partyID,
		SDP:       local.SDP,
		SDPType:   string(local.Type),
	}, nil)
	if err != nil {
		return fmt.Errorf("signaling: answer: %w", err)
	}
	if !resp.OK() {
		return responseError(MethodAnswer, resp)
	}

	if local.Type == media.SDPTypeOffer {
		var ack answerAck
		if len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, &ack); err != nil {
				return fmt.Errorf("signaling: decode answer ack: %w", err)
			}
		}
		if ack.SDP == "" {
			return errors.New("signaling: answer ack carried no sdp for our offer")
		}
		if err := pc.SetRemoteDescription(media.SessionDescription{Type: media.SDPTypeAnswer, SDP: ack.SDP}); err != nil {
			return fmt.Errorf("signaling: apply remote answer: %w", err)
		}
	}

	t.log.Info("call answered", "session_id", sessionID, "party_id", partyID, "codec", pc.NegotiatedCodec().Name)
	return nil
}

// Decline rejects a ringing party.
func (t *Transport) Decline(ctx context.Context, sessionID, partyID, reason string) error {
	return t.partyRequest(ctx, MethodDecline, partyBody{SessionID: sessionID, PartyID: partyID, Reason: reason})
}

// Redirect forwards a ringing party, typically to voicemail.
func (t *Transport) Redirect(ctx context.Context, sessionID, partyID, target string) error {
	return t.partyRequest(ctx, MethodRedirect, partyBody{SessionID: sessionID, PartyID: partyID, Target: target})
}

// Hangup ends an answered session from our side.
func (t *Transport) Hangup(ctx context.Context, sessionID string) error {
	return t.partyRequest(ctx, MethodHangup, partyBody{SessionID: sessionID})
}

func (t *Transport) partyRequest(ctx context.Context, method Method, body partyBody) error {
	resp, err := t.Request(ctx, method, body, nil)
	if err != nil {
		return fmt.Errorf("signaling: %s: %w", method, err)
	}
	if !resp.OK() {
		return responseError(method, resp)
	}
	return nil
}
