package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ListeningFrame is sent by the remote side once it is ready to talk.
	ListeningFrame = "listening"
	// PlayableFrame tells the remote side that local playback is ready.
	PlayableFrame = "playable"
)

var ErrMalformedFrame = errors.New("malformed app message frame")

// FrameKind classifies an inbound app-message frame.
type FrameKind int

const (
	FrameListening FrameKind = iota + 1
	FrameMessage
)

// Frame is a decoded inbound app-message frame.
type Frame struct {
	Kind    FrameKind
	Payload any
}

// DecodeFrame interprets one inbound frame. The listening control frame is
// never surfaced as a message; anything else must be JSON.
func DecodeFrame(raw string) (Frame, error) {
	if raw == ListeningFrame {
		return Frame{Kind: FrameListening}, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return Frame{Kind: FrameMessage, Payload: payload}, nil
}

// EncodeMessage JSON-encodes an outbound application payload.
func EncodeMessage(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode app message: %w", err)
	}
	return string(raw), nil
}
