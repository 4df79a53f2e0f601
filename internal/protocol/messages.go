package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/voicecall/internal/events"
)

// MessageType identifies websocket payload variants on the event stream.
type MessageType string

const (
	TypeClientSend   MessageType = "send"
	TypeClientMute   MessageType = "mute"
	TypeClientUnmute MessageType = "unmute"
	TypeClientStop   MessageType = "stop"
	TypeCallEvent    MessageType = "call_event"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSend asks the controller to forward Payload as an app message.
type ClientSend struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientControl carries the payload-less control actions.
type ClientControl struct {
	Type MessageType `json:"type"`
}

// CallEvent mirrors one emission of the call event channel.
type CallEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Event     string      `json:"event"`
	Volume    *float64    `json:"volume,omitempty"`
	Message   any         `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSend:
		var msg ClientSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Payload) == 0 {
			return nil, errors.New("invalid send: missing payload")
		}
		return msg, nil
	case TypeClientMute, TypeClientUnmute, TypeClientStop:
		return ClientControl{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NewCallEvent converts one emitter event into its wire form.
func NewCallEvent(sessionID string, ev events.Event) CallEvent {
	out := CallEvent{
		Type:      TypeCallEvent,
		SessionID: sessionID,
		Event:     string(ev.Name),
		TSMs:      ev.At.UnixMilli(),
	}
	switch p := ev.Payload.(type) {
	case float64:
		out.Volume = &p
	case error:
		out.Error = p.Error()
	case events.Signal, nil:
	default:
		out.Message = p
	}
	return out
}
