// Package media holds the participant and track types shared by the call
// controller, the playback binding and the transports.
package media

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is an inbound media track as seen by the controller.
type Track interface {
	ID() string
	Kind() Kind
}

// Participant identifies one party of the call.
type Participant struct {
	SessionID string `json:"session_id"`
	UserName  string `json:"user_name"`
	Local     bool   `json:"local"`
}

// Anonymous reports whether the participant has no user name.
func (p Participant) Anonymous() bool {
	return p.UserName == ""
}
