package call

import (
	"errors"
	"time"

	"github.com/ent0n29/voicecall/internal/provisioning"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusError    Status = "error"
)

var (
	// ErrNoCall is returned by Mute and Unmute when no transport exists.
	ErrNoCall = errors.New("no active call")
	// ErrNoCallURL means provisioning produced no joinable address.
	ErrNoCallURL = errors.New("no call url")
	// ErrTransportUnavailable wraps transport creation failures.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrCallInProgress is returned by StartCall while a call is started.
	ErrCallInProgress = errors.New("call already started")
	// ErrStartAborted is returned by StartCall when Stop ended the session
	// before it joined.
	ErrStartAborted = errors.New("call stopped before it joined")

	errSuperseded = errors.New("session superseded")
)

// Session is a read-only snapshot of the controller's current or last call.
type Session struct {
	ID            string     `json:"session_id,omitempty"`
	Status        Status     `json:"status"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	CallURL       string     `json:"call_url,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	JoinedAt      *time.Time `json:"joined_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Credential authenticates provisioning requests.
type Credential struct {
	PublicKey  string
	Token      string
	BaseAPIURL string
}

type StartRequest struct {
	CompanionID   string         `json:"companion_id,omitempty"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	CustomCallURL string         `json:"custom_call_url,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CorrelationID is the first non-empty of WorkflowID, CompanionID and UserID.
// It is a caller-facing token, not a unique session id.
func (r StartRequest) CorrelationID() string {
	for _, id := range []string{r.WorkflowID, r.CompanionID, r.UserID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (r StartRequest) provisioningRequest() provisioning.Request {
	return provisioning.Request{
		CompanionID: r.CompanionID,
		WorkflowID:  r.WorkflowID,
		UserID:      r.UserID,
		Variables:   r.Variables,
		Metadata:    r.Metadata,
	}
}

type StartResult struct {
	ID string `json:"id"`
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
