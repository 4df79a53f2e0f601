package call

import (
	"context"
	"time"

	"github.com/ent0n29/voicecall/internal/media"
)

// AudioLevelInterval is the sampling period requested from the transport's
// remote audio-level observer.
const AudioLevelInterval = 100 * time.Millisecond

// NoiseCancellation is the input processor requested after join.
const NoiseCancellation = "noise-cancellation"

// TransportOptions restricts what the transport captures locally.
type TransportOptions struct {
	Audio bool
	Video bool
}

// TransportFactory creates one transport per call. An error means the
// environment cannot capture or connect at all.
type TransportFactory interface {
	CreateTransport(opts TransportOptions) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(opts TransportOptions) (Transport, error)

func (f TransportFactoryFunc) CreateTransport(opts TransportOptions) (Transport, error) {
	return f(opts)
}

type JoinOptions struct {
	URL           string
	AutoSubscribe bool
}

// Subscription selects which of a participant's tracks are received.
type Subscription struct {
	Audio bool
	Video bool
}

type InputProcessor struct {
	Type string
}

// AppMessage is one inbound frame on the opaque app-message channel.
type AppMessage struct {
	Data   string
	FromID string
}

// TrackEvent reports a remote track that started flowing. Participant is
// nil when the transport cannot attribute the track.
type TrackEvent struct {
	Track       media.Track
	Participant *media.Participant
}

// Listeners are the transport callbacks. Transports must invoke them from
// a single goroutine at a time, in the order the underlying events occur.
// Nil fields are skipped.
type Listeners struct {
	OnLeftMeeting       func()
	OnParticipantLeft   func(media.Participant)
	OnError             func(error)
	OnDeviceError       func(error)
	OnTrackStarted      func(TrackEvent)
	OnParticipantJoined func(media.Participant)
	OnRemoteAudioLevels func(levels map[string]float64)
	OnAppMessage        func(AppMessage)
}

// Surface is a transport's visual surface, if it renders one.
type Surface interface {
	Hide()
}

// Transport is one real-time media session.
type Transport interface {
	// Listen replaces the registered callbacks. It must be called before Join.
	Listen(l Listeners)
	Join(ctx context.Context, opts JoinOptions) error
	SendAppMessage(data string) error
	SetLocalAudio(enabled bool)
	LocalAudio() bool
	UpdateParticipantSubscription(participantID string, sub Subscription) error
	StartAudioLevelObserver(interval time.Duration) error
	RequestInputProcessor(ctx context.Context, p InputProcessor) error
	// Surface returns nil for transports without a visual surface.
	Surface() Surface
	// Destroy leaves the call and releases every resource. Registered
	// callbacks are not invoked afterwards.
	Destroy() error
}
