package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/media"
)

var (
	ErrDestroyed            = errors.New("transport destroyed")
	ErrChannelNotOpen       = errors.New("app message channel not open")
	ErrUnsupportedProcessor = errors.New("input processor not supported")
)

const (
	levelMaxAge   = 300 * time.Millisecond
	deleteTimeout = 5 * time.Second
)

// Session is one pion peer connection joined to a call. Callbacks are
// delivered on a single dispatch goroutine in the order pion reports them.
type Session struct {
	cfg    Config
	logger *slog.Logger

	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	mic    *micCapture
	levels *levelTracker

	dispatch  chan func()
	done      chan struct{}
	stopOnce  sync.Once
	connected chan struct{}
	connOnce  sync.Once
	failed    chan struct{}
	failOnce  sync.Once

	mu            sync.Mutex
	listeners     call.Listeners
	localAudio    bool
	autoSubscribe bool
	joined        bool
	left          bool
	destroyed     bool
	resource      string
	local         media.Participant
	remote        *media.Participant
	subs          map[string]call.Subscription
	pending       map[string][]*remoteTrack
	tracks        []*remoteTrack
	observerStop  chan struct{}
	followups     []func()
}

var _ call.Transport = (*Session)(nil)

func newSession(cfg Config, logger *slog.Logger) *Session {
	s := &Session{
		cfg:       cfg,
		logger:    logger,
		levels:    newLevelTracker(levelMaxAge, nil),
		dispatch:  make(chan func(), 256),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
		local:     media.Participant{SessionID: uuid.NewString(), Local: true},
		subs:      make(map[string]call.Subscription),
		pending:   make(map[string][]*remoteTrack),
	}
	go s.run()
	return s
}

func (s *Session) attach(pc *webrtc.PeerConnection, mic *micCapture) error {
	s.pc = pc
	s.mic = mic
	s.localAudio = mic != nil

	dc, err := pc.CreateDataChannel(appMessageChannel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnMessage(s.onDataMessage)
	s.dc = dc

	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(s.onConnectionState)
	return nil
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.dispatch:
			fn()
			s.drainFollowups()
		case <-s.done:
			return
		}
	}
}

// drainFollowups runs callbacks queued by deliverFollowup, including any
// they queue in turn.
func (s *Session) drainFollowups() {
	for {
		s.mu.Lock()
		fns := s.followups
		s.followups = nil
		s.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn()
		}
	}
}

func (s *Session) stopDispatch() {
	s.stopOnce.Do(func() { close(s.done) })
}

// deliver queues fn for the dispatch goroutine. fn sees the listeners
// registered at delivery time and is skipped once the session is destroyed.
func (s *Session) deliver(fn func(call.Listeners)) {
	select {
	case s.dispatch <- s.bind(fn):
	case <-s.done:
	}
}

// deliverFollowup queues fn without blocking. It runs on the dispatch
// goroutine right after the callback in progress, so it is safe to call
// from inside a listener.
func (s *Session) deliverFollowup(fn func(call.Listeners)) {
	s.mu.Lock()
	s.followups = append(s.followups, s.bind(fn))
	s.mu.Unlock()
	select {
	case s.dispatch <- func() {}:
	default:
	}
}

func (s *Session) bind(fn func(call.Listeners)) func() {
	return func() {
		s.mu.Lock()
		l, dead := s.listeners, s.destroyed
		s.mu.Unlock()
		if !dead {
			fn(l)
		}
	}
}

func (s *Session) Listen(l call.Listeners) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.destroyed {
		s.listeners = l
	}
}

func (s *Session) Join(ctx context.Context, opts call.JoinOptions) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrDestroyed
	case s.joined:
		s.mu.Unlock()
		return errors.New("already joined")
	}
	s.autoSubscribe = opts.AutoSubscribe
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-s.done:
		return ErrDestroyed
	case <-ctx.Done():
		return fmt.Errorf("gather ice candidates: %w", ctx.Err())
	}

	answer, resource, err := exchangeOffer(ctx, s.cfg.HTTPClient, opts.URL, s.pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	remote := media.Participant{SessionID: remoteParticipantID(resource), UserName: "remote"}
	s.mu.Lock()
	s.resource = resource
	s.remote = &remote
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-s.connected:
	case <-s.failed:
		return errors.New("peer connection failed")
	case <-s.done:
		return ErrDestroyed
	case <-ctx.Done():
		return fmt.Errorf("wait for connection: %w", ctx.Err())
	}

	s.mu.Lock()
	s.joined = true
	local := s.local
	s.mu.Unlock()

	s.logger.Info("joined call", "participant_id", remote.SessionID)
	s.deliver(func(l call.Listeners) {
		if l.OnParticipantJoined != nil {
			l.OnParticipantJoined(local)
		}
	})
	s.deliver(func(l call.Listeners) {
		if l.OnParticipantJoined != nil {
			l.OnParticipantJoined(remote)
		}
	})
	return nil
}

func (s *Session) SendAppMessage(data string) error {
	if s.dc == nil || s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return s.dc.SendText(data)
}

func (s *Session) SetLocalAudio(enabled bool) {
	s.mu.Lock()
	s.localAudio = enabled
	mic := s.mic
	s.mu.Unlock()

	if mic == nil {
		return
	}
	if err := mic.setEnabled(enabled); err != nil {
		s.logger.Warn("toggle microphone failed", "enabled", enabled, "error", err)
	}
}

func (s *Session) LocalAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAudio
}

// UpdateParticipantSubscription records which tracks of participantID are
// wanted and starts any matching track that arrived before the request.
// It never blocks on delivery, so listeners may call it.
func (s *Session) UpdateParticipantSubscription(participantID string, sub call.Subscription) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.subs[participantID] = sub
	var ready, keep []*remoteTrack
	for _, rt := range s.pending[participantID] {
		if wants(sub, rt.kind) {
			ready = append(ready, rt)
		} else {
			keep = append(keep, rt)
		}
	}
	if len(keep) == 0 {
		delete(s.pending, participantID)
	} else {
		s.pending[participantID] = keep
	}
	s.mu.Unlock()

	for _, rt := range ready {
		s.emitTrackStarted(rt, s.deliverFollowup)
	}
	return nil
}

func (s *Session) StartAudioLevelObserver(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("audio level interval must be positive, got %s", interval)
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.observerStop != nil {
		close(s.observerStop)
	}
	stop := make(chan struct{})
	s.observerStop = stop
	s.mu.Unlock()

	go s.observeLevels(interval, stop)
	return nil
}

func (s *Session) RequestInputProcessor(_ context.Context, p call.InputProcessor) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedProcessor, p.Type)
}

func (s *Session) Surface() call.Surface { return nil }

func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.listeners = call.Listeners{}
	resource := s.resource
	tracks := s.tracks
	s.tracks = nil
	if s.observerStop != nil {
		close(s.observerStop)
		s.observerStop = nil
	}
	s.mu.Unlock()

	s.stopDispatch()
	for _, rt := range tracks {
		rt.closeSubscribers()
	}

	var errs []error
	if s.mic != nil {
		s.mic.close()
	}
	if s.dc != nil {
		if err := s.dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data channel: %w", err))
		}
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if resource != "" {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		if err := deleteResource(ctx, s.cfg.HTTPClient, resource); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) reportDeviceError(err error) {
	s.deliver(func(l call.Listeners) {
		if l.OnDeviceError != nil {
			l.OnDeviceError(err)
		}
	})
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) remoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return "remote"
	}
	return s.remote.SessionID
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Debug("peer connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connOnce.Do(func() { close(s.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.failOnce.Do(func() { close(s.failed) })

		s.mu.Lock()
		if !s.joined || s.destroyed || s.left {
			s.mu.Unlock()
			return
		}
		s.left = true
		remote := *s.remote
		s.mu.Unlock()

		s.logger.Info("call terminated by remote", "state", state.String())
		s.deliver(func(l call.Listeners) {
			if l.OnParticipantLeft != nil {
				l.OnParticipantLeft(remote)
			}
		})
		s.deliver(func(l call.Listeners) {
			if l.OnLeftMeeting != nil {
				l.OnLeftMeeting()
			}
		})
	}
}

func (s *Session) onDataMessage(msg webrtc.DataChannelMessage) {
	am := call.AppMessage{Data: string(msg.Data), FromID: s.remoteID()}
	s.deliver(func(l call.Listeners) {
		if l.OnAppMessage != nil {
			l.OnAppMessage(am)
		}
	})
}

func (s *Session) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	rt := newRemoteTrack(track.ID(), track.Kind(), s.remoteID())
	extID := audioLevelExtensionID(receiver.GetParameters())
	s.logger.Debug("remote track", "track_id", rt.id, "kind", string(rt.kind), "audio_level_ext", extID)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.tracks = append(s.tracks, rt)
	sub, ok := s.subs[rt.participantID]
	ready := s.autoSubscribe || (ok && wants(sub, rt.kind))
	if !ready {
		s.pending[rt.participantID] = append(s.pending[rt.participantID], rt)
	}
	s.mu.Unlock()

	go s.readTrack(track, rt, extID)
	if ready {
		s.emitTrackStarted(rt, s.deliver)
	}
}

func (s *Session) emitTrackStarted(rt *remoteTrack, queue func(func(call.Listeners))) {
	s.mu.Lock()
	var p *media.Participant
	if s.remote != nil && s.remote.SessionID == rt.participantID {
		cp := *s.remote
		p = &cp
	}
	s.mu.Unlock()

	ev := call.TrackEvent{Track: rt, Participant: p}
	queue(func(l call.Listeners) {
		if l.OnTrackStarted != nil {
			l.OnTrackStarted(ev)
		}
	})
}

func (s *Session) readTrack(track *webrtc.TrackRemote, rt *remoteTrack, extID int) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || s.isDestroyed() {
				return
			}
			s.deliver(func(l call.Listeners) {
				if l.OnError != nil {
					l.OnError(fmt.Errorf("read %s track: %w", rt.kind, err))
				}
			})
			return
		}
		if level, ok := readAudioLevel(pkt, extID); ok {
			s.levels.update(rt.participantID, level)
		}
		rt.publish(pkt)
	}
}

func (s *Session) observeLevels(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			remote := s.remote
			s.mu.Unlock()
			if remote == nil {
				continue
			}
			levels := s.levels.snapshot([]string{remote.SessionID})
			s.deliver(func(l call.Listeners) {
				if l.OnRemoteAudioLevels != nil {
					l.OnRemoteAudioLevels(levels)
				}
			})
		}
	}
}

func wants(sub call.Subscription, kind media.Kind) bool {
	if kind == media.KindAudio {
		return sub.Audio
	}
	return sub.Video
}
