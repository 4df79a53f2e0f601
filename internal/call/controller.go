// Package call implements the client-side voice call controller: it
// provisions a call, drives one media transport and turns transport
// callbacks into call events.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ent0n29/voicecall/internal/events"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/playback"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/provisioning"
	"github.com/ent0n29/voicecall/internal/speech"
)

// Provisioner resolves a joinable call URL.
type Provisioner interface {
	WebCallURL(ctx context.Context, req provisioning.Request) (string, error)
}

type Options struct {
	// Credential builds the default provisioning client when Provisioner is nil.
	Credential  Credential
	Provisioner Provisioner
	Transports  TransportFactory
	Sinks       playback.SinkFactory
	Speech      speech.Config
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	Clock       clock.Clock
}

// Controller owns at most one call at a time. All methods are safe for
// concurrent use; events are emitted without any controller lock held.
type Controller struct {
	provisioner Provisioner
	transports  TransportFactory
	players     *playback.Binding
	emitter     *events.Emitter
	speechCfg   speech.Config
	metrics     *observability.Metrics
	logger      *slog.Logger
	clock       clock.Clock

	mu        sync.Mutex
	started   bool
	epoch     uint64
	transport Transport
	detector  *speech.Detector
	sessCtx   context.Context
	cancel    context.CancelFunc
	session   Session
}

func NewController(opts Options) (*Controller, error) {
	if opts.Transports == nil {
		return nil, errors.New("call controller: transport factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	prov := opts.Provisioner
	if prov == nil {
		prov = provisioning.New(opts.Credential.BaseAPIURL, opts.Credential.PublicKey,
			provisioning.WithToken(opts.Credential.Token))
	}
	speechCfg := opts.Speech
	if speechCfg.Clock == nil {
		speechCfg.Clock = clk
	}

	return &Controller{
		provisioner: prov,
		transports:  opts.Transports,
		players:     playback.NewBinding(opts.Sinks, logger.With("component", "playback")),
		emitter:     events.New(logger.With("component", "events")),
		speechCfg:   speechCfg,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "call"),
		clock:       clk,
		session:     Session{Status: StatusIdle},
	}, nil
}

// Events returns the emitter carrying call-start, call-end, volume-level,
// speech-start, speech-end, message and error.
func (c *Controller) Events() *events.Emitter { return c.emitter }

// Session returns a snapshot of the current or last call.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start provisions and joins a call. A non-empty CustomCallURL is joined
// as given, without provisioning. Start returns nil when a call is already
// started or when startup fails; failures other than an unavailable
// transport are reported through the error event. The session is torn
// down before that event is emitted, so Session reports StatusError and
// an error listener may call Start again.
func (c *Controller) Start(ctx context.Context, req StartRequest) *StartResult {
	res, _ := c.StartCall(ctx, req)
	return res
}

// StartCall is Start with the outcome as an error: ErrCallInProgress when
// busy, ErrStartAborted when Stop won the race, or the startup failure.
// Events are emitted exactly as for Start.
func (c *Controller) StartCall(ctx context.Context, req StartRequest) (*StartResult, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.metrics.ObserveCallStart("busy")
		c.logger.Debug("start ignored, call already started")
		return nil, ErrCallInProgress
	}
	c.started = true
	c.epoch++
	epoch := c.epoch
	c.sessCtx, c.cancel = context.WithCancel(context.Background())
	c.session = Session{
		ID:            uuid.NewString(),
		Status:        StatusStarting,
		CorrelationID: req.CorrelationID(),
		StartedAt:     timePtr(c.clock.Now()),
	}
	logger := c.logger.With("session_id", c.session.ID)
	c.mu.Unlock()

	begin := c.clock.Now()
	res, err := c.start(ctx, epoch, req, logger)
	switch {
	case err == nil:
		c.metrics.ObserveCallStart("ok")
		c.metrics.ObserveStartupStage(observability.StageStartTotal, c.clock.Since(begin))
		logger.Info("call joined",
			"correlation_id", res.ID,
			"call_url", observability.Excerpt(c.Session().CallURL, 200),
		)
		return res, nil
	case errors.Is(err, errSuperseded) || !c.current(epoch):
		c.metrics.ObserveCallStart("superseded")
		logger.Debug("start abandoned, session ended meanwhile")
		return nil, ErrStartAborted
	case errors.Is(err, ErrTransportUnavailable):
		c.metrics.ObserveCallStart("transport_unavailable")
		logger.Warn("transport unavailable", "error", err)
		c.teardown(epoch, StatusError, err)
		return nil, err
	default:
		c.metrics.ObserveCallStart("error")
		logger.Error("call start failed", "error", err)
		if _, ok := c.teardown(epoch, StatusError, err); ok {
			emit(c, events.Error, err)
		}
		return nil, err
	}
}

func (c *Controller) start(ctx context.Context, epoch uint64, req StartRequest, logger *slog.Logger) (*StartResult, error) {
	url := req.CustomCallURL
	if url == "" {
		t0 := c.clock.Now()
		provisioned, err := c.provisioner.WebCallURL(ctx, req.provisioningRequest())
		c.metrics.ObserveStartupStage(observability.StageProvision, c.clock.Since(t0))
		if err != nil {
			return nil, fmt.Errorf("provision call: %w", err)
		}
		url = provisioned
	}
	if !c.current(epoch) {
		return nil, errSuperseded
	}
	if url == "" {
		return nil, ErrNoCallURL
	}

	c.releaseTransport(epoch)

	t0 := c.clock.Now()
	t, err := c.transports.CreateTransport(TransportOptions{Audio: true, Video: false})
	c.metrics.ObserveStartupStage(observability.StageCreateTransport, c.clock.Since(t0))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	if !c.install(epoch, t, url) {
		if err := t.Destroy(); err != nil {
			logger.Debug("destroy superseded transport", "error", err)
		}
		return nil, errSuperseded
	}

	if s := t.Surface(); s != nil {
		s.Hide()
	}
	t.Listen(c.listeners(epoch, t, logger))

	t0 = c.clock.Now()
	if err := t.Join(ctx, JoinOptions{URL: url, AutoSubscribe: false}); err != nil {
		return nil, fmt.Errorf("join call: %w", err)
	}
	c.metrics.ObserveStartupStage(observability.StageJoin, c.clock.Since(t0))
	if !c.current(epoch) {
		return nil, errSuperseded
	}

	if err := t.StartAudioLevelObserver(AudioLevelInterval); err != nil {
		return nil, fmt.Errorf("start audio level observer: %w", err)
	}
	if err := t.RequestInputProcessor(ctx, InputProcessor{Type: NoiseCancellation}); err != nil {
		logger.Warn("input processor unavailable", "type", NoiseCancellation, "error", err)
	}

	if !c.markActive(epoch) {
		return nil, errSuperseded
	}
	return &StartResult{ID: req.CorrelationID()}, nil
}

// Stop ends the current call, if any. It emits call-end when the call had
// been joined.
func (c *Controller) Stop() {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	if wasActive, ok := c.teardown(epoch, StatusEnded, nil); ok {
		c.logger.Info("call stopped")
		if wasActive {
			emit(c, events.CallEnd, events.Signal{})
		}
	}
}

// Send JSON-encodes payload and forwards it as an app message. It does
// nothing without a call and never fails.
func (c *Controller) Send(payload any) {
	t := c.currentTransport()
	if t == nil {
		return
	}
	frame, err := protocol.EncodeMessage(payload)
	if err != nil {
		c.logger.Warn("drop outbound message", "error", err)
		return
	}
	if err := t.SendAppMessage(frame); err != nil {
		c.logger.Warn("send app message failed", "error", err)
		return
	}
	c.metrics.ObserveAppMessage("outbound", "message")
}

func (c *Controller) Mute() error {
	return c.setLocalAudio(false)
}

func (c *Controller) Unmute() error {
	return c.setLocalAudio(true)
}

// IsMuted reports whether local audio is disabled. Without a call it is false.
func (c *Controller) IsMuted() bool {
	t := c.currentTransport()
	if t == nil {
		return false
	}
	return !t.LocalAudio()
}

func (c *Controller) setLocalAudio(enabled bool) error {
	t := c.currentTransport()
	if t == nil {
		return ErrNoCall
	}
	t.SetLocalAudio(enabled)
	return nil
}

func (c *Controller) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Controller) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && c.epoch == epoch
}

// sessionContext returns the per-call context, cancelled on teardown.
func (c *Controller) sessionContext(epoch uint64) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.epoch != epoch {
		return nil, false
	}
	return c.sessCtx, true
}

func (c *Controller) activeDetector(epoch uint64) *speech.Detector {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.epoch != epoch {
		return nil
	}
	return c.detector
}

// releaseTransport destroys a transport left over from earlier work in this
// session before a new one is created.
func (c *Controller) releaseTransport(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t != nil {
		if err := t.Destroy(); err != nil {
			c.logger.Debug("destroy previous transport", "error", err)
		}
	}
}

func (c *Controller) install(epoch uint64, t Transport, url string) bool {
	det := c.newDetector(epoch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.epoch != epoch {
		return false
	}
	c.transport = t
	c.detector = det
	c.session.CallURL = url
	return true
}

func (c *Controller) markActive(epoch uint64) bool {
	c.mu.Lock()
	if !c.started || c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.session.Status = StatusActive
	c.session.JoinedAt = timePtr(c.clock.Now())
	c.mu.Unlock()

	c.metrics.SetActiveCalls(1)
	return true
}

// teardown ends the session tagged epoch. ok is false when that session
// is already gone. wasActive reports whether it had been joined.
func (c *Controller) teardown(epoch uint64, status Status, cause error) (wasActive, ok bool) {
	c.mu.Lock()
	if !c.started || c.epoch != epoch {
		c.mu.Unlock()
		return false, false
	}
	c.started = false
	c.epoch++
	t := c.transport
	det := c.detector
	cancel := c.cancel
	c.transport = nil
	c.detector = nil
	c.cancel = nil
	c.sessCtx = nil
	wasActive = c.session.Status == StatusActive
	c.session.Status = status
	c.session.EndedAt = timePtr(c.clock.Now())
	if cause != nil {
		c.session.LastError = cause.Error()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if det != nil {
		det.Reset()
	}
	c.players.CloseAll()
	if t != nil {
		if err := t.Destroy(); err != nil {
			c.logger.Warn("transport destroy failed", "error", err)
		}
	}
	c.metrics.SetActiveCalls(0)
	return wasActive, true
}

func (c *Controller) newDetector(epoch uint64) *speech.Detector {
	return speech.NewDetector(c.speechCfg, speech.Callbacks{
		OnVolume: func(level float64) {
			if c.current(epoch) {
				emit(c, events.VolumeLevel, level)
			}
		},
		OnSpeechStart: func() {
			if c.current(epoch) {
				emit(c, events.SpeechStart, events.Signal{})
			}
		},
		OnSpeechEnd: func() {
			if c.current(epoch) {
				emit(c, events.SpeechEnd, events.Signal{})
			}
		},
	})
}

func emit[T any](c *Controller, topic events.Topic[T], v T) {
	c.metrics.ObserveEvent(string(topic.Name()))
	events.Emit(c.emitter, topic, v)
}
