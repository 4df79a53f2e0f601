package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ent0n29/voicecall/internal/events"
	"github.com/ent0n29/voicecall/internal/media"
	"github.com/ent0n29/voicecall/internal/playback"
	"github.com/ent0n29/voicecall/internal/provisioning"
)

type fakeSurface struct {
	hidden bool
}

func (s *fakeSurface) Hide() { s.hidden = true }

type fakeTransport struct {
	mu            sync.Mutex
	listeners     Listeners
	listenCalls   int
	joinOpts      JoinOptions
	joined        bool
	joinErr       error
	joinHook      func()
	sent          []string
	sendErr       error
	localAudio    bool
	subs          map[string]Subscription
	levelInterval time.Duration
	levelErr      error
	processors    []InputProcessor
	processorErr  error
	surface       *fakeSurface
	destroyed     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		localAudio: true,
		subs:       make(map[string]Subscription),
		surface:    &fakeSurface{},
	}
}

func (f *fakeTransport) Listen(l Listeners) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = l
	f.listenCalls++
}

func (f *fakeTransport) Join(_ context.Context, opts JoinOptions) error {
	f.mu.Lock()
	f.joinOpts = opts
	hook := f.joinHook
	err := f.joinErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.joined = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendAppMessage(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) SetLocalAudio(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localAudio = enabled
}

func (f *fakeTransport) LocalAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localAudio
}

func (f *fakeTransport) UpdateParticipantSubscription(id string, sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = sub
	return nil
}

func (f *fakeTransport) StartAudioLevelObserver(interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levelInterval = interval
	return f.levelErr
}

func (f *fakeTransport) RequestInputProcessor(_ context.Context, p InputProcessor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processors = append(f.processors, p)
	return f.processorErr
}

func (f *fakeTransport) Surface() Surface {
	if f.surface == nil {
		return nil
	}
	return f.surface
}

func (f *fakeTransport) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeTransport) cb() Listeners {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type fakeFactory struct {
	mu      sync.Mutex
	next    []*fakeTransport
	err     error
	created []*fakeTransport
	opts    []TransportOptions
}

func (f *fakeFactory) CreateTransport(opts TransportOptions) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	var t *fakeTransport
	if len(f.next) > 0 {
		t, f.next = f.next[0], f.next[1:]
	} else {
		t = newFakeTransport()
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type provisionerFunc func(ctx context.Context, req provisioning.Request) (string, error)

func (f provisionerFunc) WebCallURL(ctx context.Context, req provisioning.Request) (string, error) {
	return f(ctx, req)
}

func staticURL(url string) Provisioner {
	return provisionerFunc(func(context.Context, provisioning.Request) (string, error) {
		return url, nil
	})
}

type fakeSink struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sinkRecorder struct {
	mu    sync.Mutex
	sinks map[string]*fakeSink
	err   error
}

func (r *sinkRecorder) NewSink(_ context.Context, id string, _ media.Track) (playback.Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.sinks == nil {
		r.sinks = make(map[string]*fakeSink)
	}
	s := &fakeSink{}
	r.sinks[id] = s
	return s, nil
}

func (r *sinkRecorder) get(id string) *fakeSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[id]
}

type audioTrack struct{ id string }

func (a audioTrack) ID() string       { return a.id }
func (a audioTrack) Kind() media.Kind { return media.KindAudio }

type videoTrack struct{ id string }

func (v videoTrack) ID() string       { return v.id }
func (v videoTrack) Kind() media.Kind { return media.KindVideo }

// eventLog records every emission in order.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
	ch     chan events.Event
}

func watch(c *Controller) *eventLog {
	l := &eventLog{ch: make(chan events.Event, 64)}
	c.Events().Subscribe(func(ev events.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		select {
		case l.ch <- ev:
		default:
		}
	})
	return l
}

func (l *eventLog) names() []events.Name {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Name, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Name)
	}
	return out
}

func (l *eventLog) count(name events.Name) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (l *eventLog) payloads(name events.Name) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, name events.Name) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Name == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; got %v", name, l.names())
		}
	}
}

type harness struct {
	ctrl    *Controller
	factory *fakeFactory
	sinks   *sinkRecorder
	clock   *clock.Mock
	log     *eventLog
}

func newHarness(t *testing.T, prov Provisioner) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		sinks:   &sinkRecorder{},
		clock:   clock.NewMock(),
	}
	ctrl, err := NewController(Options{
		Provisioner: prov,
		Transports:  h.factory,
		Sinks:       h.sinks,
		Clock:       h.clock,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	h.ctrl = ctrl
	h.log = watch(ctrl)
	return h
}

func (h *harness) mustStart(t *testing.T, req StartRequest) *fakeTransport {
	t.Helper()
	if res := h.ctrl.Start(context.Background(), req); res == nil {
		t.Fatalf("Start() = nil, events %v", h.log.names())
	}
	return h.factory.last()
}

var errBoom = errors.New("boom")
