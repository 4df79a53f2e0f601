package call

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/ent0n29/voicecall/internal/events"
	"github.com/ent0n29/voicecall/internal/provisioning"
)

func TestStartProvisionsAndJoins(t *testing.T) {
	var gotReq provisioning.Request
	h := newHarness(t, provisionerFunc(func(_ context.Context, req provisioning.Request) (string, error) {
		gotReq = req
		return "https://x/y", nil
	}))

	res := h.ctrl.Start(context.Background(), StartRequest{CompanionID: "c1", UserID: "u1"})
	if res == nil || res.ID != "c1" {
		t.Fatalf("Start() = %#v, want {ID: c1}", res)
	}
	if gotReq.CompanionID != "c1" || gotReq.UserID != "u1" {
		t.Fatalf("provisioning request = %#v", gotReq)
	}

	tr := h.factory.last()
	if got := h.factory.opts[0]; got != (TransportOptions{Audio: true, Video: false}) {
		t.Fatalf("transport options = %#v, want audio only", got)
	}
	if tr.joinOpts != (JoinOptions{URL: "https://x/y", AutoSubscribe: false}) {
		t.Fatalf("join options = %#v", tr.joinOpts)
	}
	if tr.levelInterval != AudioLevelInterval || AudioLevelInterval.Milliseconds() != 100 {
		t.Fatalf("audio level interval = %v, want 100ms", tr.levelInterval)
	}
	if len(tr.processors) != 1 || tr.processors[0].Type != NoiseCancellation {
		t.Fatalf("input processors = %#v", tr.processors)
	}
	if !tr.surface.hidden {
		t.Fatalf("transport surface was not hidden")
	}
	if tr.listenCalls != 1 {
		t.Fatalf("Listen calls = %d, want 1", tr.listenCalls)
	}

	sess := h.ctrl.Session()
	if sess.Status != StatusActive || sess.CallURL != "https://x/y" || sess.CorrelationID != "c1" {
		t.Fatalf("session = %#v", sess)
	}
	if sess.ID == "" || sess.StartedAt == nil || sess.JoinedAt == nil {
		t.Fatalf("session missing id or timestamps: %#v", sess)
	}
	if n := len(h.log.names()); n != 0 {
		t.Fatalf("unexpected events on start: %v", h.log.names())
	}
}

func TestStartCorrelationIDPrecedence(t *testing.T) {
	cases := []struct {
		req  StartRequest
		want string
	}{
		{StartRequest{WorkflowID: "w", CompanionID: "c", UserID: "u"}, "w"},
		{StartRequest{CompanionID: "c", UserID: "u"}, "c"},
		{StartRequest{UserID: "u"}, "u"},
		{StartRequest{}, ""},
	}
	for _, tc := range cases {
		if got := tc.req.CorrelationID(); got != tc.want {
			t.Fatalf("CorrelationID(%#v) = %q, want %q", tc.req, got, tc.want)
		}
	}
}

func TestStartUsesCustomCallURL(t *testing.T) {
	h := newHarness(t, provisionerFunc(func(context.Context, provisioning.Request) (string, error) {
		t.Fatalf("provisioner must not be called with a custom call url")
		return "", nil
	}))

	tr := h.mustStart(t, StartRequest{CustomCallURL: "https://custom/room"})
	if tr.joinOpts.URL != "https://custom/room" {
		t.Fatalf("join url = %q", tr.joinOpts.URL)
	}
}

func TestStartPassesCustomCallURLVerbatim(t *testing.T) {
	h := newHarness(t, provisionerFunc(func(context.Context, provisioning.Request) (string, error) {
		t.Fatalf("provisioner must not be called with a non-empty custom call url")
		return "", nil
	}))

	for _, raw := range []string{" https://custom/room ", "   "} {
		tr := h.mustStart(t, StartRequest{CustomCallURL: raw})
		if tr.joinOpts.URL != raw {
			t.Fatalf("join url = %q, want %q", tr.joinOpts.URL, raw)
		}
		h.ctrl.Stop()
	}
}

func TestStartProvisioningErrorEmitsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"no capacity"}`))
	}))
	defer srv.Close()

	factory := &fakeFactory{}
	ctrl, err := NewController(Options{
		Credential: Credential{PublicKey: "pk", BaseAPIURL: srv.URL},
		Transports: factory,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	log := watch(ctrl)

	if res := ctrl.Start(context.Background(), StartRequest{CompanionID: "c1"}); res != nil {
		t.Fatalf("Start() = %#v, want nil", res)
	}
	errs := log.payloads(events.Error.Name())
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1 (%v)", len(errs), log.names())
	}
	if e, ok := errs[0].(error); !ok || !strings.Contains(e.Error(), "no capacity") {
		t.Fatalf("error payload = %#v, want message containing %q", errs[0], "no capacity")
	}
	if factory.count() != 0 {
		t.Fatalf("transport created after provisioning failure")
	}
	if got := ctrl.Session(); got.Status != StatusError || !strings.Contains(got.LastError, "no capacity") {
		t.Fatalf("session = %#v", got)
	}
}

func TestStartEmptyURLEmitsError(t *testing.T) {
	h := newHarness(t, staticURL(""))

	if res := h.ctrl.Start(context.Background(), StartRequest{CompanionID: "c1"}); res != nil {
		t.Fatalf("Start() = %#v, want nil", res)
	}
	errs := h.log.payloads(events.Error.Name())
	if len(errs) != 1 || !errors.Is(errs[0].(error), ErrNoCallURL) {
		t.Fatalf("error events = %#v, want ErrNoCallURL", errs)
	}
	if h.factory.count() != 0 {
		t.Fatalf("transport created without a url")
	}
}

func TestStartTwiceReturnsNil(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	h.mustStart(t, StartRequest{CompanionID: "c1"})

	if res := h.ctrl.Start(context.Background(), StartRequest{CompanionID: "c1"}); res != nil {
		t.Fatalf("second Start() = %#v, want nil", res)
	}
	if _, err := h.ctrl.StartCall(context.Background(), StartRequest{CompanionID: "c1"}); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("StartCall() error = %v, want ErrCallInProgress", err)
	}
	if h.factory.count() != 1 {
		t.Fatalf("transports created = %d, want 1", h.factory.count())
	}
	if h.ctrl.Session().Status != StatusActive {
		t.Fatalf("busy Start changed the session: %#v", h.ctrl.Session())
	}
}

func TestStartTransportUnavailableIsSilent(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	h.factory.err = errors.New("no microphone")

	if res, err := h.ctrl.StartCall(context.Background(), StartRequest{UserID: "u1"}); res != nil || !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("StartCall() = %#v, %v; want nil, ErrTransportUnavailable", res, err)
	}
	if names := h.log.names(); len(names) != 0 {
		t.Fatalf("events = %v, want none", names)
	}
	if h.ctrl.Session().Status != StatusError {
		t.Fatalf("session = %#v", h.ctrl.Session())
	}

	h.factory.err = nil
	h.mustStart(t, StartRequest{UserID: "u1"})
}

func TestStartJoinFailureTearsDown(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	tr := newFakeTransport()
	tr.joinErr = errBoom
	h.factory.next = []*fakeTransport{tr}

	if res := h.ctrl.Start(context.Background(), StartRequest{UserID: "u1"}); res != nil {
		t.Fatalf("Start() = %#v, want nil", res)
	}
	errs := h.log.payloads(events.Error.Name())
	if len(errs) != 1 || !errors.Is(errs[0].(error), errBoom) {
		t.Fatalf("error events = %#v, want wrapped errBoom", errs)
	}
	if tr.destroyCount() != 1 {
		t.Fatalf("destroy count = %d, want 1", tr.destroyCount())
	}
	if h.ctrl.IsMuted() {
		t.Fatalf("IsMuted() = true after teardown")
	}
	if err := h.ctrl.Mute(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Mute() after teardown = %v, want ErrNoCall", err)
	}

	h.mustStart(t, StartRequest{UserID: "u1"})
}

func TestStartErrorListenerSeesTornDownSession(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	tr := newFakeTransport()
	tr.joinErr = errBoom
	h.factory.next = []*fakeTransport{tr}

	var status Status
	var restarted *StartResult
	events.Once(h.ctrl.Events(), events.Error, func(error) {
		status = h.ctrl.Session().Status
		restarted = h.ctrl.Start(context.Background(), StartRequest{UserID: "u2"})
	})

	if res := h.ctrl.Start(context.Background(), StartRequest{UserID: "u1"}); res != nil {
		t.Fatalf("Start() = %#v, want nil", res)
	}
	if status != StatusError {
		t.Fatalf("status seen by error listener = %q, want %q", status, StatusError)
	}
	if restarted == nil || h.factory.count() != 2 {
		t.Fatalf("restart from error listener = %#v, transports = %d", restarted, h.factory.count())
	}
}

func TestStartAudioObserverFailureTearsDown(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	tr := newFakeTransport()
	tr.levelErr = errBoom
	h.factory.next = []*fakeTransport{tr}

	if res := h.ctrl.Start(context.Background(), StartRequest{UserID: "u1"}); res != nil {
		t.Fatalf("Start() = %#v, want nil", res)
	}
	if h.log.count(events.Error.Name()) != 1 || tr.destroyCount() != 1 {
		t.Fatalf("events=%v destroyed=%d", h.log.names(), tr.destroyCount())
	}
}

func TestStartInputProcessorFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	tr := newFakeTransport()
	tr.processorErr = errBoom
	h.factory.next = []*fakeTransport{tr}

	h.mustStart(t, StartRequest{UserID: "u1"})
	if h.log.count(events.Error.Name()) != 0 {
		t.Fatalf("events = %v, want no error", h.log.names())
	}
}

func TestStopDuringProvisioningDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, provisionerFunc(func(context.Context, provisioning.Request) (string, error) {
		close(entered)
		<-release
		return "https://x/y", nil
	}))

	done := make(chan error, 1)
	go func() {
		res, err := h.ctrl.StartCall(context.Background(), StartRequest{CompanionID: "c1"})
		if res != nil {
			err = errors.New("unexpected result after Stop")
		}
		done <- err
	}()
	<-entered
	h.ctrl.Stop()
	close(release)

	if err := <-done; !errors.Is(err, ErrStartAborted) {
		t.Fatalf("StartCall() error = %v, want ErrStartAborted", err)
	}
	if h.factory.count() != 0 {
		t.Fatalf("stale continuation created a transport")
	}
	if names := h.log.names(); len(names) != 0 {
		t.Fatalf("events = %v, want none", names)
	}
	h.mustStart(t, StartRequest{CompanionID: "c1"})
}

func TestStopDuringJoinDestroysTransport(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	tr := newFakeTransport()
	tr.joinHook = h.ctrl.Stop
	h.factory.next = []*fakeTransport{tr}

	if res := h.ctrl.Start(context.Background(), StartRequest{UserID: "u1"}); res != nil {
		t.Fatalf("Start() = %#v, want nil", res)
	}
	if tr.destroyCount() != 1 {
		t.Fatalf("destroy count = %d, want 1", tr.destroyCount())
	}
	if tr.levelInterval != 0 {
		t.Fatalf("audio observer started on a stopped call")
	}
	if names := h.log.names(); len(names) != 0 {
		t.Fatalf("events = %v, want none", names)
	}
}

func TestStopEmitsCallEndForJoinedCall(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	tr := h.mustStart(t, StartRequest{UserID: "u1"})

	h.ctrl.Stop()
	h.ctrl.Stop()

	if got := h.log.count(events.CallEnd.Name()); got != 1 {
		t.Fatalf("call-end events = %d, want 1", got)
	}
	if tr.destroyCount() != 1 {
		t.Fatalf("destroy count = %d, want 1", tr.destroyCount())
	}
	if h.ctrl.Session().Status != StatusEnded {
		t.Fatalf("session = %#v", h.ctrl.Session())
	}
}

func TestMuteAndIsMuted(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	if h.ctrl.IsMuted() {
		t.Fatalf("IsMuted() = true without a call")
	}
	if err := h.ctrl.Mute(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Mute() = %v, want ErrNoCall", err)
	}
	if err := h.ctrl.Unmute(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Unmute() = %v, want ErrNoCall", err)
	}

	tr := h.mustStart(t, StartRequest{UserID: "u1"})
	if h.ctrl.IsMuted() {
		t.Fatalf("IsMuted() = true with local audio on")
	}
	if err := h.ctrl.Mute(); err != nil {
		t.Fatalf("Mute() error = %v", err)
	}
	if tr.LocalAudio() || !h.ctrl.IsMuted() {
		t.Fatalf("after Mute local=%v muted=%v", tr.LocalAudio(), h.ctrl.IsMuted())
	}
	if err := h.ctrl.Unmute(); err != nil {
		t.Fatalf("Unmute() error = %v", err)
	}
	if h.ctrl.IsMuted() {
		t.Fatalf("IsMuted() = true after Unmute")
	}
}

func TestSendEncodesJSON(t *testing.T) {
	h := newHarness(t, staticURL("https://x/y"))
	h.ctrl.Send(map[string]int{"a": 1})

	tr := h.mustStart(t, StartRequest{UserID: "u1"})
	h.ctrl.Send(map[string]int{"a": 1})
	h.ctrl.Send(make(chan int))

	if got := tr.sentFrames(); !reflect.DeepEqual(got, []string{`{"a":1}`}) {
		t.Fatalf("sent frames = %q", got)
	}

	tr.sendErr = errBoom
	h.ctrl.Send("ignored")
	if h.log.count(events.Error.Name()) != 0 {
		t.Fatalf("Send failure surfaced as error event")
	}
}

func TestNewControllerRequiresTransports(t *testing.T) {
	if _, err := NewController(Options{}); err == nil {
		t.Fatalf("NewController() without transports expected error")
	}
}
