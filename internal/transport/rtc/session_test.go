package rtc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/media"
)

func TestSubscriptionReleasesPendingTracks(t *testing.T) {
	s := newSession(Config{}, slog.Default())
	defer s.Destroy()

	started := make(chan call.TrackEvent, 4)
	s.Listen(call.Listeners{
		OnTrackStarted: func(ev call.TrackEvent) { started <- ev },
	})

	remote := media.Participant{SessionID: "abc", UserName: "remote"}
	s.mu.Lock()
	s.remote = &remote
	audio := newRemoteTrack("a1", webrtc.RTPCodecTypeAudio, "abc")
	video := newRemoteTrack("v1", webrtc.RTPCodecTypeVideo, "abc")
	s.pending["abc"] = []*remoteTrack{audio, video}
	s.mu.Unlock()

	if err := s.UpdateParticipantSubscription("abc", call.Subscription{Audio: true}); err != nil {
		t.Fatalf("UpdateParticipantSubscription() error = %v", err)
	}

	select {
	case ev := <-started:
		if ev.Track.ID() != "a1" || ev.Track.Kind() != media.KindAudio {
			t.Fatalf("started track = %s/%s, want a1/audio", ev.Track.ID(), ev.Track.Kind())
		}
		if ev.Participant == nil || ev.Participant.SessionID != "abc" {
			t.Fatalf("participant = %#v", ev.Participant)
		}
	case <-time.After(time.Second):
		t.Fatalf("track-started not delivered")
	}
	select {
	case ev := <-started:
		t.Fatalf("unexpected track-started for %s", ev.Track.ID())
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	left := len(s.pending["abc"])
	s.mu.Unlock()
	if left != 1 {
		t.Fatalf("pending tracks = %d, want the video track only", left)
	}
}

func TestSubscriptionFromListenerWithFullQueue(t *testing.T) {
	s := newSession(Config{}, slog.Default())
	defer s.Destroy()

	started := make(chan string, 1)
	s.Listen(call.Listeners{
		OnTrackStarted: func(ev call.TrackEvent) { started <- ev.Track.ID() },
	})
	s.mu.Lock()
	s.pending["abc"] = []*remoteTrack{newRemoteTrack("a1", webrtc.RTPCodecTypeAudio, "abc")}
	s.mu.Unlock()

	entered := make(chan struct{})
	gate := make(chan struct{})
	subscribed := make(chan error, 1)
	s.deliver(func(call.Listeners) {
		close(entered)
		<-gate
		subscribed <- s.UpdateParticipantSubscription("abc", call.Subscription{Audio: true})
	})
	<-entered
	for full := false; !full; {
		select {
		case s.dispatch <- func() {}:
		default:
			full = true
		}
	}
	close(gate)

	select {
	case err := <-subscribed:
		if err != nil {
			t.Fatalf("UpdateParticipantSubscription() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("UpdateParticipantSubscription blocked inside a listener")
	}
	select {
	case id := <-started:
		if id != "a1" {
			t.Fatalf("started track = %q, want a1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("track-started not delivered")
	}
}

func TestDestroyStopsDelivery(t *testing.T) {
	s := newSession(Config{}, slog.Default())
	var mu sync.Mutex
	calls := 0
	s.Listen(call.Listeners{
		OnAppMessage: func(call.AppMessage) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})

	if err := s.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
	s.onDataMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte("listening")})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("callbacks after Destroy = %d", calls)
	}
	if err := s.UpdateParticipantSubscription("x", call.Subscription{Audio: true}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("UpdateParticipantSubscription() after Destroy = %v", err)
	}
	if err := s.StartAudioLevelObserver(100 * time.Millisecond); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("StartAudioLevelObserver() after Destroy = %v", err)
	}
}

func TestAppMessagesKeepOrder(t *testing.T) {
	s := newSession(Config{}, slog.Default())
	defer s.Destroy()

	got := make(chan string, 8)
	s.Listen(call.Listeners{OnAppMessage: func(m call.AppMessage) { got <- m.Data }})
	for _, d := range []string{"1", "2", "3"} {
		s.onDataMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte(d)})
	}
	for _, want := range []string{"1", "2", "3"} {
		select {
		case d := <-got:
			if d != want {
				t.Fatalf("message = %q, want %q", d, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}
}

func TestAudioLevelObserverReportsRemote(t *testing.T) {
	s := newSession(Config{}, slog.Default())
	defer s.Destroy()

	got := make(chan map[string]float64, 8)
	s.Listen(call.Listeners{OnRemoteAudioLevels: func(l map[string]float64) { got <- l }})
	remote := media.Participant{SessionID: "abc"}
	s.mu.Lock()
	s.remote = &remote
	s.mu.Unlock()
	s.levels.update("abc", 0.5)

	if err := s.StartAudioLevelObserver(10 * time.Millisecond); err != nil {
		t.Fatalf("StartAudioLevelObserver() error = %v", err)
	}
	select {
	case levels := <-got:
		if _, ok := levels["abc"]; !ok || len(levels) != 1 {
			t.Fatalf("levels = %v", levels)
		}
	case <-time.After(time.Second):
		t.Fatalf("no audio levels delivered")
	}
}

func TestSessionWithoutMicrophone(t *testing.T) {
	s := newSession(Config{}, slog.Default())
	defer s.Destroy()

	if s.LocalAudio() {
		t.Fatalf("LocalAudio() = true without a microphone")
	}
	s.SetLocalAudio(true)
	if !s.LocalAudio() {
		t.Fatalf("LocalAudio() did not follow SetLocalAudio")
	}
	if err := s.SendAppMessage("x"); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("SendAppMessage() = %v, want ErrChannelNotOpen", err)
	}
	if err := s.RequestInputProcessor(context.Background(), call.InputProcessor{Type: call.NoiseCancellation}); !errors.Is(err, ErrUnsupportedProcessor) {
		t.Fatalf("RequestInputProcessor() = %v, want ErrUnsupportedProcessor", err)
	}
	if s.Surface() != nil {
		t.Fatalf("Surface() != nil")
	}
}

func TestRemoteTrackFanOut(t *testing.T) {
	rt := newRemoteTrack("a1", webrtc.RTPCodecTypeAudio, "p1")
	var a, b int
	cancelA := rt.SubscribeRTP(func(*rtp.Packet) { a++ })
	rt.SubscribeRTP(func(*rtp.Packet) { b++ })

	rt.publish(&rtp.Packet{})
	cancelA()
	cancelA()
	rt.publish(&rtp.Packet{})
	rt.closeSubscribers()
	rt.publish(&rtp.Packet{})

	if a != 1 || b != 2 {
		t.Fatalf("deliveries a=%d b=%d, want 1 and 2", a, b)
	}
}

func TestCreateTransportReceiveOnly(t *testing.T) {
	f := NewFactory(Config{})
	tr, err := f.CreateTransport(call.TransportOptions{Audio: false})
	if err != nil {
		t.Fatalf("CreateTransport() error = %v", err)
	}
	defer tr.Destroy()

	s := tr.(*Session)
	if s.dc == nil || s.dc.Label() != appMessageChannel {
		t.Fatalf("data channel not created")
	}
	if len(s.pc.GetTransceivers()) == 0 {
		t.Fatalf("no transceivers on receive-only peer")
	}
}
