package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// micCapture is the local microphone track and its sender. Muting swaps
// the sender's track out instead of stopping capture.
type micCapture struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
	close  func()
}

func (m *micCapture) setEnabled(enabled bool) error {
	if enabled {
		return m.sender.ReplaceTrack(m.track)
	}
	return m.sender.ReplaceTrack(nil)
}

func newAPI(mediaEngine *webrtc.MediaEngine) (*webrtc.API, error) {
	if err := registerAudioLevelExtension(mediaEngine); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func peerConfiguration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{defaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// addRecvOnlyAudio gives the offer an audio m-line when nothing is sent.
func addRecvOnlyAudio(pc *webrtc.PeerConnection) error {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}
