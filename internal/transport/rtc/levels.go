package rtc

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const audioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// LevelToLinear converts an RFC 6464 level (0..127 -dBov) to a linear
// amplitude in [0, 1].
func LevelToLinear(dBov uint8) float64 {
	if dBov > 127 {
		dBov = 127
	}
	return math.Pow(10, -float64(dBov)/20)
}

func registerAudioLevelExtension(m *webrtc.MediaEngine) error {
	return m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: audioLevelExtensionURI,
	}, webrtc.RTPCodecTypeAudio)
}

func audioLevelExtensionID(params webrtc.RTPParameters) int {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == audioLevelExtensionURI {
			return ext.ID
		}
	}
	return 0
}

func readAudioLevel(p *rtp.Packet, extID int) (float64, bool) {
	if extID <= 0 || p == nil {
		return 0, false
	}
	raw := p.GetExtension(uint8(extID))
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return LevelToLinear(ext.Level), true
}

// levelTracker keeps the latest level per participant. Samples older than
// maxAge read as silence.
type levelTracker struct {
	mu     sync.Mutex
	maxAge time.Duration
	now    func() time.Time
	latest map[string]levelSample
}

type levelSample struct {
	level float64
	at    time.Time
}

func newLevelTracker(maxAge time.Duration, now func() time.Time) *levelTracker {
	if now == nil {
		now = time.Now
	}
	return &levelTracker{maxAge: maxAge, now: now, latest: make(map[string]levelSample)}
}

func (t *levelTracker) update(participantID string, level float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest[participantID] = levelSample{level: level, at: t.now()}
}

func (t *levelTracker) forget(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.latest, participantID)
}

// snapshot reports every participant in ids, zero when unknown or stale.
func (t *levelTracker) snapshot(ids []string) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		s, ok := t.latest[id]
		if !ok || now.Sub(s.at) > t.maxAge {
			out[id] = 0
			continue
		}
		out[id] = s.level
	}
	return out
}
