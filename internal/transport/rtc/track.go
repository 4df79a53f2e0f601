package rtc

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/voicecall/internal/media"
)

// remoteTrack is an inbound track that fans its RTP packets out to
// subscribers such as playback sinks.
type remoteTrack struct {
	id            string
	kind          media.Kind
	participantID string

	mu   sync.Mutex
	next uint64
	subs map[uint64]func(*rtp.Packet)
}

func newRemoteTrack(id string, kind webrtc.RTPCodecType, participantID string) *remoteTrack {
	k := media.KindVideo
	if kind == webrtc.RTPCodecTypeAudio {
		k = media.KindAudio
	}
	return &remoteTrack{
		id:            id,
		kind:          k,
		participantID: participantID,
		subs:          make(map[uint64]func(*rtp.Packet)),
	}
}

func (t *remoteTrack) ID() string       { return t.id }
func (t *remoteTrack) Kind() media.Kind { return t.kind }

func (t *remoteTrack) SubscribeRTP(fn func(*rtp.Packet)) (cancel func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *remoteTrack) publish(p *rtp.Packet) {
	t.mu.Lock()
	fns := make([]func(*rtp.Packet), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (t *remoteTrack) closeSubscribers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = make(map[uint64]func(*rtp.Packet))
}
