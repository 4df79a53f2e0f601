package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/ent0n29/voicecall/internal/media"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
)

// RTPSource is implemented by tracks that can fan out their RTP packets.
type RTPSource interface {
	SubscribeRTP(fn func(*rtp.Packet)) (cancel func())
}

// OggRecorder plays each participant's Opus track into an Ogg file under Dir.
type OggRecorder struct {
	Dir    string
	Logger *slog.Logger
}

func (r OggRecorder) NewSink(ctx context.Context, participantID string, track media.Track) (Sink, error) {
	src, ok := track.(RTPSource)
	if !ok || track.Kind() != media.KindAudio {
		return nil, ErrUnsupportedTrack
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.ogg", fileSafe(participantID), time.Now().UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(r.Dir, name)
	w, err := oggwriter.New(path, opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("open ogg writer: %w", err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &oggSink{w: w, path: path, logger: logger.With("participant_id", participantID)}
	s.cancel = src.SubscribeRTP(s.write)
	return s, nil
}

type oggSink struct {
	path   string
	logger *slog.Logger
	cancel func()

	mu     sync.Mutex
	w      *oggwriter.OggWriter
	closed bool
	failed bool
}

func (s *oggSink) write(p *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.w.WriteRTP(p); err != nil && !s.failed {
		s.failed = true
		s.logger.Warn("ogg write failed", "path", s.path, "error", err)
	}
}

func (s *oggSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

func fileSafe(id string) string {
	if id == "" {
		return "participant"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
