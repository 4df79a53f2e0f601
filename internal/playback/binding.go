// Package playback binds inbound audio tracks to playable sinks, one sink
// per remote participant.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ent0n29/voicecall/internal/media"
)

var ErrUnsupportedTrack = errors.New("track cannot feed this sink")

// Sink is a started playback endpoint for one participant's audio.
type Sink interface {
	Close() error
}

// SinkFactory creates and starts a sink for a participant's track.
type SinkFactory interface {
	NewSink(ctx context.Context, participantID string, track media.Track) (Sink, error)
}

// SinkFactoryFunc adapts a function to SinkFactory.
type SinkFactoryFunc func(ctx context.Context, participantID string, track media.Track) (Sink, error)

func (f SinkFactoryFunc) NewSink(ctx context.Context, participantID string, track media.Track) (Sink, error) {
	return f(ctx, participantID, track)
}

// Binding owns the participant -> sink table. Attach and Detach are the
// only operations that mutate it.
type Binding struct {
	factory SinkFactory
	logger  *slog.Logger

	mu      sync.Mutex
	sinks   map[string]Sink
	pending map[string]uint64
	seq     uint64
}

func NewBinding(factory SinkFactory, logger *slog.Logger) *Binding {
	if factory == nil {
		factory = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binding{
		factory: factory,
		logger:  logger,
		sinks:   make(map[string]Sink),
		pending: make(map[string]uint64),
	}
}

// Attach starts a sink for participantID, replacing any existing one. If
// the participant is detached while the sink is starting, the new sink is
// closed and Attach returns nil.
func (b *Binding) Attach(ctx context.Context, participantID string, track media.Track) error {
	if participantID == "" {
		return errors.New("attach sink: empty participant id")
	}

	b.mu.Lock()
	b.seq++
	token := b.seq
	b.pending[participantID] = token
	b.mu.Unlock()

	sink, err := b.factory.NewSink(ctx, participantID, track)

	b.mu.Lock()
	if b.pending[participantID] != token {
		b.mu.Unlock()
		if sink != nil {
			b.closeSink(participantID, sink)
		}
		b.logger.Debug("sink superseded while starting", "participant_id", participantID)
		return nil
	}
	delete(b.pending, participantID)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("start sink for %s: %w", participantID, err)
	}
	prev := b.sinks[participantID]
	b.sinks[participantID] = sink
	b.mu.Unlock()

	if prev != nil {
		b.closeSink(participantID, prev)
	}
	b.logger.Debug("sink attached", "participant_id", participantID)
	return nil
}

// Detach destroys the participant's sink. It reports whether one existed
// or was starting.
func (b *Binding) Detach(participantID string) bool {
	b.mu.Lock()
	_, starting := b.pending[participantID]
	delete(b.pending, participantID)
	sink, ok := b.sinks[participantID]
	delete(b.sinks, participantID)
	b.mu.Unlock()

	if ok {
		b.closeSink(participantID, sink)
	}
	return ok || starting
}

// CloseAll destroys every sink and abandons sinks still starting.
func (b *Binding) CloseAll() int {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = make(map[string]Sink)
	b.pending = make(map[string]uint64)
	b.mu.Unlock()

	for id, sink := range sinks {
		b.closeSink(id, sink)
	}
	return len(sinks)
}

// Has reports whether participantID currently has a sink.
func (b *Binding) Has(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sinks[participantID]
	return ok
}

func (b *Binding) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

func (b *Binding) closeSink(participantID string, sink Sink) {
	if err := sink.Close(); err != nil {
		b.logger.Warn("sink close failed", "participant_id", participantID, "error", err)
	}
}

// Discard accepts every track and plays nothing.
type Discard struct{}

func (Discard) NewSink(context.Context, string, media.Track) (Sink, error) {
	return nopSink{}, nil
}

type nopSink struct{}

func (nopSink) Close() error { return nil }
