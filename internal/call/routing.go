package call

import (
	"errors"
	"log/slog"

	"github.com/ent0n29/voicecall/internal/events"
	"github.com/ent0n29/voicecall/internal/media"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/protocol"
)

// listeners binds transport callbacks to the session tagged epoch. Every
// callback is dropped once that session is gone.
func (c *Controller) listeners(epoch uint64, t Transport, logger *slog.Logger) Listeners {
	return Listeners{
		OnLeftMeeting: func() {
			c.onLeftMeeting(epoch, logger)
		},
		OnParticipantLeft: func(p media.Participant) {
			if c.current(epoch) {
				c.players.Detach(p.SessionID)
			}
		},
		OnError: func(err error) {
			c.onTransportError(epoch, "transport", err, logger)
		},
		OnDeviceError: func(err error) {
			c.onTransportError(epoch, "device", err, logger)
		},
		OnTrackStarted: func(ev TrackEvent) {
			c.onTrackStarted(epoch, t, ev, logger)
		},
		OnParticipantJoined: func(p media.Participant) {
			if c.current(epoch) {
				applySubscriptionPolicy(t, p, logger)
			}
		},
		OnRemoteAudioLevels: func(levels map[string]float64) {
			if det := c.activeDetector(epoch); det != nil {
				det.Observe(levels)
			}
		},
		OnAppMessage: func(msg AppMessage) {
			c.onAppMessage(epoch, msg, logger)
		},
	}
}

// onLeftMeeting tears the session down before emitting call-end so that a
// call-end listener may start the next call right away.
func (c *Controller) onLeftMeeting(epoch uint64, logger *slog.Logger) {
	if _, ok := c.teardown(epoch, StatusEnded, nil); !ok {
		return
	}
	logger.Info("call ended by transport")
	emit(c, events.CallEnd, events.Signal{})
}

func (c *Controller) onTransportError(epoch uint64, source string, err error, logger *slog.Logger) {
	if !c.current(epoch) {
		return
	}
	if err == nil {
		err = errors.New(source + " error")
	}
	c.metrics.ObserveTransportError(source)
	logger.Warn("transport reported error", "source", source, "error", err)
	emit(c, events.Error, err)
}

func (c *Controller) onTrackStarted(epoch uint64, t Transport, ev TrackEvent, logger *slog.Logger) {
	ctx, ok := c.sessionContext(epoch)
	if !ok {
		return
	}
	p := ev.Participant
	if p != nil && ev.Track != nil && ev.Track.Kind() == media.KindAudio {
		if err := c.players.Attach(ctx, p.SessionID, ev.Track); err != nil {
			c.metrics.ObserveTransportError("sink")
			logger.Warn("audio sink start failed", "participant_id", p.SessionID, "error", err)
			return
		}
		if !c.current(epoch) {
			c.players.Detach(p.SessionID)
			return
		}
	}

	if p != nil && p.Anonymous() {
		return
	}
	if err := t.SendAppMessage(protocol.PlayableFrame); err != nil {
		logger.Debug("playable signal not sent", "error", err)
		return
	}
	c.metrics.ObserveAppMessage("outbound", "playable")
}

func (c *Controller) onAppMessage(epoch uint64, msg AppMessage, logger *slog.Logger) {
	if !c.current(epoch) {
		return
	}
	frame, err := protocol.DecodeFrame(msg.Data)
	if err != nil {
		c.metrics.ObserveAppMessage("inbound", "malformed")
		logger.Warn("dropping malformed app message",
			"from", msg.FromID,
			"frame", observability.Excerpt(msg.Data, 120),
			"error", err,
		)
		return
	}
	switch frame.Kind {
	case protocol.FrameListening:
		c.metrics.ObserveAppMessage("inbound", "listening")
		emit(c, events.CallStart, events.Signal{})
	case protocol.FrameMessage:
		c.metrics.ObserveAppMessage("inbound", "message")
		emit(c, events.Message, frame.Payload)
	}
}
