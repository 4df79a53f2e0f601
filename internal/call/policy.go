package call

import (
	"log/slog"

	"github.com/ent0n29/voicecall/internal/media"
)

// remoteSubscription is what every remote participant is subscribed to.
var remoteSubscription = Subscription{Audio: true, Video: false}

// applySubscriptionPolicy subscribes to a remote participant's audio only.
// The local participant is never subscribed.
func applySubscriptionPolicy(t Transport, p media.Participant, logger *slog.Logger) {
	if p.Local {
		return
	}
	if err := t.UpdateParticipantSubscription(p.SessionID, remoteSubscription); err != nil {
		logger.Warn("participant subscription failed", "participant_id", p.SessionID, "error", err)
	}
}
