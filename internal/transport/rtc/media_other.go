//go:build !linux

package rtc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/voicecall/internal/call"
)

// newPeer builds a receive-only peer connection. Microphone capture
// drivers are only wired on Linux.
func newPeer(cfg Config, opts call.TransportOptions, logger *slog.Logger, _ func(error)) (*webrtc.PeerConnection, *micCapture, error) {
	if opts.Audio && cfg.RequireMicrophone {
		return nil, nil, errors.New("capture microphone: not supported on this platform")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register codecs: %w", err)
	}
	api, err := newAPI(mediaEngine)
	if err != nil {
		return nil, nil, err
	}
	pc, err := api.NewPeerConnection(peerConfiguration(cfg.ICEServers))
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}
	if err := addRecvOnlyAudio(pc); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	if opts.Audio {
		logger.Info("no microphone driver on this platform, joining receive-only")
	}
	return pc, nil, nil
}
