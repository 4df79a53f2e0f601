//go:build linux

package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/voicecall/internal/call"
)

// newPeer builds the peer connection and, when audio is requested,
// captures the default microphone as an Opus track. Without a microphone
// the connection falls back to receive-only unless one is required.
func newPeer(cfg Config, opts call.TransportOptions, logger *slog.Logger, onDeviceError func(error)) (*webrtc.PeerConnection, *micCapture, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	api, err := newAPI(mediaEngine)
	if err != nil {
		return nil, nil, err
	}
	pc, err := api.NewPeerConnection(peerConfiguration(cfg.ICEServers))
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	if !opts.Audio {
		if err := addRecvOnlyAudio(pc); err != nil {
			_ = pc.Close()
			return nil, nil, fmt.Errorf("add audio transceiver: %w", err)
		}
		return pc, nil, nil
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err == nil && len(stream.GetAudioTracks()) > 0 {
		track := stream.GetAudioTracks()[0]
		track.OnEnded(func(err error) {
			if err != nil {
				onDeviceError(fmt.Errorf("microphone: %w", err))
			}
		})
		sender, addErr := pc.AddTrack(track)
		if addErr == nil {
			logger.Debug("microphone captured", "track_id", track.ID())
			return pc, &micCapture{
				sender: sender,
				track:  track,
				close:  func() { _ = track.Close() },
			}, nil
		}
		_ = track.Close()
		err = addErr
	}
	if err == nil {
		err = fmt.Errorf("no audio track in capture stream")
	}

	if cfg.RequireMicrophone {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("capture microphone: %w", err)
	}
	logger.Warn("microphone unavailable, joining receive-only", "error", err)
	if err := addRecvOnlyAudio(pc); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	return pc, nil, nil
}
