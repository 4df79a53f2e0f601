// Package rtc is a pion/webrtc transport for the call controller. It
// signals over HTTP with a single SDP offer/answer exchange, receives the
// remote party's audio, and carries app messages on a data channel.
package rtc

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ent0n29/voicecall/internal/call"
)

const (
	appMessageChannel  = "app-messages"
	defaultJoinTimeout = 15 * time.Second
)

type Config struct {
	ICEServers        []string
	HTTPClient        *http.Client
	JoinTimeout       time.Duration
	RequireMicrophone bool
	Logger            *slog.Logger
}

// Factory creates one pion Session per call.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

func NewFactory(cfg Config) *Factory {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger.With("component", "rtc")}
}

func (f *Factory) CreateTransport(opts call.TransportOptions) (call.Transport, error) {
	s := newSession(f.cfg, f.logger)
	pc, mic, err := newPeer(f.cfg, opts, f.logger, s.reportDeviceError)
	if err != nil {
		s.stopDispatch()
		return nil, err
	}
	if err := s.attach(pc, mic); err != nil {
		s.stopDispatch()
		if mic != nil {
			mic.close()
		}
		_ = pc.Close()
		return nil, fmt.Errorf("set up peer connection: %w", err)
	}
	return s, nil
}
