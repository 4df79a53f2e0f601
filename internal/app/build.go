package app

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/httpapi"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/playback"
	"github.com/ent0n29/voicecall/internal/provisioning"
	"github.com/ent0n29/voicecall/internal/transport/rtc"
)

type BuildResult struct {
	Config     config.Config
	Logger     *slog.Logger
	Controller *call.Controller
	API        *httpapi.Server
	Metrics    *observability.Metrics
	// Playback describes where remote audio goes: "discard" or the recording dir.
	Playback string

	// Cleanup should be called on shutdown to end a live call.
	Cleanup func() error
}

// Build wires the call controller, its pion transport and the control API
// from cfg. Logs go to logOut.
func Build(cfg config.Config, logOut io.Writer) (*BuildResult, error) {
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	provisioner := provisioning.New(cfg.BaseAPIURL, cfg.PublicKey,
		provisioning.WithToken(cfg.Token),
		provisioning.WithHTTPClient(&http.Client{Timeout: cfg.ProvisionTimeout}),
		provisioning.WithRetry(2, 250*time.Millisecond),
	)

	transports := rtc.NewFactory(rtc.Config{
		ICEServers:        cfg.ICEServers,
		JoinTimeout:       cfg.JoinTimeout,
		RequireMicrophone: cfg.RequireMicrophone,
		Logger:            logger,
	})

	var sinks playback.SinkFactory = playback.Discard{}
	playbackDetail := "discard"
	if dir := strings.TrimSpace(cfg.RecordDir); dir != "" {
		sinks = playback.OggRecorder{Dir: dir, Logger: logger.With("component", "recorder")}
		playbackDetail = dir
	}

	controller, err := call.NewController(call.Options{
		Provisioner: provisioner,
		Transports:  transports,
		Sinks:       sinks,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("call controller init failed: %w", err)
	}

	api := httpapi.New(cfg, controller, metrics, logger)

	cleanup := func() error {
		controller.Stop()
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		Logger:     logger,
		Controller: controller,
		API:        api,
		Metrics:    metrics,
		Playback:   playbackDetail,
		Cleanup:    cleanup,
	}, nil
}
