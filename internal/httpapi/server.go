package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/events"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/protocol"
)

// Caller is the call controller surface the API drives.
type Caller interface {
	StartCall(ctx context.Context, req call.StartRequest) (*call.StartResult, error)
	Stop()
	Send(payload any)
	Mute() error
	Unmute() error
	IsMuted() bool
	Session() call.Session
	Events() *events.Emitter
}

type Server struct {
	cfg      config.Config
	caller   Caller
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, caller Caller, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		caller:  caller,
		metrics: metrics,
		logger:  logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/call", func(r chi.Router) {
		r.Get("/", s.handleGetCall)
		r.Post("/start", s.handleStartCall)
		r.Post("/stop", s.handleStopCall)
		r.Post("/send", s.handleSend)
		r.Post("/mute", s.handleMute)
		r.Post("/unmute", s.handleUnmute)
		r.Get("/events", s.handleEventsWS)
	})
	r.Get("/v1/perf/startup", s.handlePerfStartup)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"call_status": s.caller.Session().Status,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"provisioning_ok": strings.TrimSpace(s.cfg.PublicKey) != "" || strings.TrimSpace(s.cfg.Token) != "",
	})
}

type callSnapshot struct {
	call.Session
	Muted bool `json:"muted"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, callSnapshot{Session: s.caller.Session(), Muted: s.caller.IsMuted()})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req call.StartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Start outlives the request; Stop is the way to abandon it.
	res, err := s.caller.StartCall(context.WithoutCancel(r.Context()), req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, call.ErrCallInProgress):
		respondError(w, http.StatusConflict, "call_in_progress", "a call is already started")
	case errors.Is(err, call.ErrStartAborted):
		respondError(w, http.StatusConflict, "call_stopped", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "start_failed", err.Error())
	}
}

func (s *Server) handleStopCall(w http.ResponseWriter, _ *http.Request) {
	s.caller.Stop()
	respondJSON(w, http.StatusOK, s.caller.Session())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.caller.Send(payload)
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) handleMute(w http.ResponseWriter, _ *http.Request) {
	s.respondMute(w, s.caller.Mute())
}

func (s *Server) handleUnmute(w http.ResponseWriter, _ *http.Request) {
	s.respondMute(w, s.caller.Unmute())
}

func (s *Server) respondMute(w http.ResponseWriter, err error) {
	if errors.Is(err, call.ErrNoCall) {
		respondError(w, http.StatusConflict, "no_call", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "mute_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"muted": s.caller.IsMuted()})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("event stream attached", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	enqueue := func(msg any, typ protocol.MessageType) {
		select {
		case outbound <- msg:
		default:
			// Writes stay single-threaded; a saturated client loses events.
			s.metrics.ObserveWSMessage("outbound_dropped", string(typ))
		}
	}

	sub := s.caller.Events().Subscribe(func(ev events.Event) {
		enqueue(protocol.NewCallEvent(s.caller.Session().ID, ev), protocol.TypeCallEvent)
	})
	defer s.caller.Events().RemoveListener(sub)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveTransportError("ws_write")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.caller.Session().ID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}, protocol.TypeErrorEvent)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		if err := s.applyClientMessage(parsed); err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.caller.Session().ID,
				Code:      "control_failed",
				Detail:    err.Error(),
			}, protocol.TypeErrorEvent)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) applyClientMessage(msg any) error {
	switch m := msg.(type) {
	case protocol.ClientSend:
		s.caller.Send(m.Payload)
		return nil
	case protocol.ClientControl:
		switch m.Type {
		case protocol.TypeClientMute:
			return s.caller.Mute()
		case protocol.TypeClientUnmute:
			return s.caller.Unmute()
		case protocol.TypeClientStop:
			s.caller.Stop()
			return nil
		}
	}
	return protocol.ErrUnsupportedType
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientSend:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.CallEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
