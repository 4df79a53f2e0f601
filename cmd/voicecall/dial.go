package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicecall/internal/app"
	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/events"
	"github.com/ent0n29/voicecall/internal/protocol"
)

var errCallNotStarted = errors.New("call did not start")

type dialOptions struct {
	companionID string
	workflowID  string
	userID      string
	callURL     string
	vars        []string
	meta        []string
}

func buildDialCmd(load func() (config.Config, error)) *cobra.Command {
	var opts dialOptions

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place one call and print its events as JSON lines",
		Example: `  voicecall dial --companion c1 --user u1 --var name=Ada
  voicecall dial --url https://calls.example.test/whip/room1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runDial(ctx, cfg, req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.companionID, "companion", "", "Companion (assistant) id to call")
	cmd.Flags().StringVar(&opts.workflowID, "workflow", "", "Workflow id to call")
	cmd.Flags().StringVar(&opts.userID, "user", "", "External user id")
	cmd.Flags().StringVar(&opts.callURL, "url", "", "Join this call URL instead of provisioning one")
	cmd.Flags().StringArrayVar(&opts.vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.meta, "meta", nil, "Metadata entry as key=value (repeatable)")
	return cmd
}

func (o dialOptions) request() (call.StartRequest, error) {
	vars, err := parseVars(o.vars)
	if err != nil {
		return call.StartRequest{}, fmt.Errorf("--var: %w", err)
	}
	meta, err := parseVars(o.meta)
	if err != nil {
		return call.StartRequest{}, fmt.Errorf("--meta: %w", err)
	}
	req := call.StartRequest{
		CompanionID:   strings.TrimSpace(o.companionID),
		WorkflowID:    strings.TrimSpace(o.workflowID),
		UserID:        strings.TrimSpace(o.userID),
		CustomCallURL: strings.TrimSpace(o.callURL),
		Variables:     vars,
		Metadata:      meta,
	}
	if req.CompanionID == "" && req.WorkflowID == "" && req.CustomCallURL == "" {
		return call.StartRequest{}, errors.New("one of --companion, --workflow or --url is required")
	}
	return req, nil
}

// parseVars turns key=value pairs into a map. Later keys win. A value that
// parses as JSON (number, bool, object, array, quoted string) keeps its
// decoded type; anything else is taken as a plain string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = parseValue(value)
	}
	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

func runDial(ctx context.Context, cfg config.Config, req call.StartRequest, out io.Writer) error {
	built, err := app.Build(cfg, os.Stderr)
	if err != nil {
		return err
	}
	ctrl := built.Controller
	defer ctrl.Stop()

	ended := make(chan struct{})
	var endOnce sync.Once
	events.On(ctrl.Events(), events.CallEnd, func(events.Signal) {
		endOnce.Do(func() { close(ended) })
	})
	printer := newEventPrinter(out)
	ctrl.Events().Subscribe(func(ev events.Event) {
		printer.print(protocol.NewCallEvent(ctrl.Session().ID, ev))
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := ctrl.StartCall(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", errCallNotStarted, err)
	}

	select {
	case <-ended:
	case <-ctx.Done():
		built.Logger.Info("interrupted, hanging up")
	}
	return nil
}

type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(ev protocol.CallEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(ev)
}
