package rtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const sdpContentType = "application/sdp"

var ErrSignaling = errors.New("signaling failed")

// exchangeOffer posts the SDP offer to endpoint and returns the SDP answer
// and the absolute URL of the created session resource, if any.
func exchangeOffer(ctx context.Context, hc *http.Client, endpoint, offer string) (answer, resource string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", "", fmt.Errorf("%w: build offer request: %v", ErrSignaling, err)
	}
	req.Header.Set("Content-Type", sdpContentType)
	req.Header.Set("Accept", sdpContentType)

	resp, err := hc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("%w: read answer: %v", ErrSignaling, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("%w: status %d: %s", ErrSignaling, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", "", fmt.Errorf("%w: empty answer", ErrSignaling)
	}

	if loc := strings.TrimSpace(resp.Header.Get("Location")); loc != "" {
		resource, err = resolveResource(endpoint, loc)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrSignaling, err)
		}
	}
	return string(body), resource, nil
}

// deleteResource ends the remote session. A resource that is already gone
// is not an error.
func deleteResource(ctx context.Context, hc *http.Client, resource string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete session resource: status %d", resp.StatusCode)
	}
	return nil
}

func resolveResource(endpoint, location string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// remoteParticipantID names the remote side after its session resource.
func remoteParticipantID(resource string) string {
	if resource == "" {
		return "remote"
	}
	u, err := url.Parse(resource)
	if err != nil {
		return "remote"
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if id == "" || id == "." || id == "/" {
		return "remote"
	}
	return id
}
