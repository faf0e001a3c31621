package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/tether/internal/entity"
)

// WSSource is a websocket-backed Source. It dials the backend's event feed,
// reconnects with capped exponential backoff, and forwards decoded snapshots
// in delivery order.
type WSSource struct {
	url       string
	apiKey    string
	out       chan entity.RemoteSnapshot
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewWSSource creates a websocket source for the feed at url.
func NewWSSource(url, apiKey string) *WSSource {
	return &WSSource{
		url:       url,
		apiKey:    apiKey,
		out:       make(chan entity.RemoteSnapshot, 64),
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

// Events implements Source.
func (s *WSSource) Events() <-chan entity.RemoteSnapshot {
	return s.out
}

// Run dials and consumes the feed until ctx is cancelled. The events channel
// is closed on return.
func (s *WSSource) Run(ctx context.Context) {
	defer close(s.out)

	// Backoff resets after every successful connection so a long-lived
	// session doesn't inherit stale delays.
	backoff := s.newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay, _ := backoff.Next()
			slog.Warn("realtime dial failed, will retry",
				"component", "realtime",
				"url", s.url,
				"delay", delay.String(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		slog.Info("realtime connected", "component", "realtime", "url", s.url)
		backoff = s.newBackoff()

		s.consume(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("realtime connection lost, reconnecting", "component", "realtime")
	}
}

func (s *WSSource) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(s.maxDelay, retry.NewExponential(s.baseDelay))
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// consume reads snapshots off one connection until it breaks or ctx ends.
func (s *WSSource) consume(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadJSON when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var snap entity.RemoteSnapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() == nil {
				slog.Debug("realtime read error", "component", "realtime", "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case s.out <- snap:
		}
	}
}
