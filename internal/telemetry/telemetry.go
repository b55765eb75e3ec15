// Package telemetry reports task lifecycle dispatches to PostHog.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/posthog/posthog-go"

	"sylvia/pkg/events"
)

// DispatchEvent is the product analytics event name of a dispatch.
const DispatchEvent = "lifecycle_event_dispatched"

type enqueuer interface {
	io.Closer
	Enqueue(msg posthog.Message) error
}

// Client sends dispatch telemetry. The zero-key client drops everything.
type Client struct {
	client enqueuer
	log    *slog.Logger
}

// New creates a Client. An empty apiKey disables telemetry.
func New(apiKey, endpoint string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "telemetry")
	if apiKey == "" {
		return &Client{log: log}, nil
	}
	cfg := posthog.Config{
		BatchSize: 50,
		Interval:  5 * time.Second,
		Logger:    slogLogger{log},
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	ph, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		return nil, fmt.Errorf("posthog client: %w", err)
	}
	return &Client{client: ph, log: log}, nil
}

// Enabled reports whether events are sent.
func (c *Client) Enabled() bool { return c.client != nil }

// Observe records one dispatch attempt. Its signature matches
// orchestrator.Observer.
func (c *Client) Observe(env events.Envelope, err error, elapsed time.Duration) {
	if c.client == nil || env.Event == nil {
		return
	}
	props := posthog.NewProperties().
		Set("stream", env.Stream).
		Set("event_type", string(env.Type())).
		Set("task_id", env.Event.Task()).
		Set("success", err == nil).
		Set("duration_ms", elapsed.Milliseconds())
	if err != nil {
		props.Set("error", err.Error())
	}
	if qerr := c.client.Enqueue(posthog.Capture{
		DistinctId: env.Event.User(),
		Event:      DispatchEvent,
		Properties: props,
	}); qerr != nil {
		c.log.Debug("enqueue telemetry", "err", qerr)
	}
}

// Close flushes pending events.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

type slogLogger struct{ log *slog.Logger }

func (l slogLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l slogLogger) Logf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l slogLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l slogLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}
