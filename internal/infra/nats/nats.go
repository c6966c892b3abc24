// Package nats publishes media events to NATS subjects and subscribes handlers to them.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/model"
)

const handlerTimeout = 30 * time.Second

// Client wraps a NATS connection.
type Client struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server, reconnecting forever on connection loss.
// prefix is prepended to every subject, e.g. "prod" yields "prod.media.audit".
func Connect(url, prefix string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Client{nc: nc, prefix: subjectPrefix(prefix)}, nil
}

func subjectPrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return ""
	}

	return prefix + "."
}

// Subject returns the subject an event type is published on.
func (c *Client) Subject(t model.EventType) string {
	return c.prefix + string(t)
}

// Publish sends the event as JSON on its subject.
func (c *Client) Publish(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := c.nc.Publish(c.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	return nil
}

// Subscribe delivers the raw payloads of an event type to handler.
func (c *Client) Subscribe(t model.EventType, handler func(ctx context.Context, data []byte) error) (*nats.Subscription, error) {
	subject := c.Subject(t)

	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if err := handler(ctx, msg.Data); err != nil {
			zlog.Logger.Err(err).Str("subject", subject).Msg("failed to handle event")
		}
	})
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}

	return c.nc.Drain()
}
