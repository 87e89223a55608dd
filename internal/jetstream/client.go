package jetstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ ClientInterface = (*Client)(nil)

// NewClient connects to url with unlimited reconnects and opens a JetStream context.
func NewClient(url, name string) (*Client, error) {
	log := logger.Log.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if s != nil {
				fields = append(fields, zap.String("subject", s.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js}, nil
}

// EnsureStream creates cfg.Name or updates it when name, retention, limits, storage or
// subjects differ from what the server has.
func (c *Client) EnsureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", cfg.Name))

	info, err := c.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", cfg.Name, err)
	}

	if info == nil {
		if _, err := c.js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", cfg.Name, err)
		}
		log.Info("Created stream", zap.Strings("subjects", cfg.Subjects))
		return nil
	}

	if streamConfigEqual(info.Config, *cfg) {
		log.Debug("Stream up to date")
		return nil
	}
	if _, err := c.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to update stream '%s': %w", cfg.Name, err)
	}
	log.Info("Updated stream", zap.Strings("subjects", cfg.Subjects))
	return nil
}

// EnsureConsumer creates the durable consumer on stream. Consumers cannot change
// their filter in place, so a drifted consumer is deleted and re-added.
func (c *Client) EnsureConsumer(ctx context.Context, stream string, cfg *nats.ConsumerConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", stream), zap.String("consumer", cfg.Durable))

	info, err := c.js.ConsumerInfo(stream, cfg.Durable, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s/%s': %w", stream, cfg.Durable, err)
	}

	if info != nil {
		if consumerConfigEqual(info.Config, *cfg) {
			log.Debug("Consumer up to date")
			return nil
		}
		log.Warn("Consumer config drifted, recreating")
		if err := c.js.DeleteConsumer(stream, cfg.Durable, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to delete consumer '%s/%s': %w", stream, cfg.Durable, err)
		}
	}

	if _, err := c.js.AddConsumer(stream, cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to add consumer '%s/%s': %w", stream, cfg.Durable, err)
	}
	log.Info("Consumer ready",
		zap.String("deliver_subject", cfg.DeliverSubject),
		zap.String("queue_group", cfg.DeliverGroup),
		zap.String("filter_subject", cfg.FilterSubject),
	)
	return nil
}

// SubscribePush binds a manual-ack queue subscription to a durable push consumer.
func (c *Client) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(
		subject,
		group,
		handler,
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	return sub, nil
}

// Publish sends data to subject through JetStream.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Add(k, v)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := c.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently established.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains nothing; it closes the connection immediately.
func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Retention == b.Retention &&
		a.MaxMsgs == b.MaxMsgs &&
		a.MaxAge == b.MaxAge &&
		a.Storage == b.Storage &&
		a.Duplicates == b.Duplicates &&
		slices.Equal(a.Subjects, b.Subjects)
}

func consumerConfigEqual(a, b nats.ConsumerConfig) bool {
	return a.Durable == b.Durable &&
		a.AckPolicy == b.AckPolicy &&
		a.FilterSubject == b.FilterSubject &&
		a.DeliverGroup == b.DeliverGroup &&
		a.MaxDeliver == b.MaxDeliver
}
