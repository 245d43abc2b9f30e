// Package activemq implements the queue interfaces over an ActiveMQ broker
// using the STOMP protocol.
//
// Ordering relies on ActiveMQ message groups (JMSXGroupID): the broker pins
// each group to one consumer, which preserves per-group FIFO as long as a
// single consumer processes a group at a time. Redelivery delay is a broker
// side policy; a client NACK requeues the message and the broker's
// redelivery policy decides when it is seen again.
package activemq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
)

// groupHeader is the ActiveMQ message-group header.
const groupHeader = "JMSXGroupID"

// Client wraps a STOMP connection to an ActiveMQ broker.
type Client struct {
	conn        *stomp.Conn
	cfg         *queue.ActiveMQConfig
	destination string
}

// NewClient dials the broker. The destination is usually a queue like
// "/queue/flowcatalyst.dispatch".
func NewClient(cfg *queue.ActiveMQConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("activemq: nil config")
	}
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("activemq: broker address is required")
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}

	conn, err := stomp.Dial("tcp", cfg.BrokerAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("activemq: dial %s: %w", cfg.BrokerAddr, err)
	}

	destination := cfg.Destination
	if destination == "" {
		destination = "/queue/flowcatalyst.dispatch"
	}

	slog.Info("Connected to ActiveMQ", "broker", cfg.BrokerAddr, "destination", destination)

	return &Client{conn: conn, cfg: cfg, destination: destination}, nil
}

// Publisher returns the queue publisher.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c}
}

// CreateConsumer subscribes to the destination with client-individual acks
// so each message is acknowledged on its own.
func (c *Client) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	sub, err := c.conn.Subscribe(c.destination, stomp.AckClientIndividual)
	if err != nil {
		return nil, fmt.Errorf("activemq: subscribe %s: %w", c.destination, err)
	}
	return &Consumer{conn: c.conn, sub: sub, name: name}, nil
}

// HealthCheck reports whether the connection is still established.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("activemq: not connected")
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Disconnect()
}

// Publisher publishes messages to the ActiveMQ destination.
type Publisher struct {
	client *Client
}

// Publish sends a message with no group.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(data, "", "")
}

// PublishWithGroup sends a message pinned to an ActiveMQ message group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(data, messageGroup, "")
}

// PublishWithDeduplication sends a message with a deduplication ID. ActiveMQ
// has no broker-side FIFO dedup; the ID travels as a header and the router's
// in-flight table provides the dedup guarantee.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.send(data, "", deduplicationID)
}

// PublishMessage publishes a message built with MessageBuilder.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	return p.send(builder.Data(), builder.MessageGroup(), builder.DeduplicationID())
}

func (p *Publisher) send(data []byte, group, dedupID string) error {
	var opts []func(*frame.Frame) error
	if group != "" {
		opts = append(opts, stomp.SendOpt.Header(groupHeader, group))
	}
	if dedupID != "" {
		opts = append(opts, stomp.SendOpt.Header("X-Dedup-Id", dedupID))
	}
	opts = append(opts, stomp.SendOpt.Header("persistent", "true"))

	if err := p.client.conn.Send(p.client.destination, "application/json", data, opts...); err != nil {
		metrics.QueuePublishErrors.WithLabelValues("activemq").Inc()
		return fmt.Errorf("activemq: send: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues("activemq").Inc()
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Consumer receives messages from an ActiveMQ subscription.
type Consumer struct {
	conn *stomp.Conn
	sub  *stomp.Subscription
	name string
}

// Consume reads from the subscription channel and invokes the handler for
// each message. Blocks until ctx is cancelled or the subscription closes.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("ActiveMQ consumer started", "name", c.name)

	for {
		select {
		case <-ctx.Done():
			slog.Info("ActiveMQ consumer stopped", "name", c.name)
			return ctx.Err()
		case stompMsg, ok := <-c.sub.C:
			if !ok {
				return fmt.Errorf("activemq: subscription closed")
			}
			if stompMsg.Err != nil {
				slog.Error("ActiveMQ receive error", "error", stompMsg.Err)
				continue
			}

			metrics.QueueMessagesConsumed.WithLabelValues("activemq").Inc()

			msg := &Message{conn: c.conn, msg: stompMsg}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err)
			}
		}
	}
}

// Close unsubscribes from the destination.
func (c *Consumer) Close() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

// Message is one received STOMP message.
type Message struct {
	conn *stomp.Conn
	msg  *stomp.Message
}

// ID returns the broker message ID.
func (m *Message) ID() string {
	return m.msg.Header.Get(frame.MessageId)
}

// Data returns the message payload.
func (m *Message) Data() []byte {
	return m.msg.Body
}

// Subject returns the destination the message arrived on.
func (m *Message) Subject() string {
	return m.msg.Destination
}

// MessageGroup returns the ActiveMQ message group.
func (m *Message) MessageGroup() string {
	return m.msg.Header.Get(groupHeader)
}

// Ack acknowledges the message.
func (m *Message) Ack() error {
	return m.conn.Ack(m.msg)
}

// Nak requeues the message; the broker's redelivery policy governs when it
// is delivered again.
func (m *Message) Nak() error {
	return m.conn.Nack(m.msg)
}

// NakWithDelay requeues the message. STOMP has no per-message redelivery
// delay, so the delay is advisory only.
func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay > 0 {
		slog.Debug("ActiveMQ ignores per-message nack delay", "delay", delay)
	}
	return m.conn.Nack(m.msg)
}

// InProgress is a no-op; ActiveMQ has no visibility deadline to extend.
func (m *Message) InProgress() error {
	return nil
}

// Metadata returns the STOMP headers as a map.
func (m *Message) Metadata() map[string]string {
	meta := make(map[string]string, m.msg.Header.Len())
	for i := 0; i < m.msg.Header.Len(); i++ {
		k, v := m.msg.Header.GetAt(i)
		meta[k] = v
	}
	return meta
}
