package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
)

// Client adapts the embedded SQLite broker to the queue interfaces.
type Client struct {
	broker    *Broker
	queueName string
	cfg       *queue.SQLiteConfig
}

// NewClient opens the broker database and returns a client bound to one
// logical queue name.
func NewClient(cfg *queue.SQLiteConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlite: nil config")
	}
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "dispatch"
	}

	broker, err := NewBroker(&BrokerConfig{
		Path:              cfg.Path,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Client{broker: broker, queueName: queueName, cfg: cfg}, nil
}

// Broker exposes the underlying broker (used by the dev seeding endpoint).
func (c *Client) Broker() *Broker {
	return c.broker
}

// Publisher returns the queue publisher.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c}
}

// CreateConsumer creates a consumer for the given logical queue within the
// shared database; empty means the client's default queue. The in-flight
// owner tag is derived from the queue name, suffixed to stay unique per
// consumer.
func (c *Client) CreateConsumer(ctx context.Context, queueName string) (*Consumer, error) {
	if queueName == "" {
		queueName = c.queueName
	}
	owner := queueName + "-" + uuid.New().String()[:8]

	pollInterval := c.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	maxMessages := c.cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}

	return &Consumer{
		broker:       c.broker,
		queueName:    queueName,
		owner:        owner,
		pollInterval: pollInterval,
		maxMessages:  maxMessages,
	}, nil
}

// HealthCheck verifies the database is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.broker.Depth(ctx, c.queueName)
	return err
}

// Close closes the broker database.
func (c *Client) Close() error {
	return c.broker.Close()
}

// Publisher publishes messages into the embedded broker.
type Publisher struct {
	client *Client
}

// Publish sends a message with no group (FIFO within the default group).
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(ctx, data, "", "")
}

// PublishWithGroup sends a message into a FIFO group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publish(ctx, data, messageGroup, "")
}

// PublishWithDeduplication sends a message with a deduplication ID.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publish(ctx, data, "", deduplicationID)
}

// PublishMessage publishes a message built with MessageBuilder.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	return p.publish(ctx, builder.Data(), builder.MessageGroup(), builder.DeduplicationID())
}

func (p *Publisher) publish(ctx context.Context, data []byte, group, dedupID string) error {
	if err := p.client.broker.Enqueue(ctx, p.client.queueName, group, dedupID, data); err != nil {
		metrics.QueuePublishErrors.WithLabelValues("sqlite").Inc()
		return err
	}
	metrics.QueueMessagesPublished.WithLabelValues("sqlite").Inc()
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Consumer pulls messages from the embedded broker on a poll interval.
type Consumer struct {
	broker       *Broker
	queueName    string
	owner        string
	pollInterval time.Duration
	maxMessages  int
}

// Consume polls for claimable messages and invokes the handler for each,
// in enqueue order. Blocks until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("SQLite consumer started",
		"queue", c.queueName,
		"owner", c.owner,
		"pollInterval", c.pollInterval)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SQLite consumer stopped", "queue", c.queueName)
			return ctx.Err()
		case <-ticker.C:
		}

		// Opportunistically return expired claims to the queue
		if _, err := c.broker.ReleaseExpired(ctx, c.queueName); err != nil {
			slog.Warn("Failed to release expired messages", "error", err)
		}

		claimed, err := c.broker.Claim(ctx, c.queueName, c.owner, c.maxMessages)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("SQLite claim failed", "queue", c.queueName, "error", err)
			continue
		}

		for _, row := range claimed {
			metrics.QueueMessagesConsumed.WithLabelValues("sqlite").Inc()
			msg := &Message{
				broker:  c.broker,
				owner:   c.owner,
				rowID:   row.id,
				groupID: row.groupID,
				body:    row.body,
			}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err, "id", row.id)
			}
		}
	}
}

// Close is a no-op; the broker is owned by the client.
func (c *Consumer) Close() error {
	return nil
}

// Message is one claimed row.
type Message struct {
	broker  *Broker
	owner   string
	rowID   int64
	groupID string
	body    []byte
}

// ID returns the broker-assigned row ID as the message identifier.
func (m *Message) ID() string {
	return strconv.FormatInt(m.rowID, 10)
}

// Data returns the message payload.
func (m *Message) Data() []byte {
	return m.body
}

// Subject returns the logical subject (unused by the embedded broker).
func (m *Message) Subject() string {
	return ""
}

// MessageGroup returns the FIFO group.
func (m *Message) MessageGroup() string {
	return m.groupID
}

// Ack deletes the row.
func (m *Message) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.broker.Ack(ctx, m.rowID, m.owner)
}

// Nak releases the row for immediate redelivery.
func (m *Message) Nak() error {
	return m.NakWithDelay(0)
}

// NakWithDelay releases the row for redelivery after delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.broker.Nack(ctx, m.rowID, m.owner, delay)
}

// InProgress extends the visibility deadline.
func (m *Message) InProgress() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.broker.Extend(ctx, m.rowID, m.owner, m.broker.visibilityTimeout)
}

// Metadata returns message metadata.
func (m *Message) Metadata() map[string]string {
	return map[string]string{"messageGroup": m.groupID}
}
