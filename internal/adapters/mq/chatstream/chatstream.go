// Package chatstream consumes chat commands from a Kafka topic and hands them
// to the same dispatcher the HTTP command endpoint uses.
package chatstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/okian/builderscore/internal/domain/ingest"
	"github.com/okian/builderscore/pkg/logger"
	"github.com/okian/builderscore/pkg/metrics"
)

const (
	initialRetryInterval = 100 * time.Millisecond
	maxRetryInterval     = 5 * time.Second
)

// Dispatcher executes one chat command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd ingest.Command) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithRetryable marks dispatch errors that should be retried instead of
// skipped. By default nothing is retried.
func WithRetryable(fn func(error) bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.retryable = fn
		}
	}
}

// Handler implements sarama.ConsumerGroupHandler.
type Handler struct {
	dispatcher Dispatcher
	retryable  func(error) bool
	log        logger.Logger
}

// NewHandler creates a consumer group handler.
func NewHandler(dispatcher Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		dispatcher: dispatcher,
		retryable:  func(error) bool { return false },
		log:        logger.Named("chatstream"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Setup(session sarama.ConsumerGroupSession) error {
	h.log.Info(session.Context(), "chat stream consumer setup", logger.String("member_id", session.MemberID()))
	return nil
}

func (h *Handler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.Info(session.Context(), "chat stream consumer cleanup")
	return nil
}

// ConsumeClaim processes messages in partition order and marks each one once
// it has been dispatched or permanently rejected.
func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, msg); err != nil {
				// Only a cancelled session gets here; the message stays unmarked.
				return nil
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Handler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var cmd ingest.Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		metrics.RecordChatStreamError()
		metrics.RecordDelivery("chat_stream", "malformed")
		h.log.Warn(ctx, "skipping undecodable chat message",
			logger.String("topic", msg.Topic),
			logger.Int64("offset", msg.Offset),
			logger.Error(err))
		return nil
	}

	retry := initialRetryInterval
	for {
		err := h.dispatcher.Dispatch(ctx, cmd)
		if err == nil {
			return nil
		}
		if !h.retryable(err) {
			metrics.RecordChatStreamError()
			h.log.Warn(ctx, "chat command rejected",
				logger.String("interaction_id", cmd.InteractionID),
				logger.String("command", cmd.Name),
				logger.Error(err))
			return nil
		}

		h.log.Error(ctx, "chat command failed, retrying",
			logger.String("interaction_id", cmd.InteractionID),
			logger.Duration("retry_in", retry),
			logger.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
		retry = min(retry*2, maxRetryInterval)
	}
}

// Consumer owns a sarama consumer group on one topic.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler sarama.ConsumerGroupHandler
	log     logger.Logger
}

// NewConfig returns the sarama settings used by the chat consumer.
func NewConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Group.Session.Timeout = 10 * time.Second
	c.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	c.Consumer.MaxProcessingTime = 30 * time.Second
	return c
}

// NewConsumer joins groupID on brokers.
func NewConsumer(brokers []string, groupID, topic string, handler sarama.ConsumerGroupHandler) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}
	return &Consumer{group: group, topic: topic, handler: handler, log: logger.Named("chatstream")}, nil
}

// Run consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info(ctx, "chat stream consumer started", logger.String("topic", c.topic))

	go func() {
		for err := range c.group.Errors() {
			metrics.RecordChatStreamError()
			c.log.Error(ctx, "chat stream consumer error", logger.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error(ctx, "error from consumer", logger.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.group.Close()
}
