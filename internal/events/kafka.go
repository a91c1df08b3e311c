// Package events hands message-ready events and delivery requests to the chat wrapper.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"go.uber.org/zap"
)

const (
	DefaultEventsTopic   = "mediapay.events"
	DefaultDeliveryTopic = "mediapay.deliveries"

	headerEventType = "event_type"

	errorOperation      = "events"
	errorSubjectPublish = "publish"
	errorSubjectDeliver = "deliver"
	errorCodeEncode     = "encode"
	errorCodeSend       = "send"
)

var errNilProducer = errors.New("kafka producer is nil")

// DeliveryRequest asks the chat wrapper to send purchased media to a buyer.
type DeliveryRequest struct {
	BuyerID     string    `json:"buyer_id"`
	ContentID   string    `json:"content_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewSyncProducer connects a sarama SyncProducer that waits for all in-sync replicas.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher implements payments.EventPublisher and payments.DeliveryNotifier on one producer.
type KafkaPublisher struct {
	producer      sarama.SyncProducer
	eventsTopic   string
	deliveryTopic string
	nowFn         func() time.Time
}

// NewKafkaPublisher wraps a producer. Empty topics fall back to the defaults.
func NewKafkaPublisher(producer sarama.SyncProducer, eventsTopic string, deliveryTopic string, now func() time.Time) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errNilProducer
	}
	if strings.TrimSpace(eventsTopic) == "" {
		eventsTopic = DefaultEventsTopic
	}
	if strings.TrimSpace(deliveryTopic) == "" {
		deliveryTopic = DefaultDeliveryTopic
	}
	if now == nil {
		now = time.Now
	}
	return &KafkaPublisher{producer: producer, eventsTopic: eventsTopic, deliveryTopic: deliveryTopic, nowFn: now}, nil
}

// Publish sends the event keyed by buyer so one buyer's events stay ordered.
func (publisher *KafkaPublisher) Publish(ctx context.Context, event payments.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return payments.WrapError(errorOperation, errorSubjectPublish, errorCodeEncode, err)
	}
	message := &sarama.ProducerMessage{
		Topic:   publisher.eventsTopic,
		Key:     sarama.StringEncoder(event.BuyerID),
		Value:   sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{{Key: []byte(headerEventType), Value: []byte(event.Type)}},
	}
	if _, _, err := publisher.producer.SendMessage(message); err != nil {
		return payments.WrapError(errorOperation, errorSubjectPublish, errorCodeSend, err)
	}
	return nil
}

// Deliver queues a media delivery request for the chat wrapper.
func (publisher *KafkaPublisher) Deliver(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID) error {
	data, err := json.Marshal(DeliveryRequest{
		BuyerID:     buyerID.String(),
		ContentID:   contentID.String(),
		RequestedAt: publisher.nowFn().UTC(),
	})
	if err != nil {
		return payments.WrapError(errorOperation, errorSubjectDeliver, errorCodeEncode, err)
	}
	message := &sarama.ProducerMessage{
		Topic: publisher.deliveryTopic,
		Key:   sarama.StringEncoder(buyerID.String()),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := publisher.producer.SendMessage(message); err != nil {
		return payments.WrapError(errorOperation, errorSubjectDeliver, errorCodeSend, err)
	}
	return nil
}

// Close closes the underlying producer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.producer.Close()
}

// LogPublisher writes events and delivery requests to zap when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher builds a LogPublisher; a nil logger becomes a no-op logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (publisher *LogPublisher) Publish(ctx context.Context, event payments.Event) error {
	publisher.logger.Info("event",
		zap.String("type", string(event.Type)),
		zap.String("buyer_id", event.BuyerID),
		zap.String("channel_id", event.ChannelID),
		zap.String("content_id", event.ContentID),
		zap.String("transaction_id", event.TransactionID),
		zap.Int64("amount", event.Amount),
		zap.Int64("shortfall", event.Shortfall),
		zap.String("code_url", event.CodeURL),
	)
	return nil
}

func (publisher *LogPublisher) Deliver(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID) error {
	publisher.logger.Info("delivery requested",
		zap.String("buyer_id", buyerID.String()),
		zap.String("content_id", contentID.String()),
	)
	return nil
}
