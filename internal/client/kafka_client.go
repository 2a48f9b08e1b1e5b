package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"validator-gateway/internal/config"
	"validator-gateway/internal/events"
	"validator-gateway/internal/util"
)

// AttackEventProducer streams absorber audit events to Kafka. The stream is
// strictly observability: publish errors are logged and dropped so a broker
// outage can never stall escalation or blocking.
type AttackEventProducer struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

func NewAttackEventProducer(cfg *config.Config, logger *zap.Logger) (*AttackEventProducer, error) {
	kafkaConfig := cfg.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Topic:        kafkaConfig.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write attack events",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	util.Info("Kafka attack-event producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("topic", kafkaConfig.Topic),
	)

	return &AttackEventProducer{
		writer: writer,
		topic:  kafkaConfig.Topic,
		logger: logger,
	}, nil
}

// PublishAttackEvent implements absorber.EventPublisher.
func (p *AttackEventProducer) PublishAttackEvent(ctx context.Context, evt events.AttackEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode attack event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.IP),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish attack event: %w", err)
	}
	return nil
}

func (p *AttackEventProducer) Close() error {
	if p.writer != nil {
		err := p.writer.Close()
		if err != nil {
			util.Error("failed to close Kafka producer", zap.Error(err))
			return err
		}
		util.Info("Kafka producer closed")
	}
	return nil
}
