// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/kafka"
	"github.com/LeeDigitalWorks/zapquota/pkg/logger"

	"github.com/IBM/sarama"
)

// KafkaNotifier publishes notifications as JSON to a Kafka topic, keyed by
// recipient.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaNotifier connects a sync producer to cfg.Brokers.
func NewKafkaNotifier(cfg kafka.Config) (*KafkaNotifier, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafka.NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("kafka producer creation failed: %w", err)
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("kafka notifier connected")

	return &KafkaNotifier{producer: producer, topic: cfg.Topic}, nil
}

func (n *KafkaNotifier) Name() string {
	return "kafka"
}

func (n *KafkaNotifier) Send(ctx context.Context, msg Notification) error {
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		observe(n.Name(), start, err)
		return fmt.Errorf("marshal notification: %w", err)
	}

	partition, offset, err := n.producer.SendMessage(&sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(msg.Recipient),
		Value: sarama.ByteEncoder(data),
	})
	observe(n.Name(), start, err)
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}

	logger.Ctx(ctx).Debug().
		Str("topic", n.topic).
		Str("recipient", msg.Recipient).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("published notification to kafka")
	return nil
}

func (n *KafkaNotifier) Close() error {
	if n.producer != nil {
		return n.producer.Close()
	}
	return nil
}
