// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/LeeDigitalWorks/zapquota/pkg/kafka"
	"github.com/LeeDigitalWorks/zapquota/pkg/logger"

	"github.com/IBM/sarama"
)

// KafkaSource consumes every partition of a topic.
type KafkaSource struct {
	consumer sarama.Consumer
	topic    string
	offset   int64
}

// NewKafkaSource connects a consumer to cfg.Brokers.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	consumer, err := sarama.NewConsumer(cfg.Brokers, kafka.NewSaramaConfig(cfg.Config))
	if err != nil {
		return nil, fmt.Errorf("kafka consumer creation failed: %w", err)
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("initial_offset", cfg.InitialOffset).
		Msg("kafka user event consumer connected")

	return newKafkaSource(consumer, cfg.Topic, cfg.InitialOffset), nil
}

func newKafkaSource(consumer sarama.Consumer, topic, initialOffset string) *KafkaSource {
	offset := sarama.OffsetNewest
	if initialOffset == "oldest" {
		offset = sarama.OffsetOldest
	}
	return &KafkaSource{consumer: consumer, topic: topic, offset: offset}
}

func (s *KafkaSource) Name() string {
	return "kafka"
}

func (s *KafkaSource) Run(ctx context.Context, out chan<- UserEvent) error {
	partitions, err := s.consumer.Partitions(s.topic)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", s.topic, err)
	}

	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := s.consumer.ConsumePartition(s.topic, p, s.offset)
		if err != nil {
			for _, started := range pcs {
				started.AsyncClose()
			}
			return fmt.Errorf("consume %s/%d: %w", s.topic, p, err)
		}
		pcs = append(pcs, pc)
	}

	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consume(ctx, pc, out)
		}()
	}
	wg.Wait()
	return nil
}

func (s *KafkaSource) consume(ctx context.Context, pc sarama.PartitionConsumer, out chan<- UserEvent) {
	defer func() {
		if err := pc.Close(); err != nil {
			logger.Warn().Err(err).Str("topic", s.topic).Msg("closing kafka partition consumer")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			ev, err := Decode(msg.Value)
			if err != nil {
				EventsInvalidTotal.WithLabelValues(s.Name()).Inc()
				logger.Warn().Err(err).
					Str("topic", msg.Topic).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("skipping user event")
				continue
			}
			EventsReceivedTotal.WithLabelValues(s.Name(), string(ev.Action)).Inc()
			if !deliver(ctx, out, ev) {
				return
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			logger.Warn().Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("kafka consumer error")
		}
	}
}

func (s *KafkaSource) Close() error {
	if s.consumer != nil {
		return s.consumer.Close()
	}
	return nil
}
