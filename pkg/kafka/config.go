// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafka holds the sarama client settings shared by the notification
// producer and the user event consumer.
package kafka

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// Config holds Kafka connection settings.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`

	// Topic to produce to or consume from.
	Topic string `mapstructure:"topic"`

	// RequiredAcks: 0=none, 1=leader, -1=all (default: 1).
	RequiredAcks int `mapstructure:"required_acks"`

	// Compression: "none", "gzip", "snappy", "lz4", "zstd" (default: "snappy").
	Compression string `mapstructure:"compression"`

	// Timeout bounds produce requests and network reads/writes (default: 10s).
	Timeout time.Duration `mapstructure:"timeout"`

	// ClientID identifies this process to the brokers (default: "zapquota").
	ClientID string `mapstructure:"client_id"`

	TLS           bool `mapstructure:"tls"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	SASLEnabled bool `mapstructure:"sasl_enabled"`
	// SASLMechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	SASLMechanism string `mapstructure:"sasl_mechanism"`
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`
}

// DefaultConfig returns a Config for the given topic.
func DefaultConfig(topic string) Config {
	return Config{
		Topic:        topic,
		RequiredAcks: 1,
		Compression:  "snappy",
		Timeout:      10 * time.Second,
		ClientID:     "zapquota",
	}
}

// Validate fills in defaults for unset values.
func (c *Config) Validate() {
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		c.RequiredAcks = 1
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "zapquota"
	}
}

// Check reports settings no client can start with.
func (c Config) Check() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one Kafka broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

// NewSaramaConfig translates c into a sarama configuration usable by both
// producers and consumers.
func NewSaramaConfig(c Config) *sarama.Config {
	c.Validate()

	config := sarama.NewConfig()
	config.ClientID = c.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Consumer.Return.Errors = true

	switch c.RequiredAcks {
	case 0:
		config.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		config.Producer.RequiredAcks = sarama.WaitForAll
	default:
		config.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch c.Compression {
	case "gzip":
		config.Producer.Compression = sarama.CompressionGZIP
	case "lz4":
		config.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		config.Producer.Compression = sarama.CompressionZSTD
	case "none":
		config.Producer.Compression = sarama.CompressionNone
	default:
		config.Producer.Compression = sarama.CompressionSnappy
	}

	config.Producer.Timeout = c.Timeout
	config.Net.WriteTimeout = c.Timeout
	config.Net.ReadTimeout = c.Timeout

	if c.TLS {
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = &tls.Config{
			InsecureSkipVerify: c.TLSSkipVerify,
		}
	}

	if c.SASLEnabled {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = c.SASLUsername
		config.Net.SASL.Password = c.SASLPassword

		switch c.SASLMechanism {
		case "SCRAM-SHA-256":
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{mechanism: scram.SHA256}
			}
		case "SCRAM-SHA-512":
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{mechanism: scram.SHA512}
			}
		default:
			config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	// recipient-keyed messages keep a user's notifications ordered
	config.Producer.Partitioner = sarama.NewHashPartitioner

	return config
}
