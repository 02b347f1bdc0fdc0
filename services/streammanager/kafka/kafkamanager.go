// Package kafka builds the Kafka consumer and producers of the ingestion router out of the configuration
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/segmentio/kafka-go"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-ingestion-router/services/streammanager/kafka/client"
)

// Manager creates consumers and producers sharing the same client
type Manager struct {
	client *client.Client
	logger logger.Logger

	config struct {
		brokers      []string
		topic        string
		groupID      string
		startOffset  string
		batchSize    int
		batchMaxWait time.Duration
		writeTimeout time.Duration
		maxRetries   int
		retryMaxWait time.Duration
	}
}

func NewManager(conf *config.Config, log logger.Logger) (*Manager, error) {
	m := &Manager{logger: log.Child("kafka")}
	m.config.brokers = splitBrokers(conf.GetStringVar("localhost:9092", "Kafka.brokers"))
	m.config.topic = conf.GetStringVar("events_plugin_ingestion", "Kafka.topic")
	m.config.groupID = conf.GetStringVar("ingestion", "Kafka.groupID")
	m.config.startOffset = conf.GetStringVar("earliest", "Kafka.startOffset")
	m.config.batchSize = conf.GetIntVar(500, 1, "Kafka.batchSize")
	m.config.batchMaxWait = conf.GetDurationVar(1, time.Second, "Kafka.batchMaxWait")
	m.config.writeTimeout = conf.GetDurationVar(10, time.Second, "Kafka.writeTimeout")
	m.config.maxRetries = conf.GetIntVar(10, 1, "Kafka.maxRetries")
	m.config.retryMaxWait = conf.GetDurationVar(30, time.Second, "Kafka.retryMaxInterval")

	c, err := client.New("tcp", m.config.brokers, client.Config{
		ClientID:    conf.GetStringVar("ingestion-router", "Kafka.clientID"),
		DialTimeout: conf.GetDurationVar(10, time.Second, "Kafka.dialTimeout"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	m.client = c
	return m, nil
}

func splitBrokers(brokers string) []string {
	return lo.Compact(lo.Map(strings.Split(brokers, ","), func(b string, _ int) string {
		return strings.TrimSpace(b)
	}))
}

// Ping checks the connectivity with the brokers
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// NewConsumer returns a consumer of the ingestion topic
func (m *Manager) NewConsumer() (*client.Consumer, error) {
	startOffset := kafka.FirstOffset
	if m.config.startOffset == "latest" {
		startOffset = kafka.LastOffset
	}
	return m.client.NewConsumer(client.ConsumerConfig{
		GroupID:          m.config.groupID,
		Topic:            m.config.topic,
		StartOffset:      startOffset,
		BatchSize:        m.config.batchSize,
		BatchMaxWait:     m.config.batchMaxWait,
		RetryMaxInterval: m.config.retryMaxWait,
		Logger:           &loggerAdapter{logger: m.logger.Child("consumer")},
		ErrorLogger:      &loggerAdapter{logger: m.logger.Child("consumer"), error: true},
	})
}

// NewProducer returns a producer publishing to the given topic
func (m *Manager) NewProducer(topic string) *client.Producer {
	return m.client.NewProducer(topic, client.ProducerConfig{
		WriteTimeout: m.config.writeTimeout,
		MaxRetries:   m.config.maxRetries,
		ErrorLogger:  &loggerAdapter{logger: m.logger.Child("producer").Child(topic), error: true},
	})
}

// loggerAdapter bridges the kafka client logging to the structured logger
type loggerAdapter struct {
	logger logger.Logger
	error  bool
}

func (l *loggerAdapter) Printf(format string, args ...interface{}) {
	if l.error {
		l.logger.Errorf(format, args...)
		return
	}
	l.logger.Debugf(format, args...)
}
