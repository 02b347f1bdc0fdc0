package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Logger specifies a logger used to report internal changes within the consumer and the producer
type Logger interface {
	Printf(format string, args ...interface{})
}

// MessageHeader is a key/value pair type representing headers set on records
type MessageHeader struct {
	Key   string
	Value []byte
}

// Message is a data structure representing a Kafka message
type Message struct {
	Key, Value []byte
	Topic      string
	Partition  int32
	Offset     int64
	Headers    []MessageHeader
	Timestamp  time.Time
}

type Config struct {
	ClientID    string
	DialTimeout time.Duration
}

func (c *Config) defaults() {
	if c.DialTimeout < 1 {
		c.DialTimeout = 10 * time.Second
	}
}

// Client holds the connection details shared by consumers and producers
type Client struct {
	network   string
	addresses []string
	dialer    *kafka.Dialer
	config    Config
}

// New returns a new Kafka client
func New(network string, addresses []string, conf Config) (*Client, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("no broker addresses provided")
	}
	conf.defaults()

	dialer := kafka.Dialer{
		DualStack: true,
		Timeout:   conf.DialTimeout,
	}
	if conf.ClientID != "" {
		dialer.ClientID = conf.ClientID
	}

	return &Client{
		network:   network,
		addresses: addresses,
		dialer:    &dialer,
		config:    conf,
	}, nil
}

// Ping checks the connectivity with the first reachable broker, then it discards the connection
func (c *Client) Ping(ctx context.Context) (err error) {
	for _, address := range c.addresses {
		var conn *kafka.Conn
		conn, err = c.dialer.DialContext(ctx, c.network, address)
		if err != nil {
			err = fmt.Errorf("could not dial %s/%s: %w", c.network, address, err)
			continue
		}
		// close asynchronously, if we block we might not respect the context
		go func() { _ = conn.Close() }()
		return nil
	}
	return err
}

// CreateTopic creates a topic via the cluster controller. Creating an existing topic is not an error.
func (c *Client) CreateTopic(ctx context.Context, topic string, numPartitions, replicationFactor int) error {
	conn, err := c.dialer.DialContext(ctx, c.network, c.addresses[0])
	if err != nil {
		return fmt.Errorf("could not dial %s/%s: %w", c.network, c.addresses[0], err)
	}
	defer func() {
		go func() { _ = conn.Close() }()
	}()

	var (
		errors  = make(chan error, 1)
		brokers = make(chan kafka.Broker, 1)
	)
	go func() { // conn.Controller() does not honour the context
		b, err := conn.Controller()
		if err != nil {
			errors <- fmt.Errorf("could not get controller: %w", err)
			return
		}
		if b.Host == "" {
			errors <- fmt.Errorf("create topic: empty host")
			return
		}
		brokers <- b
	}()

	var broker kafka.Broker
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err = <-errors:
		return err
	case broker = <-brokers:
	}

	controllerConn, err := c.dialer.DialContext(ctx, c.network, net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port)))
	if err != nil {
		return fmt.Errorf("could not dial via controller: %w", err)
	}
	defer func() {
		go func() { _ = controllerConn.Close() }()
	}()

	go func() { // controllerConn.CreateTopics() does not honour the context
		errors <- controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     numPartitions,
			ReplicationFactor: replicationFactor,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err = <-errors:
		return err
	}
}

func toKafkaHeaders(headers []MessageHeader) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	res := make([]kafka.Header, len(headers))
	for i := range headers {
		res[i] = kafka.Header{Key: headers[i].Key, Value: headers[i].Value}
	}
	return res
}

func fromKafkaMessage(msg kafka.Message) Message {
	var headers []MessageHeader
	if l := len(msg.Headers); l > 0 {
		headers = make([]MessageHeader, l)
		for i := range msg.Headers {
			headers[i] = MessageHeader{Key: msg.Headers[i].Key, Value: msg.Headers[i].Value}
		}
	}
	return Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Topic:     msg.Topic,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
		Headers:   headers,
		Timestamp: msg.Time,
	}
}

func toKafkaMessage(msg Message) kafka.Message {
	return kafka.Message{
		Topic:     msg.Topic,
		Partition: int(msg.Partition),
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Timestamp,
		Headers:   toKafkaHeaders(msg.Headers),
	}
}
