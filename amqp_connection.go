package amqpbus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hendratommy/amqpbus/envelope"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
	streadway "github.com/streadway/amqp"
)

// AMQPConnection publishes resolved messages on RabbitMQ and creates subscribers for consuming them.
// Should implement Endpoint.
type AMQPConnection struct {
	id       string
	config   Config
	logger   watermill.LoggerAdapter
	topology *delayTopology

	mu             sync.Mutex
	publisher      *amqp.Publisher
	delayPublisher *amqp.Publisher
	subscribers    []*amqp.Subscriber
	closed         bool
}

var _ Endpoint = (*AMQPConnection)(nil)

// Create new instance of AMQP connection. Nothing is dialed until the first publish or subscribe.
// `config`	Required. See NewConfig for defaults
// `logger`	Optional. Default: watermill.StdLogger
func NewAMQPConnection(config Config, logger watermill.LoggerAdapter) (*AMQPConnection, error) {
	if config.AmqpURI == "" {
		return nil, errors.New("amqp uri is required")
	}
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	config = config.withDefaults()

	return &AMQPConnection{
		id:       watermill.NewShortUUID(),
		config:   config,
		logger:   logger,
		topology: newDelayTopology(config.AmqpURI, config.Delay.ExchangeName),
	}, nil
}

func (c *AMQPConnection) String() string {
	return fmt.Sprintf("AMQPConnection{id: %s, exchange: %s}", c.id, c.config.Exchange.Name)
}

// Publish sends body to the exchange and routing key resolved from attributes. A positive delay
// parks the message in a TTL queue that dead-letters it to its final destination.
func (c *AMQPConnection) Publish(body []byte, headers map[string]string, delay int64, attributes envelope.PublishAttributes) error {
	route := c.config.route(delay, attributes)

	var publisher *amqp.Publisher
	var err error
	if route.Delay != nil {
		if err := c.topology.declare(*route.Delay); err != nil {
			return errors.Wrapf(err, "cannot declare delay queue %s", route.Delay.Name)
		}
		publisher, err = c.getPublisher(true)
	} else {
		publisher, err = c.getPublisher(false)
	}
	if err != nil {
		return err
	}

	id := attributes.MessageID
	if id == "" {
		id = uuid.New().String()
	}

	msg := message.NewMessage(id, body)
	for k, v := range headers {
		msg.Metadata.Set(k, v)
	}
	msg.SetContext(withPublishAttributes(context.Background(), attributes))

	c.logger.Trace("Publishing to AMQP", watermill.LogFields{
		"message_uuid": id,
		"exchange":     route.Exchange,
		"routing_key":  route.RoutingKey,
		"delay":        delay,
	})

	return publisher.Publish(route.topic(), msg)
}

// Return `Publisher` for this connection. The `Publisher` will only created once and reused.
// Topics given to it are `exchange/routingKey` addresses.
func (c *AMQPConnection) Publisher() (message.Publisher, error) {
	return c.getPublisher(false)
}

func (c *AMQPConnection) getPublisher(delayed bool) (*amqp.Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	if delayed {
		if c.delayPublisher == nil {
			// delay queues are bound by their own name
			publisher, err := amqp.NewPublisher(c.publisherConfig("direct"), c.logger)
			if err != nil {
				return nil, err
			}
			c.delayPublisher = publisher
		}
		return c.delayPublisher, nil
	}

	if c.publisher == nil {
		publisher, err := amqp.NewPublisher(c.publisherConfig(c.config.Exchange.Type), c.logger)
		if err != nil {
			return nil, err
		}
		c.publisher = publisher
	}

	// reuse publisher
	return c.publisher, nil
}

func (c *AMQPConnection) publisherConfig(exchangeType string) amqp.Config {
	amqpConfig := amqp.NewDurablePubSubConfig(c.config.AmqpURI, nil)
	amqpConfig.Exchange.Type = exchangeType
	amqpConfig.Exchange.GenerateName = func(topic string) string {
		exchange, _ := splitTopic(topic)
		return exchange
	}
	amqpConfig.Publish.GenerateRoutingKey = func(topic string) string {
		_, routingKey := splitTopic(topic)
		return routingKey
	}
	amqpConfig.Marshaler = c.marshaler()

	return amqpConfig
}

func (c *AMQPConnection) marshaler() publishingMarshaler {
	return publishingMarshaler{persistent: c.config.Persistent, appID: c.config.AppID}
}

// Return new `Subscriber` for given binding, this will create the queue and bind it to the exchange if not yet available.
// The subscriber must be subscribed with the queue name as topic.
func (c *AMQPConnection) Subscriber(binding Binding) (message.Subscriber, error) {
	if binding.Queue == "" {
		return nil, errors.New("queue name is required")
	}

	amqpConfig := amqp.NewDurablePubSubConfig(c.config.AmqpURI, func(topic string) string {
		return binding.Queue
	})
	amqpConfig.Exchange.Type = c.config.Exchange.Type
	amqpConfig.Exchange.GenerateName = func(topic string) string {
		return binding.Exchange
	}
	amqpConfig.QueueBind.GenerateRoutingKey = func(topic string) string {
		return binding.RoutingKey
	}
	amqpConfig.Marshaler = c.marshaler()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	subscriber, err := amqp.NewSubscriber(amqpConfig, c.logger)
	if err != nil {
		return nil, err
	}
	c.subscribers = append(c.subscribers, subscriber)

	return subscriber, nil
}

// Close closes every publisher and subscriber created by this connection.
func (c *AMQPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var result error
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "cannot close publisher"))
		}
	}
	if c.delayPublisher != nil {
		if err := c.delayPublisher.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "cannot close delay publisher"))
		}
	}
	for _, s := range c.subscribers {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "cannot close subscriber"))
		}
	}
	if err := c.topology.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "cannot close topology connection"))
	}

	return result
}

const topicSeparator = "/"

// publishRoute is where a single message is published.
type publishRoute struct {
	Exchange   string
	RoutingKey string
	// Delay is set when the message goes through a delay queue first.
	Delay *delayQueue
}

// Exchange names can't contain the separator, routing keys can.
func (r publishRoute) topic() string {
	return r.Exchange + topicSeparator + r.RoutingKey
}

func splitTopic(topic string) (exchange, routingKey string) {
	i := strings.Index(topic, topicSeparator)
	if i < 0 {
		return topic, ""
	}
	return topic[:i], topic[i+len(topicSeparator):]
}

type delayQueue struct {
	Name      string
	Arguments streadway.Table
	// Target is the exchange the queue dead-letters into, declared with TargetType unless empty.
	Target     string
	TargetType string
}

func (q delayQueue) expires() time.Duration {
	ms, _ := q.Arguments[ArgExpires].(int64)
	return time.Duration(ms) * time.Millisecond
}

func (c Config) route(delay int64, attributes envelope.PublishAttributes) publishRoute {
	// explicit exchange, then the dead-letter exchange, then the configured one
	exchange := attributes.Exchange
	if exchange == "" {
		exchange = attributes.DeadLetterExchange
	}
	if exchange == "" {
		exchange = c.Exchange.Name
	}
	routingKey := attributes.RoutingKey
	if routingKey == "" {
		routingKey = c.Exchange.DefaultRoutingKey
	}

	// the default exchange routes by queue name
	if attributes.RetryTarget == envelope.RetryTargetQueue {
		exchange = DefaultExchange
	}

	if delay <= 0 {
		return publishRoute{Exchange: exchange, RoutingKey: routingKey}
	}

	action := "_delay"
	if attributes.RetryTarget != envelope.RetryTargetNone {
		action = "_retry"
	}

	name := strings.NewReplacer(
		"%exchange_name%", exchange,
		"%routing_key%", routingKey,
		"%delay%", strconv.FormatInt(delay, 10),
	).Replace(c.Delay.QueueNamePattern) + action

	return publishRoute{
		Exchange:   c.Delay.ExchangeName,
		RoutingKey: name,
		Delay: &delayQueue{
			Name: name,
			Arguments: streadway.Table{
				ArgMessageTTL:           delay,
				ArgExpires:              delay + delayQueueExpiryPaddingMs,
				ArgDeadLetterExchange:   exchange,
				ArgDeadLetterRoutingKey: routingKey,
			},
			Target:     exchange,
			TargetType: c.Exchange.Type,
		},
	}
}

// delayTopology declares delay queues on a dedicated connection.
type delayTopology struct {
	uri      string
	exchange string
	// queue name -> time.Time of the last declaration
	declared cmap.ConcurrentMap

	mu   sync.Mutex
	conn *streadway.Connection
}

func newDelayTopology(uri, exchange string) *delayTopology {
	return &delayTopology{
		uri:      uri,
		exchange: exchange,
		declared: cmap.New(),
	}
}

func (t *delayTopology) fresh(q delayQueue) bool {
	v, ok := t.declared.Get(q.Name)
	if !ok {
		return false
	}
	// unused delay queues expire, declare again well before that happens
	return time.Since(v.(time.Time)) < q.expires()/2
}

func (t *delayTopology) declare(q delayQueue) error {
	if t.fresh(q) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fresh(q) {
		return nil
	}

	ch, err := t.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(t.exchange, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "cannot declare delay exchange")
	}
	// expired messages are dropped when the exchange they dead-letter into doesn't exist
	if q.Target != DefaultExchange {
		if err := ch.ExchangeDeclare(q.Target, q.TargetType, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "cannot declare exchange %s", q.Target)
		}
	}
	if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Arguments); err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, q.Name, t.exchange, false, nil); err != nil {
		return err
	}

	t.declared.Set(q.Name, time.Now())
	return nil
}

func (t *delayTopology) channel() (*streadway.Channel, error) {
	if t.conn == nil {
		conn, err := streadway.Dial(t.uri)
		if err != nil {
			return nil, errors.Wrap(err, "cannot dial amqp")
		}
		t.conn = conn
	}

	ch, err := t.conn.Channel()
	if err != nil {
		// connection is gone, dial again on next call
		_ = t.conn.Close()
		t.conn = nil
		return nil, errors.Wrap(err, "cannot open channel")
	}

	return ch, nil
}

func (t *delayTopology) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err == streadway.ErrClosed {
		return nil
	}
	return err
}
