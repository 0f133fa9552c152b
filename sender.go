package amqpbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/hendratommy/amqpbus/serializer"
	"github.com/pkg/errors"
)

// Connection publishes an already serialized message on the broker.
// Implementations decide how delay and the attributes' routing are honored.
type Connection interface {
	Publish(body []byte, headers map[string]string, delay int64, attributes envelope.PublishAttributes) error
}

// DeadLetterExchangePolicy decides when a message that was received from the broker is tagged with
// the exchange it originally came from as its dead-letter exchange.
type DeadLetterExchangePolicy int

const (
	// DeadLetterExchangeOnRetry tags only messages carrying a RedeliveryStamp.
	DeadLetterExchangeOnRetry DeadLetterExchangePolicy = iota
	// DeadLetterExchangeAlways tags every message carrying an AmqpReceivedStamp, retried or not.
	DeadLetterExchangeAlways
)

type SenderOption func(*Sender)

func WithDeadLetterExchangePolicy(policy DeadLetterExchangePolicy) SenderOption {
	return func(s *Sender) {
		s.deadLetterPolicy = policy
	}
}

func WithLogger(logger watermill.LoggerAdapter) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sender resolves where and how an envelope is published and hands it to a Connection.
// It holds no per-call state and is safe for concurrent use as long as the Connection is.
type Sender struct {
	connection       Connection
	serializer       serializer.Serializer
	logger           watermill.LoggerAdapter
	deadLetterPolicy DeadLetterExchangePolicy
}

// Create new Sender
// `connection`	Required.
// `serializer`	Optional. Default: serializer.NewJSON()
func NewSender(connection Connection, s serializer.Serializer, opts ...SenderOption) *Sender {
	if s == nil {
		s = serializer.NewJSON()
	}

	sender := &Sender{
		connection: connection,
		serializer: s,
		logger:     watermill.NewStdLogger(false, false),
	}
	for _, opt := range opts {
		opt(sender)
	}

	return sender
}

// Send publishes env and returns it untouched. Publish failures are returned as *TransportError.
func (s *Sender) Send(env envelope.Envelope) (envelope.Envelope, error) {
	encoded, err := s.serializer.Encode(env)
	if err != nil {
		return envelope.Envelope{}, errors.Wrap(err, "cannot encode envelope")
	}

	headers := make(map[string]string, len(encoded.Headers))
	for k, v := range encoded.Headers {
		headers[k] = v
	}

	var delay int64
	if d, ok := envelope.LastDelayStamp(env); ok {
		delay = d.Delay()
	}

	var amqpStamp *envelope.AmqpStamp
	if st, ok := envelope.LastAmqpStamp(env); ok {
		amqpStamp = &st
	}

	if contentType, ok := headers[HeaderContentType]; ok {
		delete(headers, HeaderContentType)

		// explicit content type on the stamp wins over the serializer's
		if amqpStamp == nil || amqpStamp.Attributes().ContentType == "" {
			st := envelope.AmqpStampWithAttributes(envelope.PublishAttributes{ContentType: contentType}, amqpStamp)
			amqpStamp = &st
		}
	}

	if received, ok := envelope.LastAmqpReceivedStamp(env); ok {
		st := envelope.AmqpStampFromAmqpEnvelope(received.AmqpEnvelope(), amqpStamp, s.retryRouting(env, received))
		amqpStamp = &st
	}

	var attributes envelope.PublishAttributes
	if amqpStamp != nil {
		attributes = amqpStamp.Attributes()
	}

	s.logger.Debug("Publishing message", watermill.LogFields{
		"exchange":             attributes.Exchange,
		"routing_key":          attributes.RoutingKey,
		"dead_letter_exchange": attributes.DeadLetterExchange,
		"delay":                delay,
		"retry_count":          envelope.RetryCount(env),
	})

	if err := s.connection.Publish(encoded.Body, headers, delay, attributes); err != nil {
		return envelope.Envelope{}, &TransportError{
			Exchange:   attributes.Exchange,
			RoutingKey: attributes.RoutingKey,
			Err:        err,
		}
	}

	return env, nil
}

func (s *Sender) retryRouting(env envelope.Envelope, received envelope.AmqpReceivedStamp) envelope.RetryRouting {
	var routing envelope.RetryRouting

	redelivery, retrying := envelope.LastRedeliveryStamp(env)
	if retrying {
		if redelivery.RetryToOriginalExchange() {
			routing.RoutingKey = received.OriginalRoutingKey()
			routing.Target = envelope.RetryTargetExchange
		} else {
			routing.RoutingKey = received.QueueName()
			routing.Target = envelope.RetryTargetQueue
		}
	}

	if retrying || s.deadLetterPolicy == DeadLetterExchangeAlways {
		routing.DeadLetterExchange = received.OriginalExchangeName()
	}

	return routing
}
