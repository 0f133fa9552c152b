package envelope

import (
	"time"

	"github.com/streadway/amqp"
)

// RetryTarget tells the connection where a retried message must land.
type RetryTarget int

const (
	// RetryTargetNone marks a regular publish.
	RetryTargetNone RetryTarget = iota
	// RetryTargetExchange re-publishes through the original exchange with the original routing key.
	RetryTargetExchange
	// RetryTargetQueue re-publishes straight into the queue the message was consumed from,
	// bypassing the routing of the original exchange.
	RetryTargetQueue
)

// PublishAttributes is the set of broker parameters used to publish a message.
// A zero field is unset; Merge fills unset fields and never overwrites set ones.
type PublishAttributes struct {
	Exchange        string
	RoutingKey      string
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string

	// DeadLetterExchange is where a delayed or rejected copy of this message falls back to.
	DeadLetterExchange string
	RetryTarget        RetryTarget
}

// Merge returns a copy of a whose unset fields are taken from fallback.
func (a PublishAttributes) Merge(fallback PublishAttributes) PublishAttributes {
	out := a.clone()

	out.Exchange = firstString(a.Exchange, fallback.Exchange)
	out.RoutingKey = firstString(a.RoutingKey, fallback.RoutingKey)
	out.ContentType = firstString(a.ContentType, fallback.ContentType)
	out.ContentEncoding = firstString(a.ContentEncoding, fallback.ContentEncoding)
	out.CorrelationID = firstString(a.CorrelationID, fallback.CorrelationID)
	out.ReplyTo = firstString(a.ReplyTo, fallback.ReplyTo)
	out.Expiration = firstString(a.Expiration, fallback.Expiration)
	out.MessageID = firstString(a.MessageID, fallback.MessageID)
	out.Type = firstString(a.Type, fallback.Type)
	out.UserID = firstString(a.UserID, fallback.UserID)
	out.AppID = firstString(a.AppID, fallback.AppID)
	out.DeadLetterExchange = firstString(a.DeadLetterExchange, fallback.DeadLetterExchange)

	if out.Headers == nil {
		out.Headers = copyTable(fallback.Headers)
	}
	if out.DeliveryMode == 0 {
		out.DeliveryMode = fallback.DeliveryMode
	}
	if out.Priority == 0 {
		out.Priority = fallback.Priority
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = fallback.Timestamp
	}
	if out.RetryTarget == RetryTargetNone {
		out.RetryTarget = fallback.RetryTarget
	}

	return out
}

func (a PublishAttributes) clone() PublishAttributes {
	a.Headers = copyTable(a.Headers)
	return a
}

func firstString(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	return fallback
}

func copyTable(t map[string]interface{}) map[string]interface{} {
	if t == nil {
		return nil
	}

	cp := make(map[string]interface{}, len(t))
	for k, v := range t {
		cp[k] = v
	}
	return cp
}

// AmqpStamp carries AMQP publish attributes chosen for an envelope.
type AmqpStamp struct {
	attributes PublishAttributes
}

func NewAmqpStamp(attributes PublishAttributes) AmqpStamp {
	return AmqpStamp{attributes: attributes.clone()}
}

// Attributes returns a copy of the stamp's attributes.
func (s AmqpStamp) Attributes() PublishAttributes {
	return s.attributes.clone()
}

func (s AmqpStamp) RoutingKey() string {
	return s.attributes.RoutingKey
}

// IsRetryAttempt reports whether the attributes route a retry.
func (s AmqpStamp) IsRetryAttempt() bool {
	return s.attributes.RetryTarget != RetryTargetNone
}

func (AmqpStamp) Kind() StampKind { return KindAmqp }
func (AmqpStamp) stamp()          {}

// AmqpStampWithAttributes builds a stamp from previous (if any) with attributes layered on top.
func AmqpStampWithAttributes(attributes PublishAttributes, previous *AmqpStamp) AmqpStamp {
	if previous == nil {
		return NewAmqpStamp(attributes)
	}

	return AmqpStamp{attributes: attributes.Merge(previous.attributes)}
}

// RetryRouting is the routing computed for a message that goes back to the broker after a consume.
// A zero Target means the message is not retried and RoutingKey is ignored.
type RetryRouting struct {
	RoutingKey         string
	Target             RetryTarget
	DeadLetterExchange string
}

// AmqpStampFromAmqpEnvelope derives publish attributes from the delivery a message was received with.
// Attributes set on previous win over the delivery's; the retry routing key and target win whenever a
// retry target is given, and so does a non-empty dead-letter exchange.
func AmqpStampFromAmqpEnvelope(delivery AmqpEnvelope, previous *AmqpStamp, retry RetryRouting) AmqpStamp {
	var attrs PublishAttributes
	if previous != nil {
		attrs = previous.attributes
	}

	attrs = attrs.Merge(delivery.attributes())

	if retry.Target != RetryTargetNone {
		attrs.RoutingKey = retry.RoutingKey
		attrs.RetryTarget = retry.Target
	}
	if retry.DeadLetterExchange != "" {
		attrs.DeadLetterExchange = retry.DeadLetterExchange
	}

	return AmqpStamp{attributes: attrs}
}

// AmqpEnvelope is a snapshot of an AMQP delivery as it was received from the broker.
type AmqpEnvelope struct {
	Exchange        string
	RoutingKey      string
	Headers         map[string]interface{}
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

func NewAmqpEnvelopeFromDelivery(d amqp.Delivery) AmqpEnvelope {
	return AmqpEnvelope{
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		Headers:         copyTable(d.Headers),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserID:          d.UserId,
		AppID:           d.AppId,
	}
}

func (e AmqpEnvelope) attributes() PublishAttributes {
	return PublishAttributes{
		Exchange:        e.Exchange,
		RoutingKey:      e.RoutingKey,
		ContentType:     e.ContentType,
		ContentEncoding: e.ContentEncoding,
		Headers:         copyTable(e.Headers),
		DeliveryMode:    e.DeliveryMode,
		Priority:        e.Priority,
		CorrelationID:   e.CorrelationID,
		ReplyTo:         e.ReplyTo,
		Expiration:      e.Expiration,
		MessageID:       e.MessageID,
		Timestamp:       e.Timestamp,
		Type:            e.Type,
		UserID:          e.UserID,
		AppID:           e.AppID,
	}
}

// AmqpReceivedStamp records the queue and delivery a message was consumed from.
type AmqpReceivedStamp struct {
	queueName string
	delivery  AmqpEnvelope
}

func NewAmqpReceivedStamp(queueName string, delivery AmqpEnvelope) AmqpReceivedStamp {
	delivery.Headers = copyTable(delivery.Headers)
	return AmqpReceivedStamp{queueName: queueName, delivery: delivery}
}

func (s AmqpReceivedStamp) QueueName() string {
	return s.queueName
}

// AmqpEnvelope returns a copy of the received delivery snapshot.
func (s AmqpReceivedStamp) AmqpEnvelope() AmqpEnvelope {
	d := s.delivery
	d.Headers = copyTable(d.Headers)
	return d
}

func (s AmqpReceivedStamp) OriginalExchangeName() string {
	return s.delivery.Exchange
}

func (s AmqpReceivedStamp) OriginalRoutingKey() string {
	return s.delivery.RoutingKey
}

func (AmqpReceivedStamp) Kind() StampKind { return KindAmqpReceived }
func (AmqpReceivedStamp) stamp()          {}
