package amqpbus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/streadway/amqp"
)

type publishAttributesKey struct{}

func withPublishAttributes(ctx context.Context, attributes envelope.PublishAttributes) context.Context {
	return context.WithValue(ctx, publishAttributesKey{}, attributes)
}

func publishAttributesFromCtx(ctx context.Context) envelope.PublishAttributes {
	attributes, _ := ctx.Value(publishAttributesKey{}).(envelope.PublishAttributes)
	return attributes
}

// publishingMarshaler maps watermill messages onto AMQP publishings using the publish attributes
// carried in the message context, and keeps the delivery properties as reserved metadata on the way back.
type publishingMarshaler struct {
	persistent bool
	appID      string
}

func (m publishingMarshaler) Marshal(msg *message.Message) (amqp.Publishing, error) {
	attributes := publishAttributesFromCtx(msg.Context())

	headers := make(amqp.Table, len(attributes.Headers)+len(msg.Metadata))
	for k, v := range attributes.Headers {
		headers[k] = v
	}
	for k, v := range msg.Metadata {
		if !isReservedMetadata(k) {
			headers[k] = v
		}
	}

	deliveryMode := attributes.DeliveryMode
	if deliveryMode == 0 {
		deliveryMode = amqp.Transient
		if m.persistent {
			deliveryMode = amqp.Persistent
		}
	}

	timestamp := attributes.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	messageID := attributes.MessageID
	if messageID == "" {
		messageID = msg.UUID
	}

	appID := attributes.AppID
	if appID == "" {
		appID = m.appID
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     attributes.ContentType,
		ContentEncoding: attributes.ContentEncoding,
		DeliveryMode:    deliveryMode,
		Priority:        attributes.Priority,
		CorrelationId:   attributes.CorrelationID,
		ReplyTo:         attributes.ReplyTo,
		Expiration:      attributes.Expiration,
		MessageId:       messageID,
		Timestamp:       timestamp,
		Type:            attributes.Type,
		UserId:          attributes.UserID,
		AppId:           appID,
		Body:            msg.Payload,
	}, nil
}

func (m publishingMarshaler) Unmarshal(d amqp.Delivery) (*message.Message, error) {
	id := d.MessageId
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, d.Body)
	for k, v := range d.Headers {
		if isDeathHeader(k) {
			continue
		}
		msg.Metadata.Set(k, headerString(v))
	}

	msg.Metadata.Set(MetadataExchange, d.Exchange)
	msg.Metadata.Set(MetadataRoutingKey, d.RoutingKey)
	msg.Metadata.Set(MetadataContentType, d.ContentType)
	msg.Metadata.Set(MetadataContentEncoding, d.ContentEncoding)
	msg.Metadata.Set(MetadataDeliveryMode, strconv.Itoa(int(d.DeliveryMode)))
	msg.Metadata.Set(MetadataPriority, strconv.Itoa(int(d.Priority)))
	msg.Metadata.Set(MetadataCorrelationID, d.CorrelationId)
	msg.Metadata.Set(MetadataReplyTo, d.ReplyTo)
	msg.Metadata.Set(MetadataExpiration, d.Expiration)
	msg.Metadata.Set(MetadataMessageID, d.MessageId)
	msg.Metadata.Set(MetadataType, d.Type)
	msg.Metadata.Set(MetadataUserID, d.UserId)
	msg.Metadata.Set(MetadataAppID, d.AppId)
	if !d.Timestamp.IsZero() {
		msg.Metadata.Set(MetadataTimestamp, d.Timestamp.UTC().Format(time.RFC3339Nano))
	}

	return msg, nil
}

func isReservedMetadata(key string) bool {
	return strings.HasPrefix(key, metadataPrefix)
}

// Headers maintained by RabbitMQ when dead-lettering, they can't be republished as strings.
func isDeathHeader(key string) bool {
	return key == "x-death" || strings.HasPrefix(key, "x-first-death-") || strings.HasPrefix(key, "x-last-death-")
}

func headerString(v interface{}) string {
	switch h := v.(type) {
	case string:
		return h
	case []byte:
		return string(h)
	default:
		return fmt.Sprint(h)
	}
}

// amqpEnvelopeFromMetadata rebuilds the delivery snapshot from the reserved metadata written by Unmarshal.
func amqpEnvelopeFromMetadata(metadata message.Metadata) envelope.AmqpEnvelope {
	headers := make(map[string]interface{})
	for k, v := range metadata {
		if !isReservedMetadata(k) {
			headers[k] = v
		}
	}

	e := envelope.AmqpEnvelope{
		Exchange:        metadata.Get(MetadataExchange),
		RoutingKey:      metadata.Get(MetadataRoutingKey),
		Headers:         headers,
		ContentType:     metadata.Get(MetadataContentType),
		ContentEncoding: metadata.Get(MetadataContentEncoding),
		DeliveryMode:    parseUint8(metadata.Get(MetadataDeliveryMode)),
		Priority:        parseUint8(metadata.Get(MetadataPriority)),
		CorrelationID:   metadata.Get(MetadataCorrelationID),
		ReplyTo:         metadata.Get(MetadataReplyTo),
		Expiration:      metadata.Get(MetadataExpiration),
		MessageID:       metadata.Get(MetadataMessageID),
		Type:            metadata.Get(MetadataType),
		UserID:          metadata.Get(MetadataUserID),
		AppID:           metadata.Get(MetadataAppID),
	}

	if ts := metadata.Get(MetadataTimestamp); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}

	return e
}

func parseUint8(s string) uint8 {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}
