package amqpbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishingMarshaler_Marshal(t *testing.T) {
	ts := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	m := publishingMarshaler{persistent: true, appID: "amqpbus"}

	msg := message.NewMessage("uuid-1", []byte(`{"Name":"john doe"}`))
	msg.Metadata.Set("type", "amqpbus.RequestData")
	msg.Metadata.Set("x-tenant", "from-serializer")
	msg.Metadata.Set(MetadataExchange, "ignored")
	msg.SetContext(withPublishAttributes(context.Background(), envelope.PublishAttributes{
		ContentType:   "application/json",
		Headers:       map[string]interface{}{"x-tenant": "acme", "x-attempt": int32(2)},
		Priority:      5,
		CorrelationID: "corr-1",
		MessageID:     "msg-1",
		Timestamp:     ts,
		AppID:         "billing",
	}))

	publishing, err := m.Marshal(msg)
	require.NoError(t, err)

	assert.Equal(t, []byte(`{"Name":"john doe"}`), publishing.Body)
	assert.Equal(t, "application/json", publishing.ContentType)
	assert.Equal(t, amqp.Persistent, publishing.DeliveryMode)
	assert.Equal(t, uint8(5), publishing.Priority)
	assert.Equal(t, "corr-1", publishing.CorrelationId)
	assert.Equal(t, "msg-1", publishing.MessageId)
	assert.Equal(t, ts, publishing.Timestamp)
	assert.Equal(t, "billing", publishing.AppId)

	// serializer headers win over the ones carried by the attributes
	assert.Equal(t, "from-serializer", publishing.Headers["x-tenant"])
	assert.Equal(t, int32(2), publishing.Headers["x-attempt"])
	assert.Equal(t, "amqpbus.RequestData", publishing.Headers["type"])
	assert.NotContains(t, publishing.Headers, MetadataExchange)
}

func TestPublishingMarshaler_MarshalDefaults(t *testing.T) {
	m := publishingMarshaler{appID: "amqpbus"}
	msg := message.NewMessage("uuid-1", []byte("{}"))

	publishing, err := m.Marshal(msg)
	require.NoError(t, err)

	assert.Equal(t, amqp.Transient, publishing.DeliveryMode)
	assert.Equal(t, "uuid-1", publishing.MessageId)
	assert.Equal(t, "amqpbus", publishing.AppId)
	assert.False(t, publishing.Timestamp.IsZero())
	assert.Empty(t, publishing.Headers)
}

func TestPublishingMarshaler_Unmarshal(t *testing.T) {
	ts := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	m := publishingMarshaler{}

	msg, err := m.Unmarshal(amqp.Delivery{
		Exchange:      "ex1",
		RoutingKey:    "rk1",
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      3,
		CorrelationId: "corr-1",
		MessageId:     "msg-1",
		Timestamp:     ts,
		Headers:       amqp.Table{"type": "amqpbus.RequestData", "x-attempt": int32(2), "raw": []byte("bytes"), "x-death": []interface{}{amqp.Table{"count": int64(1)}}},
		Body:          []byte("{}"),
	})
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.UUID)
	assert.Equal(t, []byte("{}"), []byte(msg.Payload))
	assert.Equal(t, "amqpbus.RequestData", msg.Metadata.Get("type"))
	assert.Equal(t, "2", msg.Metadata.Get("x-attempt"))
	assert.Equal(t, "bytes", msg.Metadata.Get("raw"))
	assert.NotContains(t, msg.Metadata, "x-death")

	e := amqpEnvelopeFromMetadata(msg.Metadata)
	assert.Equal(t, "ex1", e.Exchange)
	assert.Equal(t, "rk1", e.RoutingKey)
	assert.Equal(t, "application/json", e.ContentType)
	assert.Equal(t, amqp.Persistent, e.DeliveryMode)
	assert.Equal(t, uint8(3), e.Priority)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "msg-1", e.MessageID)
	assert.True(t, ts.Equal(e.Timestamp))
	assert.Equal(t, map[string]interface{}{
		"type":      "amqpbus.RequestData",
		"x-attempt": "2",
		"raw":       "bytes",
	}, e.Headers)
}

func TestPublishingMarshaler_UnmarshalWithoutMessageID(t *testing.T) {
	msg, err := publishingMarshaler{}.Unmarshal(amqp.Delivery{Body: []byte("{}")})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "", msg.Metadata.Get(MetadataTimestamp))
	assert.True(t, amqpEnvelopeFromMetadata(msg.Metadata).Timestamp.IsZero())
}

func TestParseUint8(t *testing.T) {
	assert.Equal(t, uint8(2), parseUint8("2"))
	assert.Equal(t, uint8(0), parseUint8(""))
	assert.Equal(t, uint8(0), parseUint8("256"))
}
