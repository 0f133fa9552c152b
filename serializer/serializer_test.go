package serializer

import (
	"testing"
	"time"

	"github.com/hendratommy/amqpbus/envelope"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderPlaced struct {
	OrderID string
	Amount  int
}

func redelivery(t *testing.T, count int, at time.Time) envelope.RedeliveryStamp {
	s, err := envelope.NewRedeliveryStamp(count, &at, count%2 == 0)
	require.NoError(t, err)
	return s
}

func TestEnvelopes_EncodeHeaders(t *testing.T) {
	s := NewJSON()

	encoded, err := s.Encode(envelope.New(OrderPlaced{OrderID: "o-1", Amount: 10}))
	require.NoError(t, err)

	assert.Equal(t, ContentTypeJSON, encoded.Headers[HeaderContentType])
	assert.Equal(t, "serializer.OrderPlaced", encoded.Headers[HeaderType])
	assert.JSONEq(t, `{"OrderID":"o-1","Amount":10}`, string(encoded.Body))
	assert.NotContains(t, encoded.Headers, HeaderStampDelay)
	assert.NotContains(t, encoded.Headers, HeaderStampRedelivery)
}

func TestEnvelopes_EncodeIsDeterministic(t *testing.T) {
	s := NewMsgPack()
	env := envelope.New(OrderPlaced{OrderID: "o-1"}, envelope.NewDelayStamp(50))

	first, err := s.Encode(env)
	require.NoError(t, err)
	second, err := s.Encode(env)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEnvelopes_RoundTripKeepsSendableStamps(t *testing.T) {
	at := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, s := range []*Envelopes{NewJSON(), NewMsgPack()} {
		s.Register(&OrderPlaced{})

		env := envelope.New(OrderPlaced{OrderID: "o-1", Amount: 10},
			envelope.NewDelayStamp(500),
			redelivery(t, 1, at),
			redelivery(t, 2, at.Add(time.Second)),
			envelope.NewAmqpStamp(envelope.PublishAttributes{RoutingKey: "rk"}),
			envelope.NewAmqpReceivedStamp("q1", envelope.AmqpEnvelope{Exchange: "ex1"}),
		)

		encoded, err := s.Encode(env)
		require.NoError(t, err)

		decoded, err := s.Decode(encoded)
		require.NoError(t, err)

		assert.Equal(t, OrderPlaced{OrderID: "o-1", Amount: 10}, decoded.Message())

		d, ok := envelope.LastDelayStamp(decoded)
		require.True(t, ok)
		assert.Equal(t, int64(500), d.Delay())

		assert.Len(t, decoded.All(envelope.KindRedelivery), 2)
		r, ok := envelope.LastRedeliveryStamp(decoded)
		require.True(t, ok)
		assert.Equal(t, 2, r.RetryCount())
		assert.True(t, r.RetryToOriginalExchange())
		assert.True(t, at.Add(time.Second).Equal(r.RedeliveredAt()))

		assert.Nil(t, decoded.Last(envelope.KindAmqp))
		assert.Nil(t, decoded.Last(envelope.KindAmqpReceived))
	}
}

func TestEnvelopes_DecodeErrors(t *testing.T) {
	s := NewJSON()

	_, err := s.Decode(Encoded{Body: []byte(`{}`)})
	assert.Equal(t, ErrMissingType, err)

	_, err = s.Decode(Encoded{Body: []byte(`{}`), Headers: map[string]string{HeaderType: "serializer.OrderPlaced"}})
	assert.True(t, errors.Is(err, ErrUnknownType))

	s.Register(OrderPlaced{})
	_, err = s.Decode(Encoded{Body: []byte(`not json`), Headers: map[string]string{HeaderType: "serializer.OrderPlaced"}})
	assert.Error(t, err)

	_, err = s.Decode(Encoded{Body: []byte(`{}`), Headers: map[string]string{
		HeaderType:            "serializer.OrderPlaced",
		HeaderStampRedelivery: `[{"retryCount":-1}]`,
	}})
	assert.True(t, errors.Is(err, envelope.ErrInvalidArgument))
}

func TestCompression_RoundTrip(t *testing.T) {
	inner := NewJSON()
	inner.Register(OrderPlaced{})

	c, err := Compressed(inner)
	require.NoError(t, err)
	defer c.Close()

	env := envelope.New(OrderPlaced{OrderID: "o-42", Amount: 7}, envelope.NewDelayStamp(10))
	encoded, err := c.Encode(env)
	require.NoError(t, err)

	assert.Equal(t, CompressionZstd, encoded.Headers[HeaderCompression])
	assert.Equal(t, ContentTypeJSON, encoded.Headers[HeaderContentType])

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, OrderPlaced{OrderID: "o-42", Amount: 7}, decoded.Message())

	plain, err := inner.Encode(env)
	require.NoError(t, err)
	decoded, err = c.Decode(plain)
	require.NoError(t, err)
	assert.Equal(t, OrderPlaced{OrderID: "o-42", Amount: 7}, decoded.Message())
}
