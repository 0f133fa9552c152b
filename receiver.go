package amqpbus

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/hendratommy/amqpbus/serializer"
	"github.com/pkg/errors"
)

// Receiver turns messages consumed from a queue back into envelopes stamped with where they came from.
type Receiver struct {
	serializer serializer.Serializer
}

func NewReceiver(s serializer.Serializer) *Receiver {
	if s == nil {
		s = serializer.NewJSON()
	}
	return &Receiver{serializer: s}
}

// Decode decodes msg, consumed from queue, and attaches an AmqpReceivedStamp to the result.
func (r *Receiver) Decode(queue string, msg *message.Message) (envelope.Envelope, error) {
	headers := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if !isReservedMetadata(k) {
			headers[k] = v
		}
	}

	env, err := r.serializer.Decode(serializer.Encoded{Body: msg.Payload, Headers: headers})
	if err != nil {
		return envelope.Envelope{}, errors.Wrapf(err, "cannot decode message %s from queue %s", msg.UUID, queue)
	}

	return env.With(envelope.NewAmqpReceivedStamp(queue, amqpEnvelopeFromMetadata(msg.Metadata))), nil
}
