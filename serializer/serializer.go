package serializer

import (
	"reflect"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/pkg/errors"
)

// Header keys written by the envelope serializer.
const (
	HeaderType        = "type"
	HeaderContentType = "Content-Type"

	HeaderStampDelay      = "X-Message-Stamp-Delay"
	HeaderStampRedelivery = "X-Message-Stamp-Redelivery"

	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/x-msgpack"
)

var (
	// ErrMissingType occurs when an encoded message has no type header to decode it with.
	ErrMissingType = errors.New("encoded message has no type header")
	// ErrUnknownType occurs when the type header names a message that was never registered.
	ErrUnknownType = errors.New("message type is not registered")
)

// Encoded is the wire form of an envelope: a body and the headers that travel with it.
type Encoded struct {
	Body    []byte
	Headers map[string]string
}

// Serializer encodes envelopes for the broker and decodes them back.
type Serializer interface {
	Encode(env envelope.Envelope) (Encoded, error)
	Decode(encoded Encoded) (envelope.Envelope, error)
}

// Envelopes serializes the envelope's message with a Marshaler and its sendable stamps as headers.
// Amqp and AmqpReceived stamps describe a single broker hop and are never encoded.
type Envelopes struct {
	marshaler   Marshaler
	contentType string

	mu    sync.RWMutex
	types map[string]reflect.Type
}

func New(marshaler Marshaler, contentType string) *Envelopes {
	return &Envelopes{
		marshaler:   marshaler,
		contentType: contentType,
		types:       make(map[string]reflect.Type),
	}
}

func NewJSON() *Envelopes {
	return New(JsonMarshaler{}, ContentTypeJSON)
}

func NewMsgPack() *Envelopes {
	return New(MsgPackMarshaler{}, ContentTypeMsgPack)
}

// Register makes the type of v decodable. Messages are always decoded into values, never pointers.
func (s *Envelopes) Register(v ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range v {
		t := reflect.TypeOf(m)
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		s.types[cqrs.FullyQualifiedStructName(m)] = t
	}
}

func (s *Envelopes) Encode(env envelope.Envelope) (Encoded, error) {
	body, err := s.marshaler.Marshal(env.Message())
	if err != nil {
		return Encoded{}, errors.Wrap(err, "cannot marshal message")
	}

	headers := map[string]string{
		HeaderType: cqrs.FullyQualifiedStructName(env.Message()),
	}
	if s.contentType != "" {
		headers[HeaderContentType] = s.contentType
	}

	if err := encodeStamps(env, headers); err != nil {
		return Encoded{}, err
	}

	return Encoded{Body: body, Headers: headers}, nil
}

func (s *Envelopes) Decode(encoded Encoded) (envelope.Envelope, error) {
	name, ok := encoded.Headers[HeaderType]
	if !ok || name == "" {
		return envelope.Envelope{}, ErrMissingType
	}

	s.mu.RLock()
	t, ok := s.types[name]
	s.mu.RUnlock()
	if !ok {
		return envelope.Envelope{}, errors.Wrapf(ErrUnknownType, "type %s", name)
	}

	ptr := reflect.New(t)
	if err := s.marshaler.Unmarshal(encoded.Body, ptr.Interface()); err != nil {
		return envelope.Envelope{}, errors.Wrapf(err, "cannot unmarshal message of type %s", name)
	}

	stamps, err := decodeStamps(encoded.Headers)
	if err != nil {
		return envelope.Envelope{}, err
	}

	return envelope.New(ptr.Elem().Interface(), stamps...), nil
}

type delayHeader struct {
	Delay int64 `json:"delay"`
}

type redeliveryHeader struct {
	RetryCount              int       `json:"retryCount"`
	RedeliveredAt           time.Time `json:"redeliveredAt"`
	RetryToOriginalExchange bool      `json:"retryToOriginalExchange"`
}

func encodeStamps(env envelope.Envelope, headers map[string]string) error {
	var delays []delayHeader
	for _, st := range env.All(envelope.KindDelay) {
		delays = append(delays, delayHeader{Delay: st.(envelope.DelayStamp).Delay()})
	}
	if len(delays) > 0 {
		b, err := json.Marshal(delays)
		if err != nil {
			return errors.Wrap(err, "cannot encode delay stamps")
		}
		headers[HeaderStampDelay] = string(b)
	}

	var redeliveries []redeliveryHeader
	for _, st := range env.All(envelope.KindRedelivery) {
		r := st.(envelope.RedeliveryStamp)
		redeliveries = append(redeliveries, redeliveryHeader{
			RetryCount:              r.RetryCount(),
			RedeliveredAt:           r.RedeliveredAt(),
			RetryToOriginalExchange: r.RetryToOriginalExchange(),
		})
	}
	if len(redeliveries) > 0 {
		b, err := json.Marshal(redeliveries)
		if err != nil {
			return errors.Wrap(err, "cannot encode redelivery stamps")
		}
		headers[HeaderStampRedelivery] = string(b)
	}

	return nil
}

func decodeStamps(headers map[string]string) ([]envelope.Stamp, error) {
	var stamps []envelope.Stamp

	if raw, ok := headers[HeaderStampDelay]; ok {
		var delays []delayHeader
		if err := json.Unmarshal([]byte(raw), &delays); err != nil {
			return nil, errors.Wrap(err, "cannot decode delay stamps")
		}
		for _, d := range delays {
			stamps = append(stamps, envelope.NewDelayStamp(d.Delay))
		}
	}

	if raw, ok := headers[HeaderStampRedelivery]; ok {
		var redeliveries []redeliveryHeader
		if err := json.Unmarshal([]byte(raw), &redeliveries); err != nil {
			return nil, errors.Wrap(err, "cannot decode redelivery stamps")
		}
		for _, r := range redeliveries {
			at := r.RedeliveredAt
			st, err := envelope.NewRedeliveryStamp(r.RetryCount, &at, r.RetryToOriginalExchange)
			if err != nil {
				return nil, err
			}
			stamps = append(stamps, st)
		}
	}

	return stamps, nil
}
