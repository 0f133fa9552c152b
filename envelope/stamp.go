package envelope

import (
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidArgument occurs when a stamp is constructed from malformed values.
var ErrInvalidArgument = errors.New("invalid argument")

// StampKind identifies one of the stamp variants an Envelope can carry.
type StampKind int

const (
	KindDelay StampKind = iota + 1
	KindAmqp
	KindAmqpReceived
	KindRedelivery
)

func (k StampKind) String() string {
	switch k {
	case KindDelay:
		return "Delay"
	case KindAmqp:
		return "Amqp"
	case KindAmqpReceived:
		return "AmqpReceived"
	case KindRedelivery:
		return "Redelivery"
	default:
		return "Unknown"
	}
}

// Stamp is a piece of immutable metadata attached to an Envelope.
// The set of stamps is closed: only the types in this package implement it.
type Stamp interface {
	Kind() StampKind
	stamp()
}

// DelayStamp asks the broker to hold the message back for the given amount of milliseconds.
type DelayStamp struct {
	delay int64
}

func NewDelayStamp(delayMilliseconds int64) DelayStamp {
	return DelayStamp{delay: delayMilliseconds}
}

// Delay in milliseconds
func (s DelayStamp) Delay() int64 {
	return s.delay
}

func (DelayStamp) Kind() StampKind { return KindDelay }
func (DelayStamp) stamp()          {}

// RedeliveryStamp is attached when a message is published again after a failed handling attempt.
type RedeliveryStamp struct {
	retryCount              int
	redeliveredAt           time.Time
	retryToOriginalExchange bool
}

// NewRedeliveryStamp creates a RedeliveryStamp. When redeliveredAt is nil the current time is used.
func NewRedeliveryStamp(retryCount int, redeliveredAt *time.Time, retryToOriginalExchange bool) (RedeliveryStamp, error) {
	if retryCount < 0 {
		return RedeliveryStamp{}, errors.Wrapf(ErrInvalidArgument, "retry count must not be negative, got %d", retryCount)
	}

	at := time.Now()
	if redeliveredAt != nil {
		at = *redeliveredAt
	}

	return RedeliveryStamp{
		retryCount:              retryCount,
		redeliveredAt:           at,
		retryToOriginalExchange: retryToOriginalExchange,
	}, nil
}

func (s RedeliveryStamp) RetryCount() int {
	return s.retryCount
}

func (s RedeliveryStamp) RedeliveredAt() time.Time {
	return s.redeliveredAt
}

// RetryToOriginalExchange reports whether the retry goes back through the exchange the message was
// first published to, instead of straight into the queue it was consumed from.
func (s RedeliveryStamp) RetryToOriginalExchange() bool {
	return s.retryToOriginalExchange
}

func (RedeliveryStamp) Kind() StampKind { return KindRedelivery }
func (RedeliveryStamp) stamp()          {}

// RetryCount returns the retry count of the last RedeliveryStamp on env, or 0 when there is none.
func RetryCount(env Envelope) int {
	s, ok := LastRedeliveryStamp(env)
	if !ok {
		return 0
	}

	return s.RetryCount()
}

func LastDelayStamp(env Envelope) (DelayStamp, bool) {
	s, ok := env.Last(KindDelay).(DelayStamp)
	return s, ok
}

func LastRedeliveryStamp(env Envelope) (RedeliveryStamp, bool) {
	s, ok := env.Last(KindRedelivery).(RedeliveryStamp)
	return s, ok
}

func LastAmqpStamp(env Envelope) (AmqpStamp, bool) {
	s, ok := env.Last(KindAmqp).(AmqpStamp)
	return s, ok
}

func LastAmqpReceivedStamp(env Envelope) (AmqpReceivedStamp, bool) {
	s, ok := env.Last(KindAmqpReceived).(AmqpReceivedStamp)
	return s, ok
}
