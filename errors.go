package amqpbus

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidDeadLetterTopic occurs when the topic supplied to the Redelivery constructor is invalid.
	ErrInvalidDeadLetterTopic = errors.New("invalid dead letter topic")
	// ErrConnectionClosed occurs when publishing on a closed AMQPConnection.
	ErrConnectionClosed = errors.New("amqp connection is closed")
)

// TransportError wraps any failure of the broker while publishing a message.
type TransportError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cannot publish to exchange %q with routing key %q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Cause keeps TransportError compatible with errors.Cause.
func (e *TransportError) Cause() error {
	return e.Err
}
