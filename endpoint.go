package amqpbus

import "github.com/ThreeDotsLabs/watermill/message"

// Binding names the queue a handler consumes from and how it is bound to an exchange.
// An empty Exchange consumes the queue without binding it.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

type Endpoint interface {
	Connection
	// Publisher for this endpoint
	Publisher() (message.Publisher, error)
	// Return new Subscriber for specified binding, the subscribed topic is the queue name
	Subscriber(binding Binding) (message.Subscriber, error)
	Close() error
}
