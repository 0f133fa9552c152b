package amqpbus

const (
	DefaultExchangeName          = "messages"
	DefaultExchangeType          = "fanout"
	DefaultDelayExchangeName     = "delays"
	DefaultDelayQueueNamePattern = "delay_%exchange_name%_%routing_key%_%delay%"
)

type ExchangeConfig struct {
	// Exchange used when the publish attributes don't name one.
	Name string
	// Type used to declare exchanges before publishing to them.
	Type string
	// Routing key used when the publish attributes don't carry one.
	DefaultRoutingKey string
}

type DelayConfig struct {
	ExchangeName string
	// `%exchange_name%`, `%routing_key%` and `%delay%` are replaced to build the name of each delay queue.
	QueueNamePattern string
}

type Config struct {
	AmqpURI  string
	Exchange ExchangeConfig
	Delay    DelayConfig

	// Publish with persistent delivery mode unless the attributes say otherwise.
	Persistent bool
	// AppID is set on published messages that don't carry one.
	AppID string
}

// NewConfig returns a Config with the defaults filled in for the given AMQP connection string.
func NewConfig(amqpURI string) Config {
	return Config{
		AmqpURI: amqpURI,
		Exchange: ExchangeConfig{
			Name: DefaultExchangeName,
			Type: DefaultExchangeType,
		},
		Delay: DelayConfig{
			ExchangeName:     DefaultDelayExchangeName,
			QueueNamePattern: DefaultDelayQueueNamePattern,
		},
		Persistent: true,
	}
}

func (c Config) withDefaults() Config {
	if c.Exchange.Name == "" {
		c.Exchange.Name = DefaultExchangeName
	}
	if c.Exchange.Type == "" {
		c.Exchange.Type = DefaultExchangeType
	}
	if c.Delay.ExchangeName == "" {
		c.Delay.ExchangeName = DefaultDelayExchangeName
	}
	if c.Delay.QueueNamePattern == "" {
		c.Delay.QueueNamePattern = DefaultDelayQueueNamePattern
	}
	return c
}
