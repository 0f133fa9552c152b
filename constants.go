package amqpbus

const (
	// Header/Metadata keys which marks the reason and context why the message was dead-lettered.
	HeaderDeadLetterReason      = "DeadLetterReason"
	HeaderDeadLetterStackTrace  = "DeadLetterStackTrace"
	HeaderDeadLetterSourceQueue = "DeadLetterSourceQueue"
	HeaderDeadLetterRetryCount  = "DeadLetterRetryCount"

	// Header/Metadata for AMQP-RabbitMQ
	HeaderContentType       = "Content-Type"
	ArgMessageTTL           = "x-message-ttl"
	ArgExpires              = "x-expires"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	DefaultExchange         = ""

	delayQueueExpiryPaddingMs = 10000

	// Reserved metadata keys carrying the delivery a watermill message was unmarshaled from.
	metadataPrefix          = "_amqpbus."
	MetadataExchange        = metadataPrefix + "exchange"
	MetadataRoutingKey      = metadataPrefix + "routing_key"
	MetadataContentType     = metadataPrefix + "content_type"
	MetadataContentEncoding = metadataPrefix + "content_encoding"
	MetadataDeliveryMode    = metadataPrefix + "delivery_mode"
	MetadataPriority        = metadataPrefix + "priority"
	MetadataCorrelationID   = metadataPrefix + "correlation_id"
	MetadataReplyTo         = metadataPrefix + "reply_to"
	MetadataExpiration      = metadataPrefix + "expiration"
	MetadataMessageID       = metadataPrefix + "message_id"
	MetadataTimestamp       = metadataPrefix + "timestamp"
	MetadataType            = metadataPrefix + "type"
	MetadataUserID          = metadataPrefix + "user_id"
	MetadataAppID           = metadataPrefix + "app_id"

	// Custom Context Keys
	ContextRouteId = "AmqpBusRouteId"
)
