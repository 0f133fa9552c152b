package amqpbus

import (
	"context"
	"fmt"
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/hendratommy/amqpbus/serializer"
)

type ErrorHandler struct {
	// Broker-side retry, failed envelopes are published again with a RedeliveryStamp
	Retry *middleware.Retry
	// Retries go back through the original exchange instead of straight to the consumed queue
	RetryToOriginalExchange bool
	// Dead Letter Queue (aka. Poison Queue)
	// Function to generate dead letter exchange name, if it's nil then no dead letter will be configured.
	DeadLetterNameFunc func(queue string) string
}

// Application is a facade that dispatches envelopes through a Sender and handles the ones consumed
// from an Endpoint with a watermill router.
type Application struct {
	endpoint     Endpoint
	sender       *Sender
	receiver     *Receiver
	router       *message.Router
	logger       watermill.LoggerAdapter
	errorHandler *ErrorHandler
}

func failOnError(msg string, err error) {
	if err != nil {
		log.Fatalf("%s: %s", msg, err)
	}
}

// Create new instance of bus for given endpoint
// `endpoint`	Required.
// `serializer`	Optional. Default: serializer.NewJSON()
// `logger`		Optional. Default: watermill.StdLogger
func New(endpoint Endpoint, s serializer.Serializer, logger watermill.LoggerAdapter, opts ...SenderOption) *Application {
	// validate
	if endpoint == nil {
		log.Fatal("endpoint is required")
	}
	if s == nil {
		s = serializer.NewJSON()
	}
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	failOnError("failed to instantiate router", err)
	router.AddPlugin(plugin.SignalsHandler)

	opts = append([]SenderOption{WithLogger(logger)}, opts...)

	return &Application{
		endpoint: endpoint,
		sender:   NewSender(endpoint, s, opts...),
		receiver: NewReceiver(s),
		router:   router,
		logger:   logger,
	}
}

// Set ErrorHandler to use when a handler fails. Must be set before the handlers are registered.
func (app *Application) SetErrorHandler(eh *ErrorHandler) {
	app.errorHandler = eh
}

// Sender used to dispatch envelopes
func (app *Application) Sender() *Sender {
	return app.sender
}

// Start the watermill router
func (app *Application) Start(ctx context.Context) error {
	return app.router.Run(ctx)
}

// Close the router and the endpoint
func (app *Application) Close() error {
	var result error
	if err := app.router.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := app.endpoint.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Publish message in 'fire & forget' manner
func (app *Application) Dispatch(msg interface{}, stamps ...envelope.Stamp) (envelope.Envelope, error) {
	return app.sender.Send(envelope.New(msg, stamps...))
}

// Handle envelopes consumed from binding's queue
func (app *Application) OnMessage(binding Binding, handler HandlerFunc) error {
	publisher, err := app.endpoint.Publisher()
	if err != nil {
		return err
	}

	subscriber, err := app.endpoint.Subscriber(binding)
	if err != nil {
		return err
	}

	h, err := app.wrapHandler(binding, handler)
	if err != nil {
		return err
	}

	routeId := fmt.Sprintf("%s_%s", binding.Queue, RandString())

	internalHandler := app.router.AddHandler(
		routeId,
		binding.Queue,
		subscriber,
		"",
		publisher,
		func(msg *message.Message) ([]*message.Message, error) {
			// set handlerName to context
			msg.SetContext(context.WithValue(msg.Context(), ContextRouteId, routeId))

			env, err := app.receiver.Decode(binding.Queue, msg)
			if err != nil {
				// a message that can't be decoded will never be, don't requeue it
				app.logger.Error("Dropping undecodable message", err, watermill.LogFields{
					"queue":        binding.Queue,
					"message_uuid": msg.UUID,
				})
				return nil, nil
			}

			return nil, h(env)
		},
	)

	// recover panics so they are handled like errors
	internalHandler.AddMiddleware(middleware.Recoverer)
	return nil
}

func (app *Application) wrapHandler(binding Binding, handler HandlerFunc) (HandlerFunc, error) {
	eh := app.errorHandler
	if eh == nil || (eh.Retry == nil && eh.DeadLetterNameFunc == nil) {
		return handler, nil
	}

	policy := RedeliveryPolicy{
		RetryToOriginalExchange: eh.RetryToOriginalExchange,
		Logger:                  app.logger,
	}
	if eh.Retry != nil {
		policy.Retry = *eh.Retry
	}
	if eh.DeadLetterNameFunc != nil {
		policy.DeadLetterTopic = eh.DeadLetterNameFunc(binding.Queue)
	}

	redeliver, err := Redelivery(app.sender, policy)
	if err != nil {
		return nil, err
	}

	return redeliver(handler), nil
}
