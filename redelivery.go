/**
The structure of this middleware follows `github.com/ThreeDotsLabs/watermill/message/router/middleware/poison.go`.
Instead of republishing watermill messages on a poison topic, failed envelopes are sent back to the broker
with a RedeliveryStamp and dead-lettered once the retries are exhausted.
All credit for the original belongs to `ThreeDotsLabs`.
**/

package amqpbus

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/pkg/errors"
)

// ErrInvalidRedeliveryPolicy occurs when the policy supplied to the Redelivery constructor is invalid.
var ErrInvalidRedeliveryPolicy = errors.New("invalid redelivery policy")

// HandlerFunc handles a received envelope.
type HandlerFunc func(env envelope.Envelope) error

// HandlerMiddleware wraps a HandlerFunc.
type HandlerMiddleware func(h HandlerFunc) HandlerFunc

type RedeliveryPolicy struct {
	// MaxRetries, InitialInterval, Multiplier and MaxInterval drive the broker-side retries.
	// Other fields are ignored.
	Retry middleware.Retry
	// Send retries through the exchange they were first published to instead of straight to their queue.
	RetryToOriginalExchange bool
	// Optional. Exchange receiving envelopes that ran out of retries. When empty the handler error is
	// returned once retries are exhausted.
	DeadLetterTopic string
	// Optional. Decides which errors are retried at all, the others go straight to DeadLetterTopic.
	ShouldRetry func(err error) bool
	// Optional. Default: watermill.NopLogger
	Logger watermill.LoggerAdapter
}

type redelivery struct {
	sender *Sender
	policy RedeliveryPolicy
	logger watermill.LoggerAdapter
}

// Redelivery provides a middleware that sends failed envelopes back to the broker to be handled again later.
// The main middleware chain then continues on, business as usual.
func Redelivery(sender *Sender, policy RedeliveryPolicy) (HandlerMiddleware, error) {
	if sender == nil {
		return nil, errors.Wrap(ErrInvalidRedeliveryPolicy, "sender is required")
	}
	if policy.Retry.MaxRetries < 0 {
		return nil, errors.Wrapf(ErrInvalidRedeliveryPolicy, "max retries must not be negative, got %d", policy.Retry.MaxRetries)
	}
	if policy.Retry.InitialInterval < 0 || policy.Retry.MaxInterval < 0 {
		return nil, errors.Wrap(ErrInvalidRedeliveryPolicy, "retry intervals must not be negative")
	}
	if strings.Contains(policy.DeadLetterTopic, topicSeparator) {
		return nil, errors.Wrapf(ErrInvalidDeadLetterTopic, "%q contains %q", policy.DeadLetterTopic, topicSeparator)
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = func(err error) bool {
			return true
		}
	}

	logger := policy.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	r := redelivery{sender: sender, policy: policy, logger: logger}
	return r.Middleware, nil
}

func (r redelivery) Middleware(h HandlerFunc) HandlerFunc {
	return func(env envelope.Envelope) (err error) {
		defer func() {
			if err == nil {
				return
			}

			// handler didn't cope with the envelope; hand it back to the broker and carry on as usual
			if handleErr := r.handleFailure(env, err); handleErr != nil {
				err = multierror.Append(err, handleErr)
				return
			}

			err = nil
		}()

		// if h fails, the deferred function will salvage all that it can
		return h(env)
	}
}

func (r redelivery) handleFailure(env envelope.Envelope, cause error) error {
	retries := envelope.RetryCount(env)

	if r.policy.ShouldRetry(cause) && retries < r.policy.Retry.MaxRetries {
		return r.redeliver(env, retries, cause)
	}

	if r.policy.DeadLetterTopic == "" {
		return errors.Errorf("giving up after %d retries", retries)
	}

	return r.deadLetter(env, retries, cause)
}

func (r redelivery) redeliver(env envelope.Envelope, retries int, cause error) error {
	stamp, err := envelope.NewRedeliveryStamp(retries+1, nil, r.policy.RetryToOriginalExchange)
	if err != nil {
		return err
	}

	delay := r.waitingTime(retries)
	if _, err := r.sender.Send(env.With(stamp, envelope.NewDelayStamp(delay.Milliseconds()))); err != nil {
		r.logger.Error("Cannot redeliver message", err, watermill.LogFields{"retry_count": retries + 1})
		return errors.Wrap(err, "cannot redeliver message")
	}

	r.logger.Info("Message scheduled for redelivery", watermill.LogFields{
		"retry_count": retries + 1,
		"delay":       delay,
		"reason":      cause.Error(),
	})
	return nil
}

// waitingTime grows InitialInterval by Multiplier for every past retry, capped at MaxInterval.
func (r redelivery) waitingTime(retries int) time.Duration {
	multiplier := r.policy.Retry.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	wait := float64(r.policy.Retry.InitialInterval) * math.Pow(multiplier, float64(retries))
	if limit := r.policy.Retry.MaxInterval; limit > 0 && wait > float64(limit) {
		return limit
	}
	// float64(math.MaxInt64) rounds up to 2^63, which doesn't fit a Duration
	if wait >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(wait)
}

func (r redelivery) deadLetter(env envelope.Envelope, retries int, cause error) error {
	headers := map[string]interface{}{
		HeaderDeadLetterReason:     cause.Error(),
		HeaderDeadLetterStackTrace: fmt.Sprintf("%+v", cause),
		HeaderDeadLetterRetryCount: int32(retries),
	}

	var sourceQueue string
	if received, ok := envelope.LastAmqpReceivedStamp(env); ok {
		sourceQueue = received.QueueName()
		headers[HeaderDeadLetterSourceQueue] = sourceQueue
	}

	dead := env.
		WithoutAll(envelope.KindRedelivery).
		WithoutAll(envelope.KindAmqpReceived).
		WithoutAll(envelope.KindDelay).
		WithoutAll(envelope.KindAmqp).
		With(envelope.NewAmqpStamp(envelope.PublishAttributes{
			Exchange:   r.policy.DeadLetterTopic,
			RoutingKey: sourceQueue,
			Headers:    headers,
		}))

	// don't intercept error from publish. Can't help you if the broker is down as well.
	if _, err := r.sender.Send(dead); err != nil {
		return errors.Wrap(err, "cannot publish message to dead letter topic")
	}

	r.logger.Info("Message sent to dead letter topic", watermill.LogFields{
		"topic":       r.policy.DeadLetterTopic,
		"retry_count": retries,
		"reason":      cause.Error(),
	})
	return nil
}
