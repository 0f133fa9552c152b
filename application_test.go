package amqpbus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/hendratommy/amqpbus/serializer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ApplicationTestSuite struct {
	suite.Suite
	amqpUri string
}

func (suite *ApplicationTestSuite) SetupTest() {
	suite.amqpUri = os.Getenv("AMQP_URI")
	if suite.amqpUri == "" {
		suite.T().Skip("AMQP_URI is not set")
	}
}

func TestApplicationTestSuite(t *testing.T) {
	suite.Run(t, new(ApplicationTestSuite))
}

func sumIt(n int) int {
	sum := 0
	for i := 1; i <= n; i++ {
		sum += i
	}
	return sum
}

func (suite *ApplicationTestSuite) newApplication(exchange string) *Application {
	logger := watermill.NopLogger{}

	config := NewConfig(suite.amqpUri)
	config.Exchange.Name = exchange
	config.Exchange.Type = "direct"

	conn, err := NewAMQPConnection(config, logger)
	require.NoError(suite.T(), err)

	s := serializer.NewJSON()
	s.Register(RequestData{})

	return New(conn, s, logger)
}

func (suite *ApplicationTestSuite) TestApplication_Dispatch() {
	exchange := "TestApplication_Dispatch"
	binding := Binding{Exchange: exchange, Queue: exchange + "_Received", RoutingKey: "request"}

	app := suite.newApplication(exchange)
	defer app.Close()

	var wg sync.WaitGroup
	var mux sync.Mutex
	var sum int

	err := app.OnMessage(binding, func(env envelope.Envelope) error {
		defer wg.Done()

		data := env.Message().(RequestData)
		assert.Equal(suite.T(), "john doe", data.Name)

		received, ok := envelope.LastAmqpReceivedStamp(env)
		assert.True(suite.T(), ok)
		assert.Equal(suite.T(), binding.Queue, received.QueueName())
		assert.Equal(suite.T(), exchange, received.OriginalExchangeName())

		mux.Lock()
		sum += data.Val
		mux.Unlock()
		return nil
	})
	require.NoError(suite.T(), err)

	go app.Start(context.Background())
	<-app.router.Running()

	n := 25
	for i := 1; i <= n; i++ {
		wg.Add(1)
		stamp := envelope.NewAmqpStamp(envelope.PublishAttributes{RoutingKey: "request"})
		if i%2 == 0 {
			_, err = app.Dispatch(RequestData{Name: "john doe", Val: i}, stamp, envelope.NewDelayStamp(100))
		} else {
			_, err = app.Dispatch(RequestData{Name: "john doe", Val: i}, stamp)
		}
		require.NoError(suite.T(), err)
	}

	wg.Wait()

	assert.Equal(suite.T(), sumIt(n), sum)
}

func (suite *ApplicationTestSuite) TestApplication_RetryThenDeadLetter() {
	exchange := "TestApplication_RetryThenDeadLetter"
	binding := Binding{Exchange: exchange, Queue: exchange + "_Received", RoutingKey: "request"}
	deadLetter := Binding{Exchange: exchange + "-DLQ", Queue: binding.Queue + "-DLQ", RoutingKey: binding.Queue}

	app := suite.newApplication(exchange)
	defer app.Close()

	app.SetErrorHandler(&ErrorHandler{
		Retry: &middleware.Retry{
			MaxRetries:      2,
			InitialInterval: time.Millisecond * 100,
			MaxInterval:     time.Second,
		},
		DeadLetterNameFunc: func(queue string) string {
			return exchange + "-DLQ"
		},
	})

	var mux sync.Mutex
	attempts := map[int]int{}
	done := make(chan envelope.Envelope, 1)

	err := app.OnMessage(binding, func(env envelope.Envelope) error {
		mux.Lock()
		attempts[envelope.RetryCount(env)]++
		mux.Unlock()
		return errors.New("test-DLQ")
	})
	require.NoError(suite.T(), err)

	err = app.OnMessage(deadLetter, func(env envelope.Envelope) error {
		done <- env
		return nil
	})
	require.NoError(suite.T(), err)

	go app.Start(context.Background())
	<-app.router.Running()

	_, err = app.Dispatch(RequestData{Name: "john doe", Val: 1}, envelope.NewAmqpStamp(envelope.PublishAttributes{RoutingKey: "request"}))
	require.NoError(suite.T(), err)

	select {
	case env := <-done:
		assert.Equal(suite.T(), RequestData{Name: "john doe", Val: 1}, env.Message())

		received, ok := envelope.LastAmqpReceivedStamp(env)
		require.True(suite.T(), ok)
		headers := received.AmqpEnvelope().Headers
		assert.Equal(suite.T(), "test-DLQ", headers[HeaderDeadLetterReason])
		assert.Equal(suite.T(), binding.Queue, headers[HeaderDeadLetterSourceQueue])
	case <-time.After(10 * time.Second):
		suite.T().Fatal("message was not dead-lettered")
	}

	mux.Lock()
	defer mux.Unlock()
	assert.Equal(suite.T(), map[int]int{0: 1, 1: 1, 2: 1}, attempts)
}
