package amqpbus

import (
	"math/rand"
	"sync"
	"time"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	randMu sync.Mutex
	random = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandString returns a random string of letters, 8 long unless the lengths given add up to more than 0.
func RandString(n ...int) string {
	sum := 8
	if len(n) > 0 {
		sum = 0
		for _, num := range n {
			sum += num
		}
	}
	if sum <= 0 {
		sum = 8
	}

	randMu.Lock()
	defer randMu.Unlock()

	b := make([]byte, sum)
	for i := range b {
		b[i] = letterBytes[random.Intn(len(letterBytes))]
	}
	return string(b)
}
