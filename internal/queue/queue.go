package queue

import (
	"context"
	"time"
)

type Queue interface {
	Publish(ctx context.Context, subject Subject, data []byte) error
	Consumer(subject Subject, durable string) (Consumer, error)
	Shutdown()
}

// Consumer is one durable pull consumer. Delivery is at-least-once; unacked
// messages are redelivered after the visibility timeout.
type Consumer interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Msg, error)
}

type Msg interface {
	Data() []byte
	// Ctx carries the trace context restored from the message headers.
	Ctx() context.Context
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	// Term drops the message permanently: the dead-letter path.
	Term() error
	NumDelivered() (uint64, error)
}

type Subject string

const (
	JobStream              = "AGENTS"
	JobSubmitted   Subject = "agents.job.submitted"
	WorkerConsumer         = "roost-worker"
)
