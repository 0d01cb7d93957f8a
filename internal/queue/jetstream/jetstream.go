package jetstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/perchlabs/roost/internal/config"
	"github.com/perchlabs/roost/internal/queue"
)

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	config     config.NatsConfig
}

func NewJetStreamClient(cfg config.NatsConfig) (queue.Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),            // infinite retries
		nats.ReconnectWait(2*time.Second), // backoff
		nats.Name("roost"),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     queue.JobStream,
		Subjects: []string{"agents.>"},
	})

	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, err
	}

	_, err = js.AddConsumer(queue.JobStream, &nats.ConsumerConfig{
		Durable:    queue.WorkerConsumer,
		AckPolicy:  nats.AckExplicitPolicy,
		AckWait:    time.Duration(cfg.VISIBILITY_SECONDS) * time.Second,
		MaxDeliver: cfg.MAX_DELIVER,
		BackOff: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
		},
		DeliverPolicy: nats.DeliverNewPolicy,
	})

	if err != nil && !strings.Contains(err.Error(), "consumer name already in use") {
		return nil, err
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
		config:     cfg,
	}, nil
}

func (c *JetStreamClient) Publish(ctx context.Context, subject queue.Subject, data []byte) error {
	msg := nats.NewMsg(string(subject))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	_, err := c.context.PublishMsg(msg)
	return err
}

func (c *JetStreamClient) Consumer(subject queue.Subject, durable string) (queue.Consumer, error) {
	sub, err := c.context.PullSubscribe(string(subject), durable, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}
	return &jetStreamConsumer{subscription: sub}, nil
}

func (c *JetStreamClient) Shutdown() {
	c.connection.Drain() // flush + stop new messages
	c.connection.Close()
}

type jetStreamConsumer struct {
	subscription *nats.Subscription
}

func (c *jetStreamConsumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]queue.Msg, error) {
	msgs, err := c.subscription.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]queue.Msg, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, &jetStreamMsg{msg: msg, ctx: extractCtx(ctx, msg)})
	}
	return out, nil
}

func extractCtx(parent context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return parent
	}
	return otel.GetTextMapPropagator().Extract(parent, propagation.HeaderCarrier(msg.Header))
}

type jetStreamMsg struct {
	msg *nats.Msg
	ctx context.Context
}

func (m *jetStreamMsg) Data() []byte {
	return m.msg.Data
}

func (m *jetStreamMsg) Ctx() context.Context {
	return m.ctx
}

func (m *jetStreamMsg) Ack() error {
	return m.msg.Ack()
}

func (m *jetStreamMsg) Nak() error {
	return m.msg.Nak()
}

func (m *jetStreamMsg) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

func (m *jetStreamMsg) Term() error {
	return m.msg.Term()
}

func (m *jetStreamMsg) NumDelivered() (uint64, error) {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0, err
	}
	return meta.NumDelivered, nil
}
