package queue

import (
	"context"
	"errors"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-unboxing-go/internal/config"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

// fakeAcknowledger 记录 ack/nack
type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func TestRabbitMQConfig_URL(t *testing.T) {
	tests := []struct {
		name string
		cfg  RabbitMQConfig
		want string
	}{
		{"default vhost", RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "guest", VHost: "/"}, "amqp://guest:guest@mq:5672/%2F"},
		{"empty vhost", RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "guest"}, "amqp://guest:guest@mq:5672/%2F"},
		{"named vhost", RabbitMQConfig{Host: "mq", Port: 5673, User: "u", Password: "p", VHost: "unboxing"}, "amqp://u:p@mq:5673/unboxing"},
		{"escaped password", RabbitMQConfig{Host: "mq", Port: 5672, User: "u", Password: "p@ss", VHost: "v"}, "amqp://u:p%40ss@mq:5672/v"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.URL())
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(&config.RabbitMQConfig{Host: "h", Port: 1, User: "u", Password: "p", VHost: "/", Queue: "q"})
	assert.Equal(t, "h", cfg.Host)
	assert.Equal(t, "q", cfg.Queue)
}

func TestMessageEncoding(t *testing.T) {
	msg := &GenerationMessage{TaskID: "id-1", APKName: "a.apk", APKPath: "/in/a.apk"}
	body, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"id-1","apk_name":"a.apk","apk_path":"/in/a.apk"}`, string(body))

	decoded, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = DecodeMessage([]byte(`{"apk_name":"a.apk"}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
	_, err = (&GenerationMessage{}).Encode()
	assert.Error(t, err)
}

func TestProducer_PublishTask(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProducer(pub, quietLogger())

	require.NoError(t, p.PublishTask(context.Background(), &GenerationMessage{TaskID: "t1", APKName: "a.apk"}))
	require.Len(t, pub.bodies, 1)
	assert.Contains(t, string(pub.bodies[0]), `"task_id":"t1"`)

	pub.err = errors.New("channel closed")
	assert.Error(t, p.PublishTask(context.Background(), &GenerationMessage{TaskID: "t2"}))
}

func TestConsumer_ProcessMessage(t *testing.T) {
	var handled []string
	handlerErr := error(nil)
	c := NewConsumer(nil, func(ctx context.Context, msg *GenerationMessage) error {
		handled = append(handled, msg.TaskID)
		return handlerErr
	}, 0, quietLogger())
	assert.Equal(t, 1, c.workerPool)

	t.Run("ack on success", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		c.processMessage(context.Background(), 0, amqp.Delivery{Acknowledger: ack, Body: []byte(`{"task_id":"t1"}`)})
		assert.Equal(t, 1, ack.acked)
		assert.Equal(t, 0, ack.nacked)
	})

	t.Run("nack on failure", func(t *testing.T) {
		handlerErr = errors.New("boom")
		ack := &fakeAcknowledger{}
		c.processMessage(context.Background(), 0, amqp.Delivery{Acknowledger: ack, Body: []byte(`{"task_id":"t2"}`)})
		assert.Equal(t, 0, ack.acked)
		assert.Equal(t, 1, ack.nacked)
		assert.False(t, ack.requeue)
	})

	t.Run("malformed dropped", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		c.processMessage(context.Background(), 0, amqp.Delivery{Acknowledger: ack, Body: []byte(`{`)})
		assert.Equal(t, 1, ack.nacked)
	})

	assert.Equal(t, []string{"t1", "t2"}, handled)
}
