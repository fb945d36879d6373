package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherEncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "privacy.lifecycle", nil)

	err := p.Publish(context.Background(), Event{
		Type:       NodeStatus,
		RequestID:  "req-1",
		Collection: "shop:users",
		Action:     "erasure",
		Status:     "complete",
		Affected:   2,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "privacy.lifecycle", msg.Topic)
	assert.Equal(t, []byte("req-1"), msg.Key)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte(NodeStatus), msg.Headers[0].Value)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.NotEmpty(t, decoded.ID)
	assert.False(t, decoded.Timestamp.IsZero())
	assert.Equal(t, 2, decoded.Affected)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherReturnsWriteErrors(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := newKafkaPublisher(&fakeWriter{err: boom}, "t", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: RequestStarted, RequestID: "r"}), boom)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(ProducerConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher(ProducerConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(ProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "none"}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestRecorderAndNop(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Event{Type: RequestStarted}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: RequestFinished}))
	events := r.Events()
	require.Len(t, events, 2)
	assert.Equal(t, RequestFinished, events[1].Type)

	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
