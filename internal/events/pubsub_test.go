package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	args := m.Called(ctx, data, attrs)
	return args.String(0), args.Error(1)
}

func (m *mockPublisher) Stop() {
	m.Called()
}

func TestPubSubSinkPublishesEachEvent(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, map[string]string{"result": "success", "rp": "https://rp.example"}).
		Return("m-1", nil).Once()
	pub.On("Publish", mock.Anything, mock.Anything, map[string]string{"result": "failure", "rp": "https://rp.example"}).
		Return("", errors.New("deadline exceeded")).Once()
	pub.On("Stop").Return().Once()

	sink := NewPubSubSink(pub, nil)
	err := sink.Consume(context.Background(), []Event{sampleEvent(ResultSuccess), sampleEvent(ResultFailure)})
	require.ErrorContains(t, err, "deadline exceeded")
	require.NoError(t, sink.Close(context.Background()))
	pub.AssertExpectations(t)
}

func TestTopicPublisherWithFakeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "verifications")
	require.NoError(t, err)

	publisher := TopicPublisher{Topic: topic}
	sink := NewPubSubSink(publisher, nil)
	evt := sampleEvent(ResultSuccess)
	require.NoError(t, sink.Consume(ctx, []Event{evt}))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "success", msgs[0].Attributes["result"])
	require.Equal(t, evt.RP, msgs[0].Attributes["rp"])

	var got Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, evt.RP, got.RP)
	require.Equal(t, evt.Result, got.Result)
	require.NotContains(t, string(msgs[0].Data), "assertion")
}

func TestTopicPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := TopicPublisher{}.Publish(context.Background(), []byte("{}"), nil)
	require.Error(t, err)
	TopicPublisher{}.Stop()
}
