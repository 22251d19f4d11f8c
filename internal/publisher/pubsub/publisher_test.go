package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestPublishSendsJSONWithEventAttribute(t *testing.T) {
	ctx := context.Background()
	srv, opts := fakeServer(t)
	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: TopicName("proj", "crawler-events")})
	require.NoError(t, err)

	pub, err := Open(ctx, "proj", "crawler-events", opts...)
	require.NoError(t, err)
	defer pub.Close()

	id, err := pub.Publish(ctx, "crawl.completed", map[string]any{"source": "saramin", "jobs_new": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"source":"saramin","jobs_new":3}`, string(msgs[0].Data))
	require.Equal(t, "crawl.completed", msgs[0].Attributes[EventAttribute])
}

func TestOpenFailsForMissingTopic(t *testing.T) {
	ctx := context.Background()
	_, opts := fakeServer(t)

	_, err := Open(ctx, "proj", "missing", opts...)
	require.Error(t, err)
}

func TestPublishWithoutPublisherFails(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "crawl.completed", map[string]int{"jobs": 1})
	require.Error(t, err)

	_, err = New(nil).Publish(context.Background(), "crawl.completed", nil)
	require.Error(t, err)
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "topic")
	require.Error(t, err)
	_, err = Open(context.Background(), "project", "")
	require.Error(t, err)
}

func TestEncodeRejectsUnsupportedPayload(t *testing.T) {
	t.Parallel()

	_, err := encode("t", func() {})
	require.Error(t, err)
}

func TestCloseNilSafe(t *testing.T) {
	t.Parallel()
	var p *Publisher
	require.NoError(t, p.Close())
	require.NoError(t, (&Publisher{}).Close())
}
