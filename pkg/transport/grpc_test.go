package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"callcore/pkg/call"
)

func newFakeCQ() *fakeCQ { return &fakeCQ{events: make(chan cqEvent, 8)} }

type cqEvent struct {
	tag any
	err error
}

type fakeCQ struct {
	events chan cqEvent
}

func (q *fakeCQ) Post(tag any, err error) { q.events <- cqEvent{tag: tag, err: err} }
func (q *fakeCQ) IsServerQueue() bool      { return true }

func (q *fakeCQ) wait(t *testing.T, timeout time.Duration) cqEvent {
	t.Helper()
	select {
	case ev := <-q.events:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for completion queue event")
		return cqEvent{}
	}
}

func TestGRPCClientServerRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serverCQ := newFakeCQ()
	srv := NewServer(func(ctx context.Context, c *call.Call) {
		var initMD metadata.MD
		var recvMsg call.ReceivedMessage
		require.NoError(t, c.StartBatch([]call.Op{
			{Kind: call.OpRecvInitialMetadata, RecvInitialMetadata: &initMD},
			{Kind: call.OpRecvMessage, RecvMessage: &recvMsg},
		}, "accept"))

		ev := serverCQ.wait(t, 2*time.Second)
		assert.Equal(t, "accept", ev.tag)

		require.NoError(t, c.StartBatch([]call.Op{
			{Kind: call.OpSendInitialMetadata},
			{Kind: call.OpSendMessage, Message: []byte("pong")},
			{Kind: call.OpSendStatusFromServer, StatusCode: codes.OK},
		}, "respond"))
		serverCQ.wait(t, 2*time.Second)
	}, ServerOptions{CompletionQueue: func() call.CompletionQueue { return serverCQ }})

	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	clientCQ := newFakeCQ()
	client, err := call.Create(call.CreateArgs{
		Transport:       NewClientStack(conn, "/callcore.Echo/Ping"),
		CompletionQueue: clientCQ,
		Method:          "/callcore.Echo/Ping",
	})
	require.NoError(t, err)

	var recvInitMD metadata.MD
	var recvMsg call.ReceivedMessage
	var statusCode codes.Code
	var statusMsg string
	var trailer metadata.MD

	require.NoError(t, client.StartBatch([]call.Op{
		{Kind: call.OpSendInitialMetadata},
		{Kind: call.OpSendMessage, Message: []byte("ping")},
		{Kind: call.OpSendCloseFromClient},
		{Kind: call.OpRecvInitialMetadata, RecvInitialMetadata: &recvInitMD},
		{Kind: call.OpRecvMessage, RecvMessage: &recvMsg},
		{Kind: call.OpRecvStatusOnClient, RecvStatusCode: &statusCode, RecvStatusMessage: &statusMsg, RecvTrailingMetadata: &trailer},
	}, "roundtrip"))

	ev := clientCQ.wait(t, 3*time.Second)
	assert.Equal(t, "roundtrip", ev.tag)
	assert.Equal(t, codes.OK, statusCode)
}
