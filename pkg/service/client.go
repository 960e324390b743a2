package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"callcore/pkg/call"
	"callcore/pkg/channel"
	"callcore/pkg/cqueue"
	"callcore/pkg/transport"
)

// Client drives one-shot request/response calls against a channel,
// packing req/reply as anypb.Any the way a generated stub would,
// grounded on the teacher's RPCClient.Call (rpc.go) generalized from a
// ServiceMethod string dispatched through reflection to a Call built
// directly against pkg/call.
type Client struct {
	channel  *channel.Channel
	cqDepth  int
	observer call.CompletionObserver
}

// NewClient creates a Client bound to ch. cqDepth sizes the per-call
// completion queue (0 picks cqueue's default).
func NewClient(ch *channel.Channel, cqDepth int, observer call.CompletionObserver) *Client {
	return &Client{channel: ch, cqDepth: cqDepth, observer: observer}
}

// Call packs req, sends it to method, and unpacks the reply into reply.
// A non-OK status from the server surfaces as a *status.Status error via
// status.Error, the same convention a generated client stub uses.
func (c *Client) Call(ctx context.Context, method string, req, reply proto.Message) error {
	conn, err := c.channel.Conn(ctx)
	if err != nil {
		return fmt.Errorf("service: dial: %w", err)
	}

	reqAny, err := anypb.New(req)
	if err != nil {
		return fmt.Errorf("service: pack request: %w", err)
	}
	payload, err := proto.Marshal(reqAny)
	if err != nil {
		return fmt.Errorf("service: marshal request: %w", err)
	}

	cq := cqueue.New(c.cqDepth, false)
	defer cq.Shutdown()

	cl, err := call.Create(call.CreateArgs{
		Transport:       transport.NewClientStack(conn, method),
		Channel:         c.channel,
		CompletionQueue: cq,
		Method:          method,
		Authority:       c.channel.Peer(),
		Observer:        c.observer,
	})
	if err != nil {
		return fmt.Errorf("service: create call: %w", err)
	}

	requestID := uuid.NewString()

	var recvInitMD, trailerMD metadata.MD
	var recvMsg call.ReceivedMessage
	var statusCode codes.Code
	var statusMsg string

	err = cl.StartBatch([]call.Op{
		{Kind: call.OpSendInitialMetadata, Metadata: metadata.MD{"x-request-id": []string{requestID}}},
		{Kind: call.OpSendMessage, Message: payload},
		{Kind: call.OpSendCloseFromClient},
		{Kind: call.OpRecvInitialMetadata, RecvInitialMetadata: &recvInitMD},
		{Kind: call.OpRecvMessage, RecvMessage: &recvMsg},
		{
			Kind:                 call.OpRecvStatusOnClient,
			RecvStatusCode:       &statusCode,
			RecvStatusMessage:    &statusMsg,
			RecvTrailingMetadata: &trailerMD,
		},
	}, requestID)
	if err != nil {
		return fmt.Errorf("service: start batch: %w", err)
	}

	if err := c.awaitTag(ctx, cq, requestID); err != nil {
		cl.Cancel()
		return err
	}

	if statusCode != codes.OK {
		return status.Error(statusCode, statusMsg)
	}

	var respAny anypb.Any
	if err := proto.Unmarshal(recvMsg.Data, &respAny); err != nil {
		return fmt.Errorf("service: unmarshal response envelope: %w", err)
	}
	if err := respAny.UnmarshalTo(reply); err != nil {
		return fmt.Errorf("service: unpack response: %w", err)
	}
	return nil
}

// awaitTag blocks until the completion queue reports the given tag or ctx
// is done. Batches submitted together all post under the same tag, so the
// first matching event is the one terminating the whole request.
func (c *Client) awaitTag(ctx context.Context, cq *cqueue.Queue, tag string) error {
	for {
		ev, err := cq.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Tag == tag {
			return ev.Err
		}
	}
}
