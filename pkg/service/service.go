// Package service drives pkg/call.Call the way a generated gRPC stub
// would, packing and unpacking application messages as anypb.Any so the
// Call's op-kinds are exercised by a real request/response cycle rather
// than only unit-tested in isolation, grounded on the teacher's
// rpc.Service/rpc.RPCRequest dispatch generalized from reflection-based
// method lookup to a method-name-to-Handler map.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"callcore/pkg/call"
)

// ErrMethodNotFound names the missing-Handler case, the service-layer
// analogue of the teacher's rpc.ErrMethodNotFound. The Server does not
// return it; a call for an unregistered method ends with
// codes.Unimplemented.
var ErrMethodNotFound = errors.New("service: method not found")

// Handler answers one request, packed as req, returning the packed
// reply. Returning a non-nil error ends the call with codes.Unknown
// unless the error already carries a status code (via status.FromError).
type Handler func(ctx context.Context, req *anypb.Any) (*anypb.Any, error)

// Server dispatches incoming calls to registered Handlers by method name,
// grounded on the teacher's Service/NewService registry but keyed by
// plain method string instead of reflected receiver methods, since the
// Call's contract is already byte/Any-oriented rather than typed Go
// method signatures.
type Server struct {
	mu      sync.RWMutex
	methods map[string]Handler
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{methods: make(map[string]Handler)}
}

// Register binds method to h. Re-registering the same method replaces
// the previous Handler.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

// TransportHandler adapts the Server into the transport.Handler/
// transport.WSHandler shape (the two share the same signature), so one
// Server can be driven over gRPC, WebSocket, or both at once.
func (s *Server) TransportHandler() func(ctx context.Context, c *call.Call) {
	return s.serveCall
}

func (s *Server) serveCall(ctx context.Context, c *call.Call) {
	s.mu.RLock()
	h, ok := s.methods[c.Method()]
	s.mu.RUnlock()

	var recvInitMD metadata.MD
	var recvMsg call.ReceivedMessage
	accepted := make(chan error, 1)
	if err := c.StartBatchAndExecute([]call.Op{
		{Kind: call.OpRecvInitialMetadata, RecvInitialMetadata: &recvInitMD},
		{Kind: call.OpRecvMessage, RecvMessage: &recvMsg},
	}, func(err error) { accepted <- err }); err != nil {
		return
	}
	select {
	case err := <-accepted:
		if err != nil {
			s.finishWithStatus(c, codes.Internal, "failed to receive request")
			return
		}
	case <-ctx.Done():
		c.Cancel()
		return
	}

	if !ok {
		s.finishWithStatus(c, codes.Unimplemented, fmt.Sprintf("method not found: %s", c.Method()))
		return
	}

	var req anypb.Any
	if err := proto.Unmarshal(recvMsg.Data, &req); err != nil {
		s.finishWithStatus(c, codes.InvalidArgument, "malformed request envelope")
		return
	}

	reply, err := h(ctx, &req)
	if err != nil {
		code := status.Code(err)
		if code == codes.OK {
			code = codes.Unknown
		}
		s.finishWithStatus(c, code, err.Error())
		return
	}

	payload, err := proto.Marshal(reply)
	if err != nil {
		s.finishWithStatus(c, codes.Internal, "failed to marshal reply")
		return
	}

	_ = c.StartBatchAndExecute([]call.Op{
		{Kind: call.OpSendInitialMetadata},
		{Kind: call.OpSendMessage, Message: payload},
		{Kind: call.OpSendStatusFromServer, StatusCode: codes.OK},
	}, func(error) {})
}

func (s *Server) finishWithStatus(c *call.Call, code codes.Code, msg string) {
	_ = c.StartBatchAndExecute([]call.Op{
		{Kind: call.OpSendInitialMetadata},
		{Kind: call.OpSendStatusFromServer, StatusCode: code, StatusMessage: msg},
	}, func(error) {})
}
