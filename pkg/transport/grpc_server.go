package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"callcore/pkg/call"
)

// Handler is invoked once per accepted stream, after the server-side Call
// has been created but before any batch has run against it. The handler
// owns the Call for the rest of its lifetime — StartBatch, Cancel,
// Unref — the way a generated service method owns its stream.
type Handler func(ctx context.Context, c *call.Call)

// ServerOptions configures Server, grounded on the teacher's
// GRPCServer.Start server-option list generalized from a fixed
// interceptor chain to whatever the caller supplies.
type ServerOptions struct {
	CompletionQueue func() call.CompletionQueue
	Observer        call.CompletionObserver
	GRPCOptions     []grpc.ServerOption
}

// Server accepts gRPC streams against any method name and turns each into
// a server-side pkg/call.Call, grounded on the teacher's GRPCServer but
// generalized from per-proto-service registration to grpc.UnknownServiceHandler
// so it never needs a generated ServiceDesc for the Call's byte-oriented
// contract.
type Server struct {
	opts    ServerOptions
	handler Handler

	mu  sync.Mutex
	srv *grpc.Server
}

// NewServer creates a Server that dispatches every accepted stream to
// handler.
func NewServer(handler Handler, opts ServerOptions) *Server {
	return &Server{handler: handler, opts: opts}
}

// Serve blocks accepting connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	grpcOpts := append([]grpc.ServerOption{grpc.UnknownServiceHandler(s.streamHandler)}, s.opts.GRPCOptions...)
	srv := grpc.NewServer(grpcOpts...)

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	return srv.Serve(lis)
}

// Stop gracefully stops the server, finishing in-flight streams.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
}

// streamHandler is the grpc.StreamHandler registered via
// UnknownServiceHandler: it fires for every method, since no method is
// ever registered through a ServiceDesc.
func (s *Server) streamHandler(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "transport: could not recover method from stream")
	}

	ss := newServerStack(stream)

	var cq call.CompletionQueue
	if s.opts.CompletionQueue != nil {
		cq = s.opts.CompletionQueue()
	}

	c, err := call.Create(call.CreateArgs{
		Transport:       ss,
		CompletionQueue: cq,
		IsServer:        true,
		Method:          method,
		Observer:        s.opts.Observer,
	})
	if err != nil {
		return status.Errorf(codes.Internal, "transport: call.Create: %v", err)
	}

	s.handler(stream.Context(), c)

	select {
	case <-ss.done:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	return ss.finalStatus
}

// serverStack implements call.FilterStack against one already-accepted
// grpc.ServerStream, the server-side counterpart to ClientStack.
type serverStack struct {
	stream grpc.ServerStream
	ctx    context.Context

	recvOnce sync.Once
	recvMsg  []byte
	recvErr  error

	mu          sync.Mutex
	done        chan struct{}
	closed      bool
	finalStatus error
}

func newServerStack(stream grpc.ServerStream) *serverStack {
	return &serverStack{stream: stream, ctx: stream.Context(), done: make(chan struct{})}
}

// ExecuteBatch implements call.FilterStack.
func (s *serverStack) ExecuteBatch(b *call.TransportBatch) {
	go s.run(b)
}

func (s *serverStack) run(b *call.TransportBatch) {
	if b.Cancel {
		if b.OnComplete != nil {
			b.OnComplete(nil)
		}
		return
	}

	if b.WantRecvInitialMetadata {
		md, _ := metadata.FromIncomingContext(s.ctx)
		if b.OnRecvInitialMetadata != nil {
			b.OnRecvInitialMetadata(md, nil)
		}
	}

	if b.HasSendInitialMetadata {
		if err := s.stream.SendHeader(translateEncodingRequest(b.SendInitialMetadata)); err != nil {
			s.failRemaining(b, err)
			return
		}
	}

	if b.WantRecvMessage {
		s.deliverMessage(b)
	}

	if b.HasSendMessage {
		payload := b.SendMessage
		if err := s.stream.SendMsg(&payload); err != nil {
			s.failRemaining(b, err)
			return
		}
	}

	if b.HasSendTrailingMetadata {
		s.finish(b.SendTrailingMetadata)
	}

	if b.WantRecvTrailingMetadata {
		// The server side learns the final status from its own
		// SendStatusFromServer op, not from the peer; this leg completes
		// at once with empty metadata and reads nothing more from the
		// stream.
		if b.OnRecvTrailingMetadata != nil {
			b.OnRecvTrailingMetadata(metadata.MD{}, nil)
		}
	}

	if b.OnComplete != nil {
		b.OnComplete(nil)
	}
}

func (s *serverStack) deliverMessage(b *call.TransportBatch) {
	s.recvOnce.Do(func() {
		var buf []byte
		err := s.stream.RecvMsg(&buf)
		if err != nil && err != io.EOF {
			s.recvErr = err
		} else {
			s.recvMsg = buf
		}
	})
	if b.OnRecvMessageReady == nil {
		return
	}
	if s.recvErr != nil {
		b.OnRecvMessageReady(nil, s.recvErr)
		return
	}
	puller := call.NewSPSCMessagePuller(2)
	b.OnRecvMessageReady(puller, nil)
	puller.Push(s.recvMsg)
	puller.PushDone()
}

func (s *serverStack) failRemaining(b *call.TransportBatch, err error) {
	if b.WantRecvMessage && b.OnRecvMessageReady != nil {
		b.OnRecvMessageReady(nil, err)
	}
	if b.WantRecvTrailingMetadata && b.OnRecvTrailingMetadata != nil {
		b.OnRecvTrailingMetadata(nil, err)
	}
	s.finishWithErr(err)
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

// finish turns a SendTrailingMetadata batch (close-from-client echo or
// status-from-server) into the grpc-status/grpc-message trailer that ends
// the stream when streamHandler returns.
func (s *serverStack) finish(trailer metadata.MD) {
	code := codes.OK
	msg := ""
	rest := metadata.MD{}
	for k, v := range trailer {
		switch k {
		case "grpc-status":
			if len(v) > 0 {
				if n, err := strconv.Atoi(v[0]); err == nil {
					code = codes.Code(n)
				}
			}
		case "grpc-message":
			if len(v) > 0 {
				msg = v[0]
			}
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		s.stream.SetTrailer(rest)
	}
	s.finishWithErr(status.Error(code, msg))
}

func (s *serverStack) finishWithErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err != nil && status.Code(err) != codes.OK {
		s.finalStatus = err
	}
	close(s.done)
}
