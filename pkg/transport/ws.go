package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/metadata"

	"callcore/pkg/call"
)

// frameKind tags one WebSocket message as carrying one of the three
// transport-level payloads a Call batch can send or want, the WS
// counterpart to a gRPC stream's header/message/trailer distinction,
// which plain WebSocket frames don't otherwise carry.
type frameKind int

const (
	frameInitialMetadata frameKind = iota
	frameMessage
	frameTrailer
)

type wsFrame struct {
	Kind     frameKind           `json:"kind"`
	Metadata map[string][]string `json:"metadata,omitempty"`
	Payload  []byte              `json:"payload,omitempty"`
}

type wsResult struct {
	md      metadata.MD
	payload []byte
	err     error
}

// wsStack implements call.FilterStack over one gorilla websocket
// connection, symmetric between client and server since a raw WS
// connection carries no inherent client/server framing distinction the
// way an HTTP/2 stream does. Like ClientStack/serverStack it carries one
// message and one metadata pair per direction.
type wsStack struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	readOnce  sync.Once
	initCh    chan wsResult
	msgCh     chan wsResult
	trailerCh chan wsResult
}

func newWSStack(conn *websocket.Conn) *wsStack {
	return &wsStack{
		conn:      conn,
		initCh:    make(chan wsResult, 1),
		msgCh:     make(chan wsResult, 1),
		trailerCh: make(chan wsResult, 1),
	}
}

// ExecuteBatch implements call.FilterStack.
func (s *wsStack) ExecuteBatch(b *call.TransportBatch) {
	go s.run(b)
}

func (s *wsStack) run(b *call.TransportBatch) {
	s.readOnce.Do(func() { go s.readLoop() })

	if b.Cancel {
		s.conn.Close()
		if b.OnComplete != nil {
			b.OnComplete(nil)
		}
		return
	}

	if b.HasSendInitialMetadata {
		if err := s.write(frameInitialMetadata, translateEncodingRequest(b.SendInitialMetadata), nil); err != nil {
			s.failRemaining(b, err)
			return
		}
	}

	if b.HasSendMessage {
		if err := s.write(frameMessage, nil, b.SendMessage); err != nil {
			s.failRemaining(b, err)
			return
		}
	}

	if b.HasSendTrailingMetadata {
		if err := s.write(frameTrailer, b.SendTrailingMetadata, nil); err != nil {
			s.failRemaining(b, err)
			return
		}
	}

	if b.WantRecvInitialMetadata {
		res := <-s.initCh
		if b.OnRecvInitialMetadata != nil {
			b.OnRecvInitialMetadata(res.md, res.err)
		}
	}

	if b.WantRecvMessage {
		res := <-s.msgCh
		if b.OnRecvMessageReady == nil {
			return
		}
		if res.err != nil {
			b.OnRecvMessageReady(nil, res.err)
		} else {
			puller := call.NewSPSCMessagePuller(2)
			b.OnRecvMessageReady(puller, nil)
			puller.Push(res.payload)
			puller.PushDone()
		}
	}

	if b.WantRecvTrailingMetadata {
		res := <-s.trailerCh
		if b.OnRecvTrailingMetadata != nil {
			b.OnRecvTrailingMetadata(res.md, res.err)
		}
	}

	if b.OnComplete != nil {
		b.OnComplete(nil)
	}
}

func (s *wsStack) write(kind frameKind, md metadata.MD, payload []byte) error {
	frame := wsFrame{Kind: kind, Payload: payload}
	if md != nil {
		frame.Metadata = map[string][]string(md)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// readLoop runs once per connection, dispatching each incoming frame to
// the channel its kind corresponds to. Each channel is buffered and
// written to at most once per frame kind in the single-message-per-call
// scope this transport supports.
func (s *wsStack) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failAll(err)
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.failAll(err)
			return
		}
		res := wsResult{md: metadata.MD(frame.Metadata), payload: frame.Payload}
		switch frame.Kind {
		case frameInitialMetadata:
			s.initCh <- res
		case frameMessage:
			s.msgCh <- res
		case frameTrailer:
			s.trailerCh <- res
			return
		}
	}
}

func (s *wsStack) failAll(err error) {
	select {
	case s.initCh <- wsResult{err: err}:
	default:
	}
	select {
	case s.msgCh <- wsResult{err: err}:
	default:
	}
	select {
	case s.trailerCh <- wsResult{err: err}:
	default:
	}
}

func (s *wsStack) failRemaining(b *call.TransportBatch, err error) {
	if b.WantRecvInitialMetadata && b.OnRecvInitialMetadata != nil {
		b.OnRecvInitialMetadata(nil, err)
	}
	if b.WantRecvMessage && b.OnRecvMessageReady != nil {
		b.OnRecvMessageReady(nil, err)
	}
	if b.WantRecvTrailingMetadata && b.OnRecvTrailingMetadata != nil {
		b.OnRecvTrailingMetadata(nil, err)
	}
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

// WSConfig mirrors the subset of the teacher's WebSocketConfig this
// transport needs.
type WSConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func (c WSConfig) withDefaults() WSConfig {
	if c.BufferSize == 0 {
		c.BufferSize = 4096
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

// WSHandler is invoked once per accepted connection with a fresh
// server-side Call, the WS counterpart to transport.Handler.
type WSHandler func(ctx context.Context, c *call.Call)

// WSServer upgrades incoming HTTP connections to WebSocket and turns each
// into a server-side pkg/call.Call, grounded on the teacher's
// WebSocketServer generalized from a raw *websocket.Conn callback to one
// that hands the caller an already-constructed Call.
type WSServer struct {
	cfg      WSConfig
	upgrader websocket.Upgrader
	handler  WSHandler

	opts ServerOptions

	mu     sync.Mutex
	server *http.Server
}

// NewWSServer creates a WSServer that dispatches every accepted
// connection to handler.
func NewWSServer(cfg WSConfig, handler WSHandler, opts ServerOptions) *WSServer {
	cfg = cfg.withDefaults()
	return &WSServer{
		cfg:     cfg,
		handler: handler,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.BufferSize,
			WriteBufferSize: cfg.BufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler that upgrades and dispatches
// connections, usable directly with httptest or a caller's own mux.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	return mux
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *WSServer) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *WSServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var cq call.CompletionQueue
	if s.opts.CompletionQueue != nil {
		cq = s.opts.CompletionQueue()
	}

	c, err := call.Create(call.CreateArgs{
		Transport:       newWSStack(conn),
		CompletionQueue: cq,
		IsServer:        true,
		Method:          r.URL.Path,
		Observer:        s.opts.Observer,
	})
	if err != nil {
		conn.Close()
		return
	}

	go s.handler(r.Context(), c)
}

// DialWS opens a client-side WebSocket connection and wraps it as a
// call.FilterStack suitable for call.CreateArgs.Transport.
func DialWS(ctx context.Context, url string, header http.Header) (call.FilterStack, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWSStack(conn), nil
}
