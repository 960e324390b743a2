package call

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// scriptedTransport answers every recv want synchronously from canned
// data, recording each batch it executes.
type scriptedTransport struct {
	initialMD  metadata.MD
	message    []byte
	trailingMD metadata.MD

	// messageFirst replays the §4.5 race: the message-ready callback
	// fires before initial metadata does.
	messageFirst bool

	mu      sync.Mutex
	batches []*TransportBatch
}

func (s *scriptedTransport) ExecuteBatch(b *TransportBatch) {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()

	if b.Cancel {
		if b.OnComplete != nil {
			b.OnComplete(nil)
		}
		return
	}

	deliverMessage := func() {
		p := NewSPSCMessagePuller(2)
		p.Push(s.message)
		p.PushDone()
		b.OnRecvMessageReady(p, nil)
	}

	if s.messageFirst && b.WantRecvMessage {
		deliverMessage()
	}
	if b.WantRecvInitialMetadata {
		b.OnRecvInitialMetadata(s.initialMD, nil)
	}
	if !s.messageFirst && b.WantRecvMessage {
		deliverMessage()
	}
	if b.WantRecvTrailingMetadata {
		b.OnRecvTrailingMetadata(s.trailingMD, nil)
	}
	if b.OnComplete != nil {
		b.OnComplete(nil)
	}
}

// stalledTransport accepts batches but never completes them.
type stalledTransport struct {
	mu      sync.Mutex
	batches []*TransportBatch
}

func (s *stalledTransport) ExecuteBatch(b *TransportBatch) {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
}

func newScriptedClientCall(t *testing.T, transport FilterStack) (*Call, *fakeQueue) {
	t.Helper()
	cq := &fakeQueue{}
	c, err := Create(CreateArgs{
		Channel:         &fakeChannel{peer: "127.0.0.1:1234"},
		Transport:       transport,
		CompletionQueue: cq,
		Method:          "/svc/M",
	})
	require.NoError(t, err)
	return c, cq
}

func newScriptedServerCall(t *testing.T, transport FilterStack) (*Call, *fakeQueue) {
	t.Helper()
	cq := &fakeQueue{server: true}
	c, err := Create(CreateArgs{
		Channel:         &fakeChannel{},
		Transport:       transport,
		CompletionQueue: cq,
		IsServer:        true,
		Method:          "/svc/M",
	})
	require.NoError(t, err)
	return c, cq
}

func fullClientOps(initMD, trailMD *metadata.MD, msg *ReceivedMessage, code *codes.Code, details *string) []Op {
	return []Op{
		{Kind: OpSendInitialMetadata},
		{Kind: OpSendMessage, Message: []byte("hi")},
		{Kind: OpSendCloseFromClient},
		{Kind: OpRecvInitialMetadata, RecvInitialMetadata: initMD},
		{Kind: OpRecvMessage, RecvMessage: msg},
		{Kind: OpRecvStatusOnClient, RecvStatusCode: code, RecvStatusMessage: details, RecvTrailingMetadata: trailMD},
	}
}

func TestClientUnaryHappyPathDeliversOKStatus(t *testing.T) {
	transport := &scriptedTransport{
		initialMD:  metadata.MD{"x-server": {"v"}},
		message:    []byte("ok"),
		trailingMD: metadata.MD{"grpc-status": {"0"}},
	}
	c, cq := newScriptedClientCall(t, transport)

	var initMD, trailMD metadata.MD
	var msg ReceivedMessage
	var code codes.Code
	var details string
	require.NoError(t, c.StartBatch(fullClientOps(&initMD, &trailMD, &msg, &code, &details), "T"))

	require.Len(t, cq.posted, 1)
	assert.Equal(t, "T", cq.posted[0].tag)
	assert.NoError(t, cq.posted[0].err)
	assert.Equal(t, codes.OK, code)
	assert.Equal(t, "", details)
	assert.Empty(t, trailMD)
	assert.Equal(t, []byte("ok"), msg.Data)
	assert.Equal(t, []string{"v"}, initMD["x-server"])
}

func TestClientUnaryWireErrorSurfacesCodeAndDetails(t *testing.T) {
	transport := &scriptedTransport{
		message:    []byte("ok"),
		trailingMD: metadata.MD{"grpc-status": {"5"}, "grpc-message": {"not found"}},
	}
	c, cq := newScriptedClientCall(t, transport)

	var initMD, trailMD metadata.MD
	var msg ReceivedMessage
	var code codes.Code
	var details string
	require.NoError(t, c.StartBatch(fullClientOps(&initMD, &trailMD, &msg, &code, &details), "T"))

	require.Len(t, cq.posted, 1)
	assert.NoError(t, cq.posted[0].err)
	assert.Equal(t, codes.NotFound, code)
	assert.Equal(t, "not found", details)
}

func TestUserCancelOverridesLaterWireStatus(t *testing.T) {
	transport := &scriptedTransport{trailingMD: metadata.MD{"grpc-status": {"0"}}}
	c, _ := newScriptedClientCall(t, transport)

	require.NoError(t, c.StartBatch([]Op{{Kind: OpSendInitialMetadata}}, "send"))
	require.NoError(t, c.CancelWithStatus(codes.DeadlineExceeded, "deadline"))

	var trailMD metadata.MD
	var code codes.Code
	var details string
	require.NoError(t, c.StartBatch([]Op{{
		Kind:                 OpRecvStatusOnClient,
		RecvStatusCode:       &code,
		RecvStatusMessage:    &details,
		RecvTrailingMetadata: &trailMD,
	}}, "final"))

	assert.Equal(t, codes.DeadlineExceeded, code)
	assert.Equal(t, "deadline", details)
}

func TestMessageBeforeInitialMetadataUsesPostFilterCompression(t *testing.T) {
	transport := &scriptedTransport{
		initialMD:    metadata.MD{"grpc-encoding": {"gzip"}},
		message:      []byte("packed"),
		trailingMD:   metadata.MD{"grpc-status": {"0"}},
		messageFirst: true,
	}
	c, cq := newScriptedClientCall(t, transport)

	var initMD, trailMD metadata.MD
	var msg ReceivedMessage
	var code codes.Code
	var details string
	require.NoError(t, c.StartBatch(fullClientOps(&initMD, &trailMD, &msg, &code, &details), "T"))

	require.Len(t, cq.posted, 1)
	assert.Equal(t, []byte("packed"), msg.Data)
	assert.True(t, msg.Compressed)
	assert.Equal(t, "gzip", msg.Algorithm)
}

func TestServerCompressionLevelPrependsEncodingRequest(t *testing.T) {
	transport := &scriptedTransport{
		initialMD: metadata.MD{"grpc-accept-encoding": {"gzip,identity"}},
	}
	c, _ := newScriptedServerCall(t, transport)

	var initMD metadata.MD
	require.NoError(t, c.StartBatch([]Op{
		{Kind: OpRecvInitialMetadata, RecvInitialMetadata: &initMD},
	}, "accept"))

	require.NoError(t, c.StartBatch([]Op{
		{Kind: OpSendInitialMetadata, CompressionLevel: LevelHigh, HasCompressionLevel: true},
	}, "respond"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.batches, 2)
	sent := transport.batches[1].SendInitialMetadata
	assert.Equal(t, []string{"gzip"}, sent["grpc-internal-encoding-request"])
}

func TestCompressionLevelSkipsChannelDisabledEncodings(t *testing.T) {
	transport := &scriptedTransport{
		initialMD: metadata.MD{"grpc-accept-encoding": {"gzip,deflate,identity"}},
	}
	cq := &fakeQueue{server: true}
	c, err := Create(CreateArgs{
		Channel:         &fakeChannel{disabled: []string{"gzip"}},
		Transport:       transport,
		CompletionQueue: cq,
		IsServer:        true,
	})
	require.NoError(t, err)

	var initMD metadata.MD
	require.NoError(t, c.StartBatch([]Op{
		{Kind: OpRecvInitialMetadata, RecvInitialMetadata: &initMD},
	}, "accept"))

	assert.Equal(t, "deflate", c.CompressionForLevel(LevelHigh))
}

func TestTrailingMetadataCancelsInheritedChildren(t *testing.T) {
	parentTransport := &scriptedTransport{trailingMD: metadata.MD{}}
	parent, _ := newScriptedServerCall(t, parentTransport)

	childCq := &fakeQueue{}
	child, err := Create(CreateArgs{
		Channel:         &fakeChannel{},
		Transport:       &stalledTransport{},
		CompletionQueue: childCq,
		Method:          "/svc/Child",
		Parent:          parent,
		Propagation:     PropagateDeadline | PropagateCancellation,
	})
	require.NoError(t, err)

	indifferent, err := Create(CreateArgs{
		Channel:         &fakeChannel{},
		Transport:       &stalledTransport{},
		CompletionQueue: &fakeQueue{},
		Method:          "/svc/Other",
		Parent:          parent,
	})
	require.NoError(t, err)

	require.NoError(t, parent.StartBatch([]Op{
		{Kind: OpRecvCloseOnServer, RecvStatusMessage: new(string)},
	}, "close"))

	assert.True(t, parent.receivedFinalOpAtm.Load())

	err, set := child.status.get(SourceAPIOverride)
	require.True(t, set)
	assert.Equal(t, codes.Cancelled, status.Code(err))

	_, set = indifferent.status.get(SourceAPIOverride)
	assert.False(t, set)
}

func TestChildInheritsEarlierParentDeadline(t *testing.T) {
	parent, _ := newScriptedServerCall(t, &scriptedTransport{})
	parent.sendDeadline = parent.startTime.Add(1)

	child, err := Create(CreateArgs{
		Channel:         &fakeChannel{},
		Transport:       &stalledTransport{},
		CompletionQueue: &fakeQueue{},
		Method:          "/svc/Child",
		Parent:          parent,
		Propagation:     PropagateDeadline,
		SendDeadline:    parent.startTime.Add(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, parent.sendDeadline, child.sendDeadline)
}

func TestStartBatchAndExecuteInvokesClosure(t *testing.T) {
	transport := &scriptedTransport{}
	c, cq := newScriptedClientCall(t, transport)

	var got error
	invoked := 0
	require.NoError(t, c.StartBatchAndExecute([]Op{{Kind: OpSendInitialMetadata}}, func(err error) {
		invoked++
		got = err
	}))

	assert.Equal(t, 1, invoked)
	assert.NoError(t, got)
	assert.Empty(t, cq.posted)
}

func TestStartBatchAndExecuteEmptyBatchRunsClosureOnce(t *testing.T) {
	c, _ := newScriptedClientCall(t, &scriptedTransport{})
	invoked := 0
	require.NoError(t, c.StartBatchAndExecute(nil, func(err error) {
		invoked++
		assert.NoError(t, err)
	}))
	assert.Equal(t, 1, invoked)
}

func TestStartBatchRejectsReservedArgument(t *testing.T) {
	c, _, _ := newTestClientCall(t)
	err := c.StartBatch([]Op{{Kind: OpSendInitialMetadata, Reserved: struct{}{}}}, "t")
	require.Error(t, err)
	assert.Equal(t, ErrorGeneric, err.(*callError).code)
}

func TestStartBatchRejectsFlagsOutsideMask(t *testing.T) {
	c, _, _ := newTestClientCall(t)

	var md metadata.MD
	err := c.StartBatch([]Op{{Kind: OpRecvInitialMetadata, RecvInitialMetadata: &md, Flags: FlagWriteBufferHint}}, "t")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidFlags, err.(*callError).code)

	err = c.StartBatch([]Op{{Kind: OpSendMessage, Message: []byte("m"), Flags: FlagWaitForReady}}, "t")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidFlags, err.(*callError).code)
}

func TestIdempotentRequestFlagRejectedOnServer(t *testing.T) {
	c, _ := newScriptedServerCall(t, &scriptedTransport{})
	err := c.StartBatch([]Op{{Kind: OpSendInitialMetadata, Flags: FlagIdempotentRequest}}, "t")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidFlags, err.(*callError).code)
}

func TestStartBatchRejectsIllegalMetadata(t *testing.T) {
	c, _, _ := newTestClientCall(t)

	err := c.StartBatch([]Op{{Kind: OpSendInitialMetadata, Metadata: metadata.MD{"Bad Key": {"v"}}}}, "t")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidMetadata, err.(*callError).code)

	err = c.StartBatch([]Op{{Kind: OpSendInitialMetadata, Metadata: metadata.MD{"key": {"bad\x01value"}}}}, "t")
	require.Error(t, err)
	assert.Equal(t, ErrorInvalidMetadata, err.(*callError).code)
}

func TestDuplicateSendMessageAcrossBatchesIsTooManyOperations(t *testing.T) {
	transport := &stalledTransport{}
	c, _ := newScriptedClientCall(t, transport)

	require.NoError(t, c.StartBatch([]Op{{Kind: OpSendMessage, Message: []byte("a")}}, "first"))

	err := c.StartBatch([]Op{{Kind: OpSendMessage, Message: []byte("b")}}, "second")
	require.Error(t, err)
	assert.Equal(t, ErrorTooManyOperations, err.(*callError).code)

	// The failed batch left no residue: only the first batch reached the
	// transport, and its slot is still the only one occupied.
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Len(t, transport.batches, 1)
}

func TestSixOutstandingBatchesExhaustThePoolForASeventh(t *testing.T) {
	transport := &stalledTransport{}
	c, _ := newScriptedClientCall(t, transport)

	var initMD, trailMD metadata.MD
	var msg ReceivedMessage
	var code codes.Code

	// One batch per op-kind slot, none of which the stalled transport
	// ever completes, so all six pool entries stay occupied.
	singles := [][]Op{
		{{Kind: OpSendInitialMetadata}},
		{{Kind: OpSendMessage, Message: []byte("a")}},
		{{Kind: OpSendCloseFromClient}},
		{{Kind: OpRecvInitialMetadata, RecvInitialMetadata: &initMD}},
		{{Kind: OpRecvMessage, RecvMessage: &msg}},
		{{Kind: OpRecvStatusOnClient, RecvStatusCode: &code, RecvTrailingMetadata: &trailMD}},
	}
	for i, ops := range singles {
		require.NoError(t, c.StartBatch(ops, i))
	}

	err := c.StartBatch([]Op{{Kind: OpSendMessage, Message: []byte("b")}}, "seventh")
	require.Error(t, err)
	assert.Equal(t, ErrorTooManyOperations, err.(*callError).code)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Len(t, transport.batches, 6)
}

func TestRecvStatusOnlyBatchDefaultsToUnknown(t *testing.T) {
	transport := &scriptedTransport{trailingMD: metadata.MD{}}
	c, cq := newScriptedClientCall(t, transport)

	var code codes.Code
	var details string
	require.NoError(t, c.StartBatch([]Op{{
		Kind:              OpRecvStatusOnClient,
		RecvStatusCode:    &code,
		RecvStatusMessage: &details,
	}}, "only"))

	require.Len(t, cq.posted, 1)
	assert.Equal(t, codes.Unknown, code)
}

func TestSendStatusFromServerRecordsLocalStatus(t *testing.T) {
	transport := &scriptedTransport{}
	c, _ := newScriptedServerCall(t, transport)

	require.NoError(t, c.StartBatch([]Op{
		{Kind: OpSendInitialMetadata},
		{Kind: OpSendStatusFromServer, StatusCode: codes.NotFound, StatusMessage: "missing"},
	}, "respond"))

	err, set := c.status.get(SourceAPIOverride)
	require.True(t, set)
	assert.Equal(t, codes.NotFound, status.Code(err))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	trailer := transport.batches[0].SendTrailingMetadata
	assert.Equal(t, []string{"5"}, trailer["grpc-status"])
	assert.Equal(t, []string{"missing"}, trailer["grpc-message"])
}

func TestBatchErrorTriggersCoreCancellation(t *testing.T) {
	failing := &failingTransport{}
	c, cq := newScriptedClientCall(t, failing)

	require.NoError(t, c.StartBatch([]Op{{Kind: OpSendInitialMetadata}}, "t"))

	require.Len(t, cq.posted, 1)
	assert.Error(t, cq.posted[0].err)

	_, set := c.status.get(SourceCore)
	assert.True(t, set)

	// The cancel path injected a cancel-stream batch after the failure.
	failing.mu.Lock()
	defer failing.mu.Unlock()
	require.Len(t, failing.batches, 2)
	assert.True(t, failing.batches[1].Cancel)
}

type failingTransport struct {
	mu      sync.Mutex
	batches []*TransportBatch
}

func (f *failingTransport) ExecuteBatch(b *TransportBatch) {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	if b.Cancel {
		b.OnComplete(nil)
		return
	}
	b.OnComplete(assert.AnError)
}
