package call

import (
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// OpKind enumerates the eight batch-op kinds of §4.3. Not every kind is
// legal on every call side; StartBatch enforces the NOT_ON_CLIENT /
// NOT_ON_SERVER symmetry.
type OpKind int

const (
	OpSendInitialMetadata OpKind = iota
	OpSendMessage
	OpSendCloseFromClient
	OpSendStatusFromServer
	OpRecvInitialMetadata
	OpRecvMessage
	OpRecvStatusOnClient
	OpRecvCloseOnServer
)

// Per-op flags. SendMessage accepts the write flags; SendInitialMetadata
// additionally accepts the initial-metadata flags, except that
// FlagIdempotentRequest is client-only. Everything else must be zero.
const (
	// FlagWriteBufferHint permits the transport to coalesce this write
	// with later ones.
	FlagWriteBufferHint uint32 = 1 << iota
	// FlagWriteNoCompress exempts this message from compression even when
	// an algorithm was negotiated.
	FlagWriteNoCompress
	// FlagWriteThrough bypasses any buffering filter below.
	FlagWriteThrough
	// FlagIdempotentRequest marks the request safe to retry; legal only
	// on client-side initial metadata.
	FlagIdempotentRequest
	// FlagWaitForReady delays the call until the transport is connected.
	FlagWaitForReady
	// FlagCacheableRequest marks the request eligible for proxy caching.
	FlagCacheableRequest
)

const (
	writeFlagsMask           = FlagWriteBufferHint | FlagWriteNoCompress | FlagWriteThrough
	initialMetadataFlagsMask = writeFlagsMask | FlagIdempotentRequest | FlagWaitForReady | FlagCacheableRequest
)

// Op is one entry of a StartBatch call. Only the fields relevant to Kind
// are read; the rest are ignored, mirroring the original API's tagged
// union but spelled out as named fields instead of a C union, since Go
// has no overlapping storage and this is clearer than an interface{}
// per op.
type Op struct {
	Kind OpKind

	// Flags is validated against the mask Kind allows; anything outside
	// it fails the whole batch with INVALID_FLAGS.
	Flags uint32

	// Reserved must be nil. It mirrors the original API's reserved
	// pointer argument and exists so the wire-compatible surface keeps
	// the same arity.
	Reserved any

	// SendInitialMetadata / SendCloseFromClient (normally empty) / the
	// metadata half of SendStatusFromServer.
	Metadata metadata.MD

	// SendMessage payload.
	Message []byte

	// SendStatusFromServer.
	StatusCode    codes.Code
	StatusMessage string

	// SendInitialMetadata compression-level override, §4.3.
	CompressionLevel    CompressionLevel
	HasCompressionLevel bool

	// Recv ops write their result through these out-pointers once the
	// batch completes, the Go analogue of the original's caller-owned
	// output storage.
	RecvInitialMetadata  *metadata.MD
	RecvMessage          *ReceivedMessage
	RecvStatusCode       *codes.Code
	RecvStatusMessage    *string
	RecvTrailingMetadata *metadata.MD
}

// resolveCompressionAlgorithm picks the strongest algorithm the peer has
// advertised accepting at or below the requested level, §4.3. Falls back
// to identity when the peer's preference is unknown or nothing matches —
// never sends an algorithm the peer didn't advertise.
func resolveCompressionAlgorithm(level CompressionLevel, accepted acceptEncodingBit) string {
	switch level {
	case LevelNone:
		return encodingIdentity
	case LevelLow:
		if accepted&bitDeflate != 0 {
			return encodingDeflate
		}
		if accepted&bitGzip != 0 {
			return encodingGzip
		}
	default: // LevelMedium, LevelHigh
		if accepted&bitGzip != 0 {
			return encodingGzip
		}
		if accepted&bitDeflate != 0 {
			return encodingDeflate
		}
	}
	return encodingIdentity
}

// StartBatch validates ops against this Call's side and latch state, then
// — if and only if validation passes for every op — dispatches the
// consolidated transport batch and returns nil. No op's effect is applied
// if any op fails validation: the two-phase validate-then-commit design
// documented in DESIGN.md as the Go-idiomatic replacement for the
// original's validate-and-unwind-partial-mutation approach. The tag
// surfaces through the completion queue once every step of the batch has
// finished.
func (c *Call) StartBatch(ops []Op, tag any) error {
	if len(ops) > 0 && c.cq == nil && !c.usesPollingSet {
		return newCallError(ErrorGeneric, "call has no completion queue or polling-set alternative")
	}
	return c.startBatch(ops, tag, nil)
}

// StartBatchAndExecute is the internal continuation variant of
// StartBatch, §6: instead of posting tag to the completion queue, done is
// invoked directly with the consolidated batch error once the batch
// completes.
func (c *Call) StartBatchAndExecute(ops []Op, done func(error)) error {
	return c.startBatch(ops, nil, done)
}

func (c *Call) startBatch(ops []Op, tag any, done func(error)) error {
	if len(ops) == 0 {
		// Zero ops still post exactly one OK completion, §4.3.
		if done != nil {
			done(nil)
		} else if c.cq != nil {
			c.cq.Post(tag, nil)
		}
		return nil
	}
	if len(ops) > 6 {
		return newCallError(ErrorBatchTooBig, "at most six ops per batch")
	}

	bc, slot, err := c.claimBatchSlot(ops, tag, done)
	if err != nil {
		return err
	}

	c.flagsMu.Lock()
	if err := c.validateOpsLocked(ops); err != nil {
		c.flagsMu.Unlock()
		c.releaseBatchSlot(slot)
		return err
	}
	tb := c.commitOpsLocked(ops)
	c.flagsMu.Unlock()

	c.wireBatchCallbacks(bc, tb)

	c.anyOpsSentAtm.Store(true)
	c.internalRefTake()

	c.combiner.Start(func() {
		c.transport.ExecuteBatch(tb)
	})
	return nil
}

// validateOpsLocked runs every latch/side/flag/metadata check without
// mutating any latch. Called with flagsMu held.
func (c *Call) validateOpsLocked(ops []Op) error {
	seen := map[OpKind]bool{}
	for _, op := range ops {
		if op.Reserved != nil {
			return newCallError(ErrorGeneric, "reserved argument must be nil")
		}
		if seen[op.Kind] {
			return newCallError(ErrorTooManyOperations, "duplicate op kind within one batch")
		}
		seen[op.Kind] = true

		if err := c.validateOpFlags(op); err != nil {
			return err
		}
		if err := validateMetadataMD(op.Metadata); err != nil {
			return err
		}

		switch op.Kind {
		case OpSendInitialMetadata:
			if c.sentInitialMetadata {
				return newCallError(ErrorTooManyOperations, "initial metadata already sent")
			}
		case OpSendMessage:
			if op.Message == nil {
				return newCallError(ErrorInvalidMessage, "send message payload is nil")
			}
			if c.sendingMessage {
				return newCallError(ErrorTooManyOperations, "a send-message op is already outstanding")
			}
		case OpSendCloseFromClient:
			if !c.isClient {
				return newCallError(ErrorNotOnServer, "send-close-from-client is a client-only op")
			}
			if c.sentFinalOp {
				return newCallError(ErrorTooManyOperations, "final send op already issued")
			}
		case OpSendStatusFromServer:
			if c.isClient {
				return newCallError(ErrorNotOnClient, "send-status-from-server is a server-only op")
			}
			if c.sentFinalOp {
				return newCallError(ErrorTooManyOperations, "final send op already issued")
			}
		case OpRecvInitialMetadata:
			if c.receivedInitialMetadata {
				return newCallError(ErrorTooManyOperations, "initial metadata already requested")
			}
			if op.RecvInitialMetadata == nil {
				return newCallError(ErrorPayloadTypeMismatch, "recv-initial-metadata requires an out-pointer")
			}
		case OpRecvMessage:
			if c.receivingMessage {
				return newCallError(ErrorTooManyOperations, "a recv-message op is already outstanding")
			}
			if op.RecvMessage == nil {
				return newCallError(ErrorPayloadTypeMismatch, "recv-message requires an out-pointer")
			}
		case OpRecvStatusOnClient:
			if !c.isClient {
				return newCallError(ErrorNotOnServer, "recv-status-on-client is a client-only op")
			}
			if c.requestedFinalOp {
				return newCallError(ErrorTooManyOperations, "final recv op already requested")
			}
		case OpRecvCloseOnServer:
			if c.isClient {
				return newCallError(ErrorNotOnClient, "recv-close-on-server is a server-only op")
			}
			if c.requestedFinalOp {
				return newCallError(ErrorTooManyOperations, "final recv op already requested")
			}
		}
	}
	return nil
}

// validateOpFlags checks op.Flags against the mask op.Kind allows.
func (c *Call) validateOpFlags(op Op) error {
	switch op.Kind {
	case OpSendInitialMetadata:
		if op.Flags&^initialMetadataFlagsMask != 0 {
			return newCallError(ErrorInvalidFlags, "flags outside the initial-metadata mask")
		}
		if !c.isClient && op.Flags&FlagIdempotentRequest != 0 {
			return newCallError(ErrorInvalidFlags, "idempotent-request is a client-only flag")
		}
	case OpSendMessage:
		if op.Flags&^writeFlagsMask != 0 {
			return newCallError(ErrorInvalidFlags, "flags outside the write mask")
		}
	default:
		if op.Flags != 0 {
			return newCallError(ErrorInvalidFlags, "op kind accepts no flags")
		}
	}
	return nil
}

// commitOpsLocked applies the latches validateOpsLocked already cleared
// and assembles the TransportBatch. Called with flagsMu held.
func (c *Call) commitOpsLocked(ops []Op) *TransportBatch {
	tb := &TransportBatch{}

	for _, op := range ops {
		switch op.Kind {
		case OpSendInitialMetadata:
			c.sentInitialMetadata = true
			md := cloneMD(op.Metadata)
			level, hasLevel := op.CompressionLevel, op.HasCompressionLevel
			if !hasLevel && c.channel != nil {
				level, hasLevel = c.channel.DefaultCompressionLevel()
			}
			// Only a server has seen the peer's accept-encoding headers by
			// the time it sends initial metadata; a downstream filter turns
			// the internal request into the outgoing grpc-encoding header.
			if hasLevel && !c.isClient {
				md.Set("grpc-internal-encoding-request", c.CompressionForLevel(level))
			}
			c.md.sendInitial = md
			tb.SendInitialMetadata = md
			tb.HasSendInitialMetadata = true
			tb.SendInitialMetadataFlags = op.Flags

		case OpSendMessage:
			c.sendingMessage = true
			tb.SendMessage = op.Message
			tb.HasSendMessage = true
			tb.SendMessageFlags = op.Flags

		case OpSendCloseFromClient:
			c.sentFinalOp = true
			c.md.sendTrailing = cloneMD(op.Metadata)
			tb.SendTrailingMetadata = c.md.sendTrailing
			tb.HasSendTrailingMetadata = true

		case OpSendStatusFromServer:
			c.sentFinalOp = true
			md := cloneMD(op.Metadata)
			md.Set("grpc-status", formatStatusCode(op.StatusCode))
			if op.StatusMessage != "" {
				md.Set("grpc-message", op.StatusMessage)
			}
			c.md.sendTrailing = md
			tb.SendTrailingMetadata = md
			tb.HasSendTrailingMetadata = true
			// Record what we send so locally-visible final status agrees
			// with what goes on the wire, §4.3.
			c.status.set(SourceAPIOverride, status.Error(op.StatusCode, op.StatusMessage))

		case OpRecvInitialMetadata:
			c.receivedInitialMetadata = true
			tb.WantRecvInitialMetadata = true

		case OpRecvMessage:
			c.receivingMessage = true
			tb.WantRecvMessage = true

		case OpRecvStatusOnClient, OpRecvCloseOnServer:
			c.requestedFinalOp = true
			tb.WantRecvTrailingMetadata = true
		}
	}
	return tb
}

func cloneMD(md metadata.MD) metadata.MD {
	out := metadata.MD{}
	for k, v := range md {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func formatStatusCode(code codes.Code) string {
	return strconv.Itoa(int(code))
}
