package call

import (
	"errors"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// batchControl tracks one in-flight StartBatch invocation from dispatch
// through the consolidated completion the original calls
// "post_batch_completion", §4.4. It occupies one of the Call's six
// concurrent batch slots for its lifetime.
type batchControl struct {
	call        *Call
	tag         any
	done        func(error)
	ops         []Op
	isRecvFinal bool
	slot        int

	recvInitialOp  *metadata.MD
	recvMessageOp  *ReceivedMessage
	recvStatusCode *codes.Code
	recvStatusMsg  *string
	recvTrailingOp *metadata.MD

	mu            sync.Mutex
	pending       int
	errs          []error
	stashedPuller MessagePuller
}

// claimBatchSlot reserves a free entry in the Call's batch-control pool,
// §4.4. A Call may have at most six batches outstanding simultaneously.
func (c *Call) claimBatchSlot(ops []Op, tag any, done func(error)) (*batchControl, int, error) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	slot := -1
	for i, bc := range c.activeBatches {
		if bc == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, 0, newCallError(ErrorTooManyOperations, "six batches already outstanding on this call")
	}

	bc := &batchControl{call: c, tag: tag, done: done, ops: ops, slot: slot}
	for i := range ops {
		op := &ops[i]
		switch op.Kind {
		case OpRecvInitialMetadata:
			bc.recvInitialOp = op.RecvInitialMetadata
		case OpRecvMessage:
			bc.recvMessageOp = op.RecvMessage
		case OpRecvStatusOnClient, OpRecvCloseOnServer:
			bc.isRecvFinal = true
			bc.recvStatusCode = op.RecvStatusCode
			bc.recvStatusMsg = op.RecvStatusMessage
			bc.recvTrailingOp = op.RecvTrailingMetadata
		}
	}
	c.activeBatches[slot] = bc
	return bc, slot, nil
}

func (c *Call) releaseBatchSlot(slot int) {
	c.batchMu.Lock()
	c.activeBatches[slot] = nil
	c.batchMu.Unlock()
}

// wireBatchCallbacks attaches bc's bookkeeping to every completion path
// tb can take, and computes how many independent legs bc must wait on
// before it can consolidate, §4.4.
func (c *Call) wireBatchCallbacks(bc *batchControl, tb *TransportBatch) {
	bc.pending = 1 // the baseline ExecuteBatch completion
	if tb.WantRecvInitialMetadata {
		bc.pending++
	}
	if tb.WantRecvMessage {
		bc.pending++
	}
	if tb.WantRecvTrailingMetadata {
		bc.pending++
	}

	// Receive sub-callbacks are serialized through the combiner so at most
	// one goroutine mutates call-level stream state at a time, §5.
	serialize := func(fn func()) { c.combiner.Start(fn) }

	tb.OnComplete = func(err error) {
		serialize(func() { bc.finishStep(err) })
	}

	onRecvInitialMetadata := func(md metadata.MD, err error) {
		if err == nil {
			res := filterRecvInitialMetadata(md)
			c.incomingMessageCompression = res.messageCompression
			c.incomingStreamCompression = res.streamCompression
			c.encodingsAcceptedByPeer |= res.acceptedByPeer
			c.flagsMu.Lock()
			c.md.recvInitial = res.remaining
			c.flagsMu.Unlock()
			if bc.recvInitialOp != nil {
				*bc.recvInitialOp = res.remaining
			}
		}
		stashed, orderErr := c.recvOrder.onInitialMetadataReady()
		if orderErr != nil {
			// Misbehaving transport: fail this leg with the internal
			// error; finishStep records it under SourceCore and cancels.
			bc.finishStep(orderErr)
			return
		}
		if stashed != nil {
			stashed.resumeStashedMessage()
		}
		bc.finishStep(err)
	}
	tb.OnRecvInitialMetadata = func(md metadata.MD, err error) {
		serialize(func() { onRecvInitialMetadata(md, err) })
	}

	onRecvMessageReady := func(puller MessagePuller, err error) {
		if err != nil {
			bc.finishStep(err)
			return
		}
		if puller == nil {
			// End of stream with no message pending.
			if bc.recvMessageOp != nil {
				*bc.recvMessageOp = ReceivedMessage{}
			}
			c.clearReceivingMessage()
			bc.finishStep(nil)
			return
		}
		if !c.recvOrder.onMessageReady(bc) {
			bc.stashedPuller = puller
			return
		}
		bc.assembleFrom(puller)
	}
	tb.OnRecvMessageReady = func(puller MessagePuller, err error) {
		serialize(func() { onRecvMessageReady(puller, err) })
	}

	onRecvTrailingMetadata := func(md metadata.MD, err error) {
		if err == nil {
			res := filterRecvTrailingMetadata(md)
			c.flagsMu.Lock()
			c.md.recvTrailing = res.remaining
			c.flagsMu.Unlock()
			if bc.recvTrailingOp != nil {
				*bc.recvTrailingOp = res.remaining
			}
			if res.hasStatus {
				c.status.set(SourceWire, res.finalStatusErr)
			}
		}
		// Release ordering: a reader observing true also sees every
		// trailing-metadata effect above, §5.
		c.receivedFinalOpAtm.Store(true)
		c.cancelInheritedChildren()
		bc.finishStep(err)
	}
	tb.OnRecvTrailingMetadata = func(md metadata.MD, err error) {
		serialize(func() { onRecvTrailingMetadata(md, err) })
	}
}

// resumeStashedMessage is invoked once initial metadata has been
// processed for a message batch that arrived first and was stashed by
// the receive-ordering coordinator, §4.5.
func (bc *batchControl) resumeStashedMessage() {
	puller := bc.stashedPuller
	bc.stashedPuller = nil
	bc.assembleFrom(puller)
}

func (bc *batchControl) assembleFrom(puller MessagePuller) {
	compressed := bc.call.incomingMessageCompression != "" && bc.call.incomingMessageCompression != encodingIdentity
	assembleMessage(puller, compressed, bc.call.incomingMessageCompression, func(msg *ReceivedMessage, err error) {
		if err == nil && bc.recvMessageOp != nil {
			if msg != nil {
				*bc.recvMessageOp = *msg
			} else {
				*bc.recvMessageOp = ReceivedMessage{}
			}
		}
		bc.call.clearReceivingMessage()
		bc.finishStep(err)
	})
}

func (c *Call) clearReceivingMessage() {
	c.flagsMu.Lock()
	c.receivingMessage = false
	c.flagsMu.Unlock()
}

// finishStep records one leg's outcome and, once every leg of this batch
// has reported, consolidates and delivers the completion, §4.4. The first
// error added triggers a synthetic cancellation under SourceCore so the
// rest of the stream winds down rather than waiting on legs that will
// never fire, §7.
func (bc *batchControl) finishStep(err error) {
	var firstErr bool
	bc.mu.Lock()
	if err != nil {
		firstErr = len(bc.errs) == 0
		bc.errs = append(bc.errs, err)
	}
	bc.pending--
	done := bc.pending == 0
	consolidated := errors.Join(bc.errs...)
	bc.mu.Unlock()

	if firstErr {
		bc.call.cancelWithError(SourceCore, err)
	}
	if !done {
		return
	}
	bc.complete(consolidated)
}

func (bc *batchControl) complete(consolidated error) {
	call := bc.call

	if bc.isRecvFinal {
		defaultCode := codes.Unknown
		if !call.isClient {
			defaultCode = codes.OK
		}
		finalErr := call.status.getFinal(defaultCode)
		code := status.Code(finalErr)
		if bc.recvStatusCode != nil {
			*bc.recvStatusCode = code
		}
		if bc.recvStatusMsg != nil {
			*bc.recvStatusMsg = statusDetails(finalErr)
		}
		// The terminal user-facing result is the final status written
		// above; the batch's own error is suppressed, §4.4/§7.
		consolidated = nil
	}

	if bc.hasSendLeg(OpSendMessage) {
		call.flagsMu.Lock()
		call.sendingMessage = false
		call.flagsMu.Unlock()
	}

	call.releaseBatchSlot(bc.slot)
	if bc.done != nil {
		bc.done(consolidated)
	} else if call.cq != nil {
		call.cq.Post(bc.tag, consolidated)
	}
	call.internalUnref()
}

func (bc *batchControl) hasSendLeg(kind OpKind) bool {
	for _, op := range bc.ops {
		if op.Kind == kind {
			return true
		}
	}
	return false
}
