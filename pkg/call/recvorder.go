package call

import (
	"errors"
	"sync/atomic"
)

// errInitialMetadataTwice reports a misbehaving transport delivering
// recv_initial_metadata_ready more than once for the same Call. Surfaced
// as an internal error rather than aborting the process.
var errInitialMetadataTwice = errors.New("call: recv_initial_metadata_ready delivered twice")

// recvOrderSlot is the payload of the Receive-Ordering Coordinator's
// single atomic word, §4.5. Exactly one of two shapes is ever stored:
// the shared recvInitialFirstMarker (state INITIAL_FIRST), or a
// slot holding the batch control a racing message-ready stashed.
type recvOrderSlot struct {
	initialFirst bool
	bc           *batchControl
}

var recvInitialFirstMarker = &recvOrderSlot{initialFirst: true}

// recvOrderCoordinator resolves the race between "initial metadata arrived
// first" and "first message arrived first" with a single CAS word, so
// message processing never starts before the compression settings initial
// metadata carries are known.
type recvOrderCoordinator struct {
	state atomic.Pointer[recvOrderSlot]
}

// onInitialMetadataReady is the initial-md-ready transition. It fires at
// most once per Call; a transport delivering it twice is a protocol
// violation below this layer, reported as errInitialMetadataTwice so the
// caller can fail the batch and cancel the call instead of crashing the
// process.
//
// On success, returns the batch control a prior message-ready stashed, if
// the message raced ahead of initial metadata and is waiting to resume.
func (c *recvOrderCoordinator) onInitialMetadataReady() (stashed *batchControl, err error) {
	if c.state.CompareAndSwap(nil, recvInitialFirstMarker) {
		return nil, nil
	}
	cur := c.state.Load()
	if cur == nil || cur.initialFirst {
		return nil, errInitialMetadataTwice
	}
	return cur.bc, nil
}

// onMessageReady is the message-ready transition. If initial metadata has
// already been processed (or itself just won the race), processNow is
// true and the caller should assemble the message immediately. Otherwise
// bc has been stashed for onInitialMetadataReady to resume later.
func (c *recvOrderCoordinator) onMessageReady(bc *batchControl) (processNow bool) {
	if c.state.CompareAndSwap(nil, &recvOrderSlot{bc: bc}) {
		return false
	}
	return true
}
