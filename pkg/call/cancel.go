package call

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Cancel cancels the call with status CANCELLED and no message, §4.7.
func (c *Call) Cancel() error {
	c.cancelWithError(SourceAPIOverride, status.Error(codes.Cancelled, ""))
	return nil
}

// CancelWithStatus cancels the call with an application-chosen code and
// description, recorded under SourceAPIOverride so it outranks any status
// the wire delivers later, §4.7/§6.
func (c *Call) CancelWithStatus(code codes.Code, description string) error {
	c.cancelWithError(SourceAPIOverride, status.Error(code, description))
	return nil
}

// cancelWithError is the internal cancellation entry every path funnels
// through: user cancel, drop-before-final-status, parent propagation, and
// the synthetic cancellation a failing batch sub-callback triggers. Only
// the first status recorded under a given source sticks; later calls are
// no-ops for status purposes but still forward the cancel signal once.
func (c *Call) cancelWithError(source StatusSource, err error) {
	c.status.set(source, err)

	c.flagsMu.Lock()
	alreadyCancelled := c.cancelled
	c.cancelled = true
	c.flagsMu.Unlock()
	if alreadyCancelled {
		return
	}

	// Termination ref: held until the cancel-stream batch completes so the
	// Call cannot be destroyed out from under the transport.
	c.internalRefTake()
	c.combiner.Cancel(func() {
		if c.transport == nil {
			c.internalUnref()
			return
		}
		c.transport.ExecuteBatch(&TransportBatch{
			Cancel:      true,
			CancelError: err,
			OnComplete:  func(error) { c.internalUnref() },
		})
	})
}

// cancelInheritedChildren walks the sibling ring cancelling every child
// that opted into cancellation inheritance. Invoked once trailing
// metadata has been processed, §4.2.
func (c *Call) cancelInheritedChildren() {
	forEachChild(c, func(child *Call) {
		if child.child != nil && child.child.cancellationInherited {
			child.cancelWithError(SourceAPIOverride, status.Error(codes.Cancelled, "parent call finished"))
		}
	})
}
