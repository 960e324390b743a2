// Package call implements the per-RPC state machine that mediates between
// an application issuing asynchronous batched operations and a layered
// transport stack beneath it.
//
// A Call multiplexes application batches onto a single underlying stream,
// ingests and emits metadata, consolidates final status from several
// racing sources, propagates cancellation through a parent/child tree, and
// notifies completion either through a completion queue or a continuation
// closure. The Call never frames, compresses, or transmits bytes itself —
// that is the job of the FilterStack it drives.
package call
