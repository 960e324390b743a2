package call

// Channel is the upward handle a Call retains for its lifetime, §3. The
// Call only ever reads the default compression level, the disabled
// encodings, and the peer identity from it; it does not consult
// CallSizeHint. Everything else (dialing, pooling, credentials) belongs
// to the concrete implementation in pkg/channel.
type Channel interface {
	// DefaultCompressionLevel returns the channel-wide default compression
	// level and whether one is configured at all.
	DefaultCompressionLevel() (CompressionLevel, bool)
	// CallSizeHint is a size hint for a received message buffer; pkg/call
	// does not consult it.
	CallSizeHint() int
	// DisabledEncodings lists compression algorithm names the channel has
	// administratively disabled; level-to-algorithm resolution skips them.
	DisabledEncodings() []string
	// Peer identifies the remote endpoint, surfaced via Call.Peer().
	Peer() string
}

// CompletionQueue is the terminal sink for batch completions identified
// by user tags, §1/§6. Mutually exclusive with an external polling-set on
// a given Call (enforced by SetCompletionQueue).
type CompletionQueue interface {
	// Post delivers one batch completion. err is the consolidated batch
	// error (or final status for a batch ending in RecvTrailingMetadata).
	Post(tag any, err error)
	// IsServerQueue reports whether this queue may service server-side
	// accept batches; registering a client-only queue against a server
	// call yields ErrorNotServerCompletionQueue.
	IsServerQueue() bool
}

// CompletionObserver is notified after a Call's final status has been
// computed and delivered to the application, without the Call knowing who
// is listening — the hook pkg/audit and pkg/metrics attach through.
type CompletionObserver interface {
	OnCallCompleted(info FinalCallInfo)
}

// FinalCallInfo is the snapshot a CompletionObserver receives once, at
// teardown, §4.9.
type FinalCallInfo struct {
	Method        string
	IsClient      bool
	StatusCode    int32
	StatusMessage string
	Duration      int64 // nanoseconds
}
