package call

import "google.golang.org/grpc/metadata"

// TransportBatch is what the Call hands the FilterStack below to execute,
// §1/§2: "invoked to 'execute a batch'". It carries the send-side payload
// the Call has already validated and the receive-side wants the Call is
// asking for, plus the completion callbacks the FilterStack must invoke
// exactly once each, asynchronously or not.
type TransportBatch struct {
	SendInitialMetadata      metadata.MD
	HasSendInitialMetadata   bool
	SendInitialMetadataFlags uint32

	SendMessage      []byte
	HasSendMessage   bool
	SendMessageFlags uint32

	// SendTrailingMetadata carries close-from-client (usually empty) or
	// status-from-server (grpc-status/grpc-message already populated by
	// the batch planner, §4.3) metadata.
	SendTrailingMetadata  metadata.MD
	HasSendTrailingMetadata bool

	// Cancel requests the distinct cancel-stream op of §4.7. CancelError
	// is the error the stream should be cancelled with.
	Cancel      bool
	CancelError error

	WantRecvInitialMetadata  bool
	WantRecvMessage          bool
	WantRecvTrailingMetadata bool

	// IncomingMessageCompression/IncomingStreamCompression name how
	// incoming message bytes are tagged. pkg/call never sets these
	// fields, so they are always empty in batches the Call builds.
	IncomingMessageCompression string
	IncomingStreamCompression  string

	// OnComplete fires once, always, when every requested step of this
	// batch has finished — the transport-level completion of §4.3's
	// "steps_to_complete" accounting.
	OnComplete func(error)

	// OnRecvInitialMetadata fires once iff WantRecvInitialMetadata.
	OnRecvInitialMetadata func(metadata.MD, error)

	// OnRecvMessageReady fires once iff WantRecvMessage, handing the Call
	// a MessagePuller to drive the §4.6 assembly loop.
	OnRecvMessageReady func(MessagePuller, error)

	// OnRecvTrailingMetadata fires once iff WantRecvTrailingMetadata.
	OnRecvTrailingMetadata func(metadata.MD, error)
}

// FilterStack is the layered transport stack beneath the Call, §1/§2. The
// Call only ever calls ExecuteBatch, through its Combiner; it never
// inspects what lies below. Concrete implementations (pkg/transport) own
// framing, compression, and wire transmission — all Non-goals of the Call
// itself.
type FilterStack interface {
	ExecuteBatch(batch *TransportBatch)
}
