package call

import "fmt"

// ErrorCode is the call-error vocabulary returned synchronously by
// StartBatch and the other call-level entry points. It is distinct from
// the Go error interface: ErrorCode reports programmer misuse detected at
// the API boundary, while error carries wire/transport failures that end
// up consolidated into a final Status.
type ErrorCode int

const (
	ErrorOK ErrorCode = iota
	// ErrorGeneric is a catch-all for failures with no more specific code.
	ErrorGeneric
	// ErrorNotOnClient reports an op kind legal only on server calls.
	ErrorNotOnClient
	// ErrorNotOnServer reports an op kind legal only on client calls.
	ErrorNotOnServer
	// ErrorAlreadyAccepted reports a server call accepted twice.
	ErrorAlreadyAccepted
	// ErrorAlreadyInvoked is part of the vocabulary but no path in this
	// package returns it; StartBatch reports reuse of a once-only op as
	// ErrorTooManyOperations.
	ErrorAlreadyInvoked
	// ErrorAlreadyFinished reports an op submitted after the call's final
	// status has already been delivered.
	ErrorAlreadyFinished
	// ErrorTooManyOperations reports an op kind repeated within one batch,
	// a once-only op kind already used by an earlier batch, or all batch
	// slots being in use.
	ErrorTooManyOperations
	// ErrorInvalidFlags reports a flags value outside the allowed mask.
	ErrorInvalidFlags
	// ErrorInvalidMetadata reports a metadata key or value that fails
	// header-validity rules.
	ErrorInvalidMetadata
	// ErrorInvalidMessage reports a SendMessage op with a nil payload.
	ErrorInvalidMessage
	// ErrorNotServerCompletionQueue reports a completion queue registered
	// that cannot service server-side batches.
	ErrorNotServerCompletionQueue
	// ErrorBatchTooBig reports a batch or metadata count overflow.
	ErrorBatchTooBig
	// ErrorPayloadTypeMismatch reports a payload shape mismatch, such as a
	// receive op without its output pointer. A non-nil reserved argument
	// is reported as ErrorGeneric.
	ErrorPayloadTypeMismatch
	// ErrorCompletionQueueShutdown reports a batch submitted against a
	// completion queue that has already shut down.
	ErrorCompletionQueueShutdown
	// ErrorNotInvoked reports an operation that requires the call to have
	// been invoked/accepted first.
	ErrorNotInvoked
)

var errorCodeNames = map[ErrorCode]string{
	ErrorOK:                       "OK",
	ErrorGeneric:                  "ERROR",
	ErrorNotOnClient:              "NOT_ON_CLIENT",
	ErrorNotOnServer:              "NOT_ON_SERVER",
	ErrorAlreadyAccepted:          "ALREADY_ACCEPTED",
	ErrorAlreadyInvoked:           "ALREADY_INVOKED",
	ErrorAlreadyFinished:          "ALREADY_FINISHED",
	ErrorTooManyOperations:        "TOO_MANY_OPERATIONS",
	ErrorInvalidFlags:             "INVALID_FLAGS",
	ErrorInvalidMetadata:          "INVALID_METADATA",
	ErrorInvalidMessage:           "INVALID_MESSAGE",
	ErrorNotServerCompletionQueue: "NOT_SERVER_COMPLETION_QUEUE",
	ErrorBatchTooBig:              "BATCH_TOO_BIG",
	ErrorPayloadTypeMismatch:      "PAYLOAD_TYPE_MISMATCH",
	ErrorCompletionQueueShutdown:  "COMPLETION_QUEUE_SHUTDOWN",
	ErrorNotInvoked:               "NOT_INVOKED",
}

// String returns the diagnostic name for the error code, e.g.
// "TOO_MANY_OPERATIONS".
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// callError pairs an ErrorCode with a human-readable reason so callers get
// both the stable code and a diagnosable message.
type callError struct {
	code   ErrorCode
	reason string
}

func (e *callError) Error() string {
	if e.reason == "" {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.reason)
}

func newCallError(code ErrorCode, reason string) *callError {
	return &callError{code: code, reason: reason}
}
