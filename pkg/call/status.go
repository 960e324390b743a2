package call

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusSource is a priority-ordered origin for a Call's received status.
// Numerically lower sources win ties: application intent overrides wire
// observation overrides internal surface error.
type StatusSource int

const (
	// SourceAPIOverride is status set explicitly by the application
	// (Cancel, CancelWithStatus, the status a server asks to send).
	SourceAPIOverride StatusSource = iota
	// SourceWire is the grpc-status decoded from trailing metadata.
	SourceWire
	// SourceCore is an error raised by an internal batch sub-callback.
	SourceCore
	// SourceSurface is an error raised by the surface layer itself.
	SourceSurface
	// SourceServerStatus is the lowest-priority slot; no path in this
	// package records under it (SendStatusFromServer records under
	// SourceAPIOverride).
	SourceServerStatus

	statusSourceCount
)

// receivedStatus is one slot's payload. A slot holding a receivedStatus
// with a nil err is set-with-OK: the source reported, and what it
// reported was success. A nil *receivedStatus in the slot means unset.
type receivedStatus struct {
	err error
}

// statusRegister is the fixed-width array of atomically readable
// "received status" slots indexed by StatusSource, §4.1.
//
// The original grpc-core packs (is_set, error_pointer) into one tagged
// machine word. Go gives every pointer an implicit validity bit for free,
// so a slot is represented as atomic.Pointer[receivedStatus]: nil means
// unset, any non-nil value means set-once. This is the "two-word atomic
// record" alternative spec.md §9 calls out as equivalent to word-tagging.
type statusRegister struct {
	slots [statusSourceCount]atomic.Pointer[receivedStatus]
}

// set attempts to install err under source, first-writer-wins. A nil err
// records an explicit OK. Returns true if this call won the race.
func (r *statusRegister) set(source StatusSource, err error) bool {
	return r.slots[source].CompareAndSwap(nil, &receivedStatus{err: err})
}

// get returns the error set under source and whether the slot is set at
// all. A (nil, true) result is a recorded OK.
func (r *statusRegister) get(source StatusSource) (error, bool) {
	if v := r.slots[source].Load(); v != nil {
		return v.err, true
	}
	return nil, false
}

// hasExplicitStatus reports whether err carries a gRPC status code (via
// status.FromError), as opposed to a bare Go error.
func hasExplicitStatus(err error) bool {
	_, ok := status.FromError(err)
	return ok && err != nil
}

// getFinal performs the two-pass search of §4.1: first pass excludes
// status=OK, second pass allows it. Within each pass, errors carrying an
// explicit gRPC status are preferred over bare errors. defaultCode is
// UNKNOWN on the client, OK on the server, used when no source is set.
// A nil return is final status OK.
func (r *statusRegister) getFinal(defaultCode codes.Code) error {
	if err, ok := r.scan(true); ok {
		return err
	}
	if err, ok := r.scan(false); ok {
		return err
	}
	if defaultCode == codes.OK {
		return nil
	}
	return status.Error(defaultCode, defaultCode.String())
}

func (r *statusRegister) scan(excludeOK bool) (error, bool) {
	var fallback error
	var fallbackFound bool
	for source := StatusSource(0); source < statusSourceCount; source++ {
		err, set := r.get(source)
		if !set {
			continue
		}
		if excludeOK && status.Code(err) == codes.OK {
			continue
		}
		if err == nil {
			// A recorded OK, reachable only in the second pass.
			return nil, true
		}
		if hasExplicitStatus(err) {
			return err, true
		}
		if !fallbackFound {
			fallback = err
			fallbackFound = true
		}
	}
	return fallback, fallbackFound
}

// statusDetails extracts the message carried by err, or "" if err is nil.
func statusDetails(err error) string {
	if err == nil {
		return ""
	}
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
