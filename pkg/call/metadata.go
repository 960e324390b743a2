package call

import (
	"log"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Encoding names recognized on grpc-encoding / content-encoding / the two
// accept-encoding headers, wire-level header semantics per spec.md §6.
const (
	encodingIdentity = "identity"
	encodingGzip     = "gzip"
	encodingDeflate  = "deflate"
	encodingNone     = "none"
)

// acceptEncodingBit is one bit of encodingsAcceptedByPeer.
type acceptEncodingBit uint32

const (
	bitNone acceptEncodingBit = 1 << iota
	bitIdentity
	bitGzip
	bitDeflate
)

var encodingBits = map[string]acceptEncodingBit{
	encodingNone:     bitNone,
	encodingIdentity: bitIdentity,
	encodingGzip:     bitGzip,
	encodingDeflate:  bitDeflate,
}

// metadataBatches holds the four linked metadata batches a Call is either
// sending or has just received, §3 `metadata[receiving?][trailing?]`.
type metadataBatches struct {
	sendInitial  metadata.MD
	sendTrailing metadata.MD
	recvInitial  metadata.MD
	recvTrailing metadata.MD
}

// acceptEncodingCache memoizes the parsed bitset for a raw accept-encoding
// header value, the "cached via a user-data mechanism keyed by a sentinel
// destructor" of spec.md §4.2. Go has no arena user-data slot to hang the
// cache off of, so the memo is a process-wide map keyed by the header
// string — same round-trip law (§8), different storage.
var acceptEncodingCache sync.Map // string -> acceptEncodingBit

func parseAcceptEncoding(header string) acceptEncodingBit {
	if cached, ok := acceptEncodingCache.Load(header); ok {
		return cached.(acceptEncodingBit)
	}
	bits := bitNone
	for _, tok := range strings.Split(header, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		// Unknown entries are logged and ignored.
		if bit, ok := encodingBits[tok]; ok {
			bits |= bit
		} else {
			log.Printf("call: ignoring unknown accept-encoding entry %q", tok)
		}
	}
	acceptEncodingCache.Store(header, bits)
	return bits
}

// formatAcceptEncoding is the inverse of parseAcceptEncoding, used by the
// round-trip law in §8: format(parse(x)) == format(parse(format(parse(x)))).
func formatAcceptEncoding(bits acceptEncodingBit) string {
	var names []string
	for _, name := range []string{encodingNone, encodingIdentity, encodingGzip, encodingDeflate} {
		if bits&encodingBits[name] != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// statusCodeCache memoizes grpc-status header values beyond the 0/1/2 fast
// paths, §4.2 "otherwise parse and memoize".
var statusCodeCache sync.Map // string -> codes.Code

func parseStatusCode(raw string) codes.Code {
	switch raw {
	case "0":
		return codes.OK
	case "1":
		return codes.Canceled
	case "2":
		return codes.Unknown
	}
	if cached, ok := statusCodeCache.Load(raw); ok {
		return cached.(codes.Code)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		statusCodeCache.Store(raw, codes.Unknown)
		return codes.Unknown
	}
	code := codes.Code(n)
	statusCodeCache.Store(raw, code)
	return code
}

// validMetadataKey reports whether key satisfies the header-key syntax:
// non-empty, lowercase alphanumerics plus '-', '_' and '.'.
func validMetadataKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		ch := key[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_' || ch == '.':
		default:
			return false
		}
	}
	return true
}

// validMetadataValue reports whether value is legal for a non-binary key:
// printable ASCII including space. Binary keys ("-bin" suffix) may carry
// arbitrary bytes.
func validMetadataValue(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < 0x20 || value[i] > 0x7e {
			return false
		}
	}
	return true
}

// validateMetadataMD applies the header-validity rules of §4.3 to every
// key/value pair of md.
func validateMetadataMD(md metadata.MD) error {
	for key, values := range md {
		if !validMetadataKey(key) {
			return newCallError(ErrorInvalidMetadata, "illegal metadata key: "+key)
		}
		if strings.HasSuffix(key, "-bin") {
			continue
		}
		for _, v := range values {
			if !validMetadataValue(v) {
				return newCallError(ErrorInvalidMetadata, "illegal metadata value under key "+key)
			}
		}
	}
	return nil
}

// recvInitialResult is everything the recv-initial filter (§4.2) derives
// from the wire headers, besides the stripped-down remaining metadata.
type recvInitialResult struct {
	messageCompression string
	streamCompression   string
	acceptedByPeer      acceptEncodingBit
	remaining           metadata.MD
}

// filterRecvInitialMetadata strips content-encoding, grpc-encoding,
// grpc-accept-encoding and accept-encoding from md, returning the decoded
// compression settings plus what remains for the application.
func filterRecvInitialMetadata(md metadata.MD) recvInitialResult {
	res := recvInitialResult{
		messageCompression: encodingIdentity,
		streamCompression:   encodingIdentity,
		acceptedByPeer:      bitNone | bitIdentity,
		remaining:           metadata.MD{},
	}
	for key, values := range md {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "content-encoding":
			res.streamCompression = values[0]
		case "grpc-encoding":
			res.messageCompression = values[0]
		case "grpc-accept-encoding", "accept-encoding":
			res.acceptedByPeer |= parseAcceptEncoding(values[0])
		default:
			res.remaining[key] = values
		}
	}
	return res
}

// recvTrailingResult is everything the recv-trailing filter (§4.2) derives.
type recvTrailingResult struct {
	// hasStatus is true iff a grpc-status header was present; only then is
	// the wire source recorded at all. finalStatusErr is nil for status 0.
	hasStatus      bool
	finalStatusErr error
	remaining      metadata.MD
}

// filterRecvTrailingMetadata strips grpc-status and grpc-message from md,
// synthesizing a wire error when the status is non-zero.
func filterRecvTrailingMetadata(md metadata.MD) recvTrailingResult {
	res := recvTrailingResult{remaining: metadata.MD{}}
	var code codes.Code
	var message string
	for key, values := range md {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "grpc-status":
			res.hasStatus = true
			code = parseStatusCode(values[0])
		case "grpc-message":
			message = values[0]
		default:
			res.remaining[key] = values
		}
	}
	if res.hasStatus && code != codes.OK {
		res.finalStatusErr = status.Error(code, message)
	}
	return res
}
