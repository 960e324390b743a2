package transport

import "google.golang.org/grpc/encoding"

// rawCodec passes message bytes straight through, registered under the
// "raw" content-subtype. Payloads reach this layer already serialized
// (pkg/service packs them); pkg/call only records compression choices in
// metadata and never frames or compresses bytes, so this codec has
// nothing to encode or decode.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return nil, errUnsupportedPayload
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return errUnsupportedPayload
	}
	*out = append((*out)[:0], data...)
	return nil
}

var errUnsupportedPayload = rawCodecError("transport: raw codec only carries []byte payloads")

type rawCodecError string

func (e rawCodecError) Error() string { return string(e) }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
