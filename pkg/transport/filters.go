package transport

import "google.golang.org/grpc/metadata"

// translateEncodingRequest rewrites the surface layer's internal
// compression request header into the wire-visible grpc-encoding header.
// The Call prepends grpc-internal-encoding-request when it resolves a
// compression level; it is this layer's job to turn that into what the
// peer actually sees.
func translateEncodingRequest(md metadata.MD) metadata.MD {
	vals := md.Get("grpc-internal-encoding-request")
	if len(vals) == 0 {
		return md
	}
	out := metadata.MD{}
	for k, v := range md {
		if k == "grpc-internal-encoding-request" {
			continue
		}
		out[k] = v
	}
	out.Set("grpc-encoding", vals[0])
	return out
}
