package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusRegisterFirstWriterWins(t *testing.T) {
	var r statusRegister
	first := status.Error(codes.Canceled, "first")
	second := status.Error(codes.Unknown, "second")

	assert.True(t, r.set(SourceAPIOverride, first))
	assert.False(t, r.set(SourceAPIOverride, second))
	got, set := r.get(SourceAPIOverride)
	assert.True(t, set)
	assert.Equal(t, first, got)
}

func TestStatusRegisterPriorityOrdering(t *testing.T) {
	var r statusRegister
	r.set(SourceServerStatus, status.Error(codes.OK, ""))
	r.set(SourceWire, status.Error(codes.Unavailable, "wire"))
	r.set(SourceAPIOverride, status.Error(codes.Canceled, "override"))

	final := r.getFinal(codes.Unknown)
	assert.Equal(t, codes.Canceled, status.Code(final))
}

func TestStatusRegisterFallsBackToOKWhenOnlyOKSet(t *testing.T) {
	var r statusRegister
	r.set(SourceServerStatus, status.Error(codes.OK, ""))

	final := r.getFinal(codes.OK)
	assert.Equal(t, codes.OK, status.Code(final))
}

func TestStatusRegisterDefaultWhenNothingSet(t *testing.T) {
	var r statusRegister
	final := r.getFinal(codes.Unknown)
	require.Error(t, final)
	assert.Equal(t, codes.Unknown, status.Code(final))
}
