package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareCall(isClient bool) *Call {
	return &Call{isClient: isClient, extRef: newRefcount(1), internalRef: newRefcount(1)}
}

func TestAttachChildRequiresClientChildServerParent(t *testing.T) {
	parent := newBareCall(false)
	badChild := newBareCall(false)
	err := attachChild(parent, badChild, 0)
	require.Error(t, err)
}

func TestAttachChildRequiresCensusPairing(t *testing.T) {
	parent := newBareCall(false)
	child := newBareCall(true)
	err := attachChild(parent, child, PropagateCensusTracing)
	require.Error(t, err)
	ce := err.(*callError)
	assert.Equal(t, ErrorInvalidFlags, ce.code)
}

func TestAttachAndUnlinkChildMaintainsRing(t *testing.T) {
	parent := newBareCall(false)
	a := newBareCall(true)
	b := newBareCall(true)
	c := newBareCall(true)

	require.NoError(t, attachChild(parent, a, 0))
	require.NoError(t, attachChild(parent, b, 0))
	require.NoError(t, attachChild(parent, c, 0))

	var seen []*Call
	forEachChild(parent, func(ch *Call) { seen = append(seen, ch) })
	assert.Len(t, seen, 3)

	unlinkChild(b)

	seen = nil
	forEachChild(parent, func(ch *Call) { seen = append(seen, ch) })
	assert.Len(t, seen, 2)
	assert.NotContains(t, seen, b)
}

func TestUnlinkSoleChildEmptiesRing(t *testing.T) {
	parent := newBareCall(false)
	only := newBareCall(true)
	require.NoError(t, attachChild(parent, only, 0))

	unlinkChild(only)

	pc := parent.parentCallPtr.Load()
	require.NotNil(t, pc)
	assert.Nil(t, pc.firstChild)
}

func TestCancellationPropagationRespectsMask(t *testing.T) {
	parent := newBareCall(false)
	inheriting := newBareCall(true)
	indifferent := newBareCall(true)

	require.NoError(t, attachChild(parent, inheriting, PropagateCancellation))
	require.NoError(t, attachChild(parent, indifferent, 0))

	assert.True(t, inheriting.child.cancellationInherited)
	assert.False(t, indifferent.child.cancellationInherited)
}
