package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRefusesEndpointMarkedDown(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.MarkDown(ctx, "10.0.0.9:9000"))

	ch := New("10.0.0.9:9000", Options{Registry: reg, DialTimeout: 200 * time.Millisecond})
	defer ch.Close()

	_, err := ch.Conn(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marked down")
}

func TestChannelDialsWhenRegistryHasNoMarking(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	ch := New("127.0.0.1:19099", Options{Registry: reg, DialTimeout: 200 * time.Millisecond})
	defer ch.Close()

	// The lazy (non-blocking) dial hands back a connection handle; the
	// registry consult must not reject an unmarked endpoint.
	conn, err := ch.Conn(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)

	down, err := reg.IsDown(ctx, "127.0.0.1:19099")
	require.NoError(t, err)
	assert.False(t, down)
}
