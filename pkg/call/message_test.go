package call

import (
	"errors"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPuller struct {
	slices [][]byte
	idx    int
	ready  func()
	closed bool
}

func (p *scriptedPuller) PullSlice() ([]byte, bool, error) {
	if p.idx >= len(p.slices) {
		return nil, true, nil
	}
	s := p.slices[p.idx]
	p.idx++
	if s == nil {
		return nil, false, iox.ErrWouldBlock
	}
	return s, false, nil
}

func (p *scriptedPuller) ArmReady(ready func()) { p.ready = ready }
func (p *scriptedPuller) Close()                { p.closed = true }

func TestAssembleMessageConcatenatesSlices(t *testing.T) {
	puller := &scriptedPuller{slices: [][]byte{[]byte("ab"), []byte("cd")}}

	var got *ReceivedMessage
	var gotErr error
	assembleMessage(puller, false, "identity", func(msg *ReceivedMessage, err error) {
		got = msg
		gotErr = err
	})

	require.NoError(t, gotErr)
	require.NotNil(t, got)
	assert.Equal(t, []byte("abcd"), got.Data)
	assert.True(t, puller.closed)
}

func TestAssembleMessageSuspendsOnWouldBlockAndResumes(t *testing.T) {
	puller := &scriptedPuller{slices: [][]byte{[]byte("ab"), nil, []byte("cd")}}

	var got *ReceivedMessage
	done := false
	assembleMessage(puller, false, "identity", func(msg *ReceivedMessage, err error) {
		got = msg
		done = true
	})

	assert.False(t, done)
	require.NotNil(t, puller.ready)

	puller.ready()

	assert.True(t, done)
	require.NotNil(t, got)
	assert.Equal(t, []byte("abcd"), got.Data)
}

func TestAssembleMessagePropagatesTerminalError(t *testing.T) {
	boom := errors.New("boom")
	adapter := &errorPuller{err: boom}

	var gotErr error
	assembleMessage(adapter, false, "identity", func(msg *ReceivedMessage, err error) {
		gotErr = err
	})
	require.ErrorIs(t, gotErr, boom)
}

type errorPuller struct{ err error }

func (p *errorPuller) PullSlice() ([]byte, bool, error) { return nil, false, p.err }
func (p *errorPuller) ArmReady(func())                  {}
func (p *errorPuller) Close()                           {}
