package session

import (
	"bytes"
	goerrs "errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, goerrs.New("broken pipe")
}

func TestWriteWithoutWriter(t *testing.T) {
	sess := CreateSession(SessionParams{Id: 1, Tag: "test", Logger: zap.NewNop()})

	require.False(t, sess.Write("100% done"))
}

func TestWritePassesContentThroughVerbatim(t *testing.T) {
	var buf bytes.Buffer
	sess := CreateSession(SessionParams{Id: 1, Tag: "test", Writer: &buf, Logger: zap.NewNop()})

	require.True(t, sess.Write("100% done"))
	require.Equal(t, "100% done", buf.String())
}

func TestWriteReturnsFalseOnSendFailure(t *testing.T) {
	sess := CreateSession(SessionParams{Id: 1, Tag: "test", Writer: failingWriter{}, Logger: zap.NewNop()})

	require.False(t, sess.Write("anything"))
}

func TestWriteAfterDetach(t *testing.T) {
	var buf bytes.Buffer
	sess := CreateSession(SessionParams{Id: 1, Tag: "test", Writer: &buf, Logger: zap.NewNop()})

	sess.DetachWriter()
	require.False(t, sess.Write("late"))
	require.Zero(t, buf.Len())
}

func TestStateMachine(t *testing.T) {
	sess := CreateSession(SessionParams{Id: 7, Tag: "test", Logger: zap.NewNop()})

	require.Equal(t, StateAccepted, sess.State())
	require.True(t, sess.Alive())

	require.True(t, sess.MarkReading())
	require.Equal(t, StateReading, sess.State())

	require.True(t, sess.MarkDispatching())
	require.Equal(t, StateDispatching, sess.State())

	require.True(t, sess.MarkReading())
	require.Equal(t, StateReading, sess.State())
}

func TestClosedIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	sess := CreateSession(SessionParams{Id: 7, Tag: "test", Writer: &buf, Logger: zap.NewNop()})

	sess.Close()
	require.Equal(t, StateClosed, sess.State())
	require.False(t, sess.Alive())

	require.False(t, sess.MarkReading())
	require.False(t, sess.MarkDispatching())
	require.Equal(t, StateClosed, sess.State())

	// Close also releases the writer.
	require.False(t, sess.Write("after close"))
}
