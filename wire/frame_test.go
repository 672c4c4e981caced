package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(start []byte, payload ...byte) []byte {
	b := append([]byte{}, start...)
	b = append(b, payload...)
	return append(b, Terminator...)
}

func TestSplitterSingleFrame(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 0)
	in := frame(StartCanonical, 0x05, 0x01, 0x42)
	out := s.Feed(in)
	require.Equal(t, 1, len(out))
	assert.Equal(t, in, out[0])
}

func TestSplitterExtendedRewrite(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 0)
	out := s.Feed(frame(StartExtended, 0x05, 0x13, 0x42))
	require.Equal(t, 1, len(out))
	assert.Equal(t, frame(StartCanonical, 0x05, 0x13, 0x42), out[0])
}

func TestSplitterPartialChunks(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 0)
	full := frame(StartCanonical, 0x05, 0x12, 0x42)
	assert.Empty(t, s.Feed(full[:3]))
	out := s.Feed(full[3:])
	require.Equal(t, 1, len(out))
	assert.Equal(t, full, out[0])
}

func TestSplitterGarbagePrefix(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 0)
	in := append([]byte{0x00, 0xff, 0x13}, frame(StartCanonical, 0x05)...)
	out := s.Feed(in)
	require.Equal(t, 1, len(out))
	assert.Equal(t, frame(StartCanonical, 0x05), out[0])
}

func TestSplitterBackToBackFrames(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 0)
	f1 := frame(StartCanonical, 0x01)
	f2 := frame(StartExtended, 0x02)
	out := s.Feed(append(append([]byte{}, f1...), f2...))
	require.Equal(t, 2, len(out))
	assert.Equal(t, f1, out[0])
	assert.Equal(t, frame(StartCanonical, 0x02), out[1])
}

func TestSplitterOversizeReset(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 16)
	junk := make([]byte, 64)
	copy(junk, StartCanonical)
	assert.Empty(t, s.Feed(junk)) // no terminator, must not grow forever
	out := s.Feed(frame(StartCanonical, 0x07))
	require.Equal(t, 1, len(out))
}

func TestResolveCommand(t *testing.T) {
	t.Parallel()

	b, err := ResolveCommand(CommandRelayOn, nil)
	require.NoError(t, err)
	assert.Equal(t, "RELAY,1#", string(b))

	b, err = ResolveCommand(CommandRelayOff, nil)
	require.NoError(t, err)
	assert.Equal(t, "RELAY,0#", string(b))

	b, err = ResolveCommand(CommandSetServer, Params{"host": "gps.example.com", "port": "5023"})
	require.NoError(t, err)
	assert.Equal(t, "SERVER,1,gps.example.com,5023,0#", string(b))

	_, err = ResolveCommand(CommandSetServer, nil)
	assert.Error(t, err)

	_, err = ResolveCommand(CommandType("self-destruct"), nil)
	assert.Error(t, err)
	assert.False(t, KnownCommand("self-destruct"))
}
