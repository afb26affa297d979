package webserver

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// flushRecorder captures writes and counts flushes so tests can observe when
// the sink puts bytes on the wire.
type flushRecorder struct {
	header  http.Header
	body    bytes.Buffer
	flushes int
}

func (r *flushRecorder) Header() http.Header {
	if r.header == nil {
		r.header = http.Header{}
	}
	return r.header
}

func (r *flushRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }
func (r *flushRecorder) WriteHeader(int)             {}
func (r *flushRecorder) Flush()                      { r.flushes++ }

func TestTextSinkStreamsFramesIncrementally(t *testing.T) {
	rec := &flushRecorder{}
	sink := newFrameSink(rec, true)

	var raw bytes.Buffer
	for _, payload := range [][]byte{[]byte("a"), []byte("bcde"), []byte("fgh")} {
		raw.Write(buildFrame(0x00, payload))
		require.NoError(t, sink.WriteData(payload))

		// Each frame reaches the wire as it is produced; only the unaligned
		// tail of at most two bytes waits for the next write.
		assert.LessOrEqual(t, len(sink.carry), 2)
		aligned := raw.Len() / 3 * 3
		assert.Equal(t, aligned/3*4, rec.body.Len())
	}
	require.GreaterOrEqual(t, rec.flushes, 2)

	// The emitted prefix is already valid base64 on its own.
	prefix, err := base64.StdEncoding.DecodeString(rec.body.String())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw.Bytes(), prefix))

	require.NoError(t, sink.WriteTrailers(rpc.OK, "", nil))
	require.NoError(t, sink.Close())

	decoded, err := base64.StdEncoding.DecodeString(rec.body.String())
	require.NoError(t, err)

	frames := parseResponseFrames(t, decoded)
	require.Len(t, frames, 4)
	assert.Equal(t, byte(0x00), frames[0].flag)
	assert.Equal(t, []byte("bcde"), frames[1].payload)
	assert.Equal(t, []byte("fgh"), frames[2].payload)
	assert.Equal(t, byte(0x80), frames[3].flag)
}

func TestTextSinkCloseFlushesCarry(t *testing.T) {
	rec := &flushRecorder{}
	sink := newFrameSink(rec, true)

	// A single 7-byte frame leaves a 1-byte carry behind.
	require.NoError(t, sink.WriteData([]byte("xy")))
	require.Len(t, sink.carry, 1)

	require.NoError(t, sink.Close())
	assert.Empty(t, sink.carry)

	decoded, err := base64.StdEncoding.DecodeString(rec.body.String())
	require.NoError(t, err)
	frames := parseResponseFrames(t, decoded)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("xy"), frames[0].payload)
}
