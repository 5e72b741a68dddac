package fsm

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/security"
)

func TestDecode_PlainPassesThrough(t *testing.T) {
	v := security.NewValidator(1024, 10)

	state, compressed, err := Decode(bytes.NewReader([]byte("raw machine state")), v)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, "raw machine state", string(state))
}

func TestEncodeDecode_Gzip(t *testing.T) {
	v := security.NewValidator(1<<20, 100)
	state := bytes.Repeat([]byte("v86 "), 64)

	stored, err := Encode(state, true)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(stored, gzipMagic))

	got, compressed, err := Decode(bytes.NewReader(stored), v)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, state, got)
}

func TestDecode_RejectsCompressionBomb(t *testing.T) {
	v := security.NewValidator(1<<20, 10)
	stored, err := Encode(make([]byte, 512*1024), true)
	require.NoError(t, err)

	_, _, err = Decode(bytes.NewReader(stored), v)
	assert.True(t, errors.Is(err, security.ErrRejected), "got %v", err)
}

func TestDecode_RejectsInflatedOversize(t *testing.T) {
	v := security.NewValidator(1024, 1e9)
	stored, err := Encode(make([]byte, 4096), true)
	require.NoError(t, err)

	_, _, err = Decode(bytes.NewReader(stored), v)
	assert.True(t, errors.Is(err, security.ErrRejected), "got %v", err)
}

func TestDecode_RejectsCorruptGzip(t *testing.T) {
	v := security.NewValidator(1024, 10)

	_, _, err := Decode(bytes.NewReader([]byte{0x1f, 0x8b, 0x00, 0x01, 0x02}), v)
	assert.True(t, errors.Is(err, security.ErrRejected), "got %v", err)
}

func TestInflate(t *testing.T) {
	stored, err := Encode([]byte("state"), true)
	require.NoError(t, err)

	rc, err := Inflate(io.NopCloser(bytes.NewReader(stored)), true)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "state", string(got))

	plain, err := Inflate(io.NopCloser(bytes.NewReader([]byte("state"))), false)
	require.NoError(t, err)
	got, _ = io.ReadAll(plain)
	assert.Equal(t, "state", string(got))
}
