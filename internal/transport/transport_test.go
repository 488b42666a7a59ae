package transport_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationdaq/rtstation/internal/transport"
)

func TestFileWriterReader_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")

	w, err := transport.CreateFileWriter(path, 4096)
	require.NoError(t, err)

	payload := []byte("station packet payload bytes")
	n, err := w.Write(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, w.Close())

	r, err := transport.OpenFileReader(path)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, len(payload))
	read, err := r.ReadAtLeast(context.Background(), got, len(payload))
	require.NoError(t, err)
	assert.Equal(t, len(payload), read)
	assert.Equal(t, payload, got)
}

func TestFileReader_ShortReadReturnsEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")

	w, err := transport.CreateFileWriter(path, 64)
	require.NoError(t, err)

	_, err = w.Write(context.Background(), []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := transport.OpenFileReader(path)
	require.NoError(t, err)
	defer r.Close()

	dst := make([]byte, 10)
	_, err = r.ReadAtLeast(context.Background(), dst, 10)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestZstdWriterReader_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.zst")

	w, err := transport.CreateZstdWriter(path)
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	_, err = w.Write(context.Background(), payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := transport.OpenZstdReader(path, false)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, len(payload))
	_, err = r.ReadAtLeast(context.Background(), got, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestResolveOutputName_SubstitutesBracketsAfterStrftime(t *testing.T) {
	start := time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)

	got, err := transport.ResolveOutputName("obs-%Y%m%d/port[[port]]-iter[[iter]].dat", start, 2, 7, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "obs-20260731/port2-iter7.dat", got)
}
