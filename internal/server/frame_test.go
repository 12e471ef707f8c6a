package server

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := sqlFrame{Kind: frameExecute, SQL: "SELECT 1"}

	require.NoError(t, writeFrame(&buf, want))

	var got sqlFrame
	require.NoError(t, readFrame(&buf, &got))
	require.Equal(t, want, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	var got sqlFrame
	err := readFrame(&buf, &got)
	require.Error(t, err)
}

func TestReadFramePropagatesEOF(t *testing.T) {
	var buf bytes.Buffer
	var got sqlFrame
	err := readFrame(&buf, &got)
	require.ErrorIs(t, err, io.EOF)
}
