// What: frame.go is the length-prefixed wire codec every connection this
// package accepts or dials speaks: a 4-byte big-endian length followed by a
// gob-encoded frame, the same convention internal/bytestore uses for its
// on-disk records, extended here to the wire.
package server

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/quoradb/quoradb/internal/errs"
)

const maxFrameSize = 64 << 20 // 64MiB, generous for a single row batch or log entry

func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return errs.Wrap(errs.Internal, err, "server: encode frame")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.Io, err, "server: write frame length")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errs.Wrap(errs.Io, err, "server: write frame body")
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err // EOF/closed connection propagates to callers unwrapped
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return errs.New(errs.Io, "server: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return errs.Wrap(errs.Io, err, "server: read frame body")
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return errs.Wrap(errs.Internal, err, "server: decode frame")
	}
	return nil
}
