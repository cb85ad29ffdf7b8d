package roimage

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// CompressionKind selects the pre-compression a caller can apply to a
// file's bytes before handing them to HandleReg. Nothing in Builder
// invokes these on its own: the inode and hash-tree layers below are
// compression-agnostic, so compressing is purely the caller's choice
// when it knows a file's content compresses well.
type CompressionKind int

const (
	NoCompression CompressionKind = iota
	CompressZstd
	CompressXz
)

// Compress returns data compressed with kind, or data itself unchanged
// for NoCompression.
func Compress(kind CompressionKind, data []byte) ([]byte, error) {
	switch kind {
	case NoCompression:
		return data, nil
	case CompressZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		out := enc.EncodeAll(data, nil)
		enc.Close()
		return out, nil
	case CompressXz:
		var out bytes.Buffer
		w, err := xz.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return nil, vfsErrUnsupportedCompression(kind)
	}
}

// Decompress reverses Compress.
func Decompress(kind CompressionKind, data []byte) ([]byte, error) {
	switch kind {
	case NoCompression:
		return data, nil
	case CompressZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CompressXz:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	default:
		return nil, vfsErrUnsupportedCompression(kind)
	}
}
