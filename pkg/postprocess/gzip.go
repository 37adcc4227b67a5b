// Package postprocess provides payload post-processing hooks applied between
// the raw storage read and final placement.
package postprocess

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Gunzip decompresses a gzip payload and returns the decompressed bytes.
// Payloads without a gzip header pass through untouched, so the hook is safe
// to install unconditionally.
func Gunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
