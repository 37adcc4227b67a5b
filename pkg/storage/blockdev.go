// Package storage provides read interfaces over the two storage models the
// loader understands: raw block devices and filesystem-backed sources.
package storage

import (
	"io"

	"github.com/zoobab/u-boot-pine64/pkg/fit"
)

// BlockReader serves fixed-length blocks from an io.ReaderAt, the way a raw
// SD card or eMMC device does.
type BlockReader struct {
	R        io.ReaderAt
	BlockLen uint32
}

// LoadInfo returns the raw-block read interface with the given DMA alignment.
func (b *BlockReader) LoadInfo(align uint32) *fit.LoadInfo {
	return &fit.LoadInfo{
		Read:     b.Read,
		BlockLen: b.BlockLen,
		Align:    align,
	}
}

// Read copies count blocks starting at block into dst and returns the number
// of whole blocks read.
func (b *BlockReader) Read(block, count uint32, dst []byte) uint32 {
	n, err := b.R.ReadAt(dst[:count*b.BlockLen], int64(block)*int64(b.BlockLen))
	if err != nil && err != io.EOF {
		return 0
	}
	return uint32(n) / b.BlockLen
}

// FileReader serves byte ranges from a filesystem-backed source.
type FileReader struct {
	R io.ReaderAt
}

// LoadInfo returns the filesystem read interface with the given DMA
// alignment. Units are single bytes.
func (f *FileReader) LoadInfo(align uint32) *fit.LoadInfo {
	return &fit.LoadInfo{
		Read:       f.Read,
		Filesystem: true,
		BlockLen:   1,
		Align:      align,
	}
}

// Read copies count bytes starting at off into dst and returns how many were
// read.
func (f *FileReader) Read(off, count uint32, dst []byte) uint32 {
	n, err := f.R.ReadAt(dst[:count], int64(off))
	if err != nil && err != io.EOF {
		return 0
	}
	return uint32(n)
}
