package fit

// LoadInfo is the caller-supplied storage interface the loader reads the
// container and its payloads through. Two addressing models exist: byte
// granular reads from a filesystem, windowed to the DMA engine's minimum
// alignment, and raw block reads, windowed to the device block length.
type LoadInfo struct {
	// Read copies count units starting at unit into dst and returns the
	// number of units actually read. dst is always count*BlockLen bytes.
	// It must have no side effect beyond filling dst.
	Read func(unit, count uint32, dst []byte) uint32

	// Filesystem selects the byte-granular model. BlockLen must be 1.
	Filesystem bool

	// BlockLen is the storage unit length in bytes.
	BlockLen uint32

	// Align is the DMA engine's minimum alignment. Must be a power of two.
	Align uint32
}

func alignUp(x, a uint32) uint32 {
	return (x + a - 1) &^ (a - 1)
}

func alignDown(x, a uint32) uint32 {
	return x &^ (a - 1)
}

// alignedOffset returns the unit the read window covering byte offset off
// starts at: the offset rounded down to Align for filesystem reads, the
// block index for raw reads.
func (in *LoadInfo) alignedOffset(off uint32) uint32 {
	if in.Filesystem {
		return alignDown(off, in.Align)
	}
	return off / in.BlockLen
}

// alignedOverhead returns how many bytes of the read window precede the
// requested offset and must be discarded.
func (in *LoadInfo) alignedOverhead(off uint32) uint32 {
	if in.Filesystem {
		return off & (in.Align - 1)
	}
	return off % in.BlockLen
}

// alignedCount returns how many units cover length bytes starting at off.
func (in *LoadInfo) alignedCount(length, off uint32) uint32 {
	length += in.alignedOverhead(off)
	if in.Filesystem {
		return length
	}
	return (length + in.BlockLen - 1) / in.BlockLen
}

// Window computes the read window covering the byte range [off, off+length):
// reading count units starting at unit start and discarding the first
// overhead bytes of the result yields exactly that range.
func (in *LoadInfo) Window(off, length uint32) (start, overhead, count uint32) {
	return in.alignedOffset(off), in.alignedOverhead(off), in.alignedCount(length, off)
}

// stagingAddr places the container strictly below textBase so that the
// staged tree ends before the first byte the firmware image can occupy.
// One extra storage unit is reserved because an image whose payload starts
// mid-unit is read up to one unit before its load address.
func (in *LoadInfo) stagingAddr(textBase, size uint32) uint32 {
	return alignDown(textBase-size-in.BlockLen-(in.Align-1), in.Align)
}
