package fit

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Operating-system tags for loaded images.
const (
	OSUnknown uint8 = iota
	OSFirmware
)

// Image describes one loaded payload. The loader fills it in after the
// payload sits at its final address.
type Image struct {
	Name     string
	LoadAddr uint32
	Size     uint32
	Entry    uint32
	Arch     uint8
	OS       uint8
}

// Hooks are the board integration points. All of them are optional.
type Hooks struct {
	// ConfigMismatch reports that a configuration description does NOT
	// name the running board. The first configuration for which it
	// returns false is selected; nil selects the first configuration.
	ConfigMismatch func(description string) bool

	// PostProcess may rewrite a freshly read payload (decompression and
	// the like) before final placement. The returned slice is what gets
	// placed; it may alias the input.
	PostProcess func(data []byte) ([]byte, error)

	// ArchID maps an image architecture tag to an id. Nil and unknown
	// tags resolve to the native id, zero.
	ArchID func(tag string) uint8
}

// Loader copies images out of a container into caller-provided memory.
type Loader struct {
	Debug bool

	// Mem is the memory window all load addresses are resolved against.
	Mem *Memory

	// TextBase is the platform's firmware load base. The container is
	// staged strictly below it.
	TextBase uint32

	Hooks Hooks
}

// loadImage reads one image through its aligned storage window into the
// memory at its load address, post-processes it, and shifts the payload down
// onto the load address itself. img, when non-nil, receives the descriptor;
// its LoadAddr doubles as the fallback for containers that omit one.
func (l *Loader) loadImage(in *LoadInfo, sector uint32, t *Tree, baseOffset uint32, node *Node, img *Image) error {
	dataOff, ok, err := t.propU32(node, "data-offset")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("image %q has no data-offset: %w", node.Name, ErrPropertyMissing)
	}
	length, ok, err := t.propU32(node, "data-size")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("image %q has no data-size: %w", node.Name, ErrPropertyMissing)
	}
	load, ok, err := t.propU32(node, "load")
	if err != nil {
		return err
	}
	if !ok {
		if img == nil {
			return fmt.Errorf("image %q has no load address: %w", node.Name, ErrPropertyMissing)
		}
		load = img.LoadAddr
	}
	entry, _, err := t.propU32(node, "entry")
	if err != nil {
		return err
	}
	var archTag string
	if v, ok := node.Properties["arch"]; ok {
		archTag = t.PropString(v)
	}

	offset := dataOff + baseOffset
	start, overhead, count := in.Window(offset, length)

	dst, err := l.Mem.view(load, count*in.BlockLen)
	if err != nil {
		return err
	}
	if got := in.Read(sector+start, count, dst); got != count {
		return fmt.Errorf("read %d of %d units for image %q: %w",
			got, count, node.Name, ErrShortRead)
	}
	if l.Debug {
		debugf("image %s: dst=0x%x offset=0x%x size=0x%x", node.Name, load, offset, length)
	}

	src := dst[overhead : overhead+length]
	if l.Hooks.PostProcess != nil {
		if src, err = l.Hooks.PostProcess(src); err != nil {
			return fmt.Errorf("post-processing image %q: %w", node.Name, err)
		}
	}

	// Shift the payload down onto the load address. src usually starts
	// inside dst, overhead bytes in; copy has memmove semantics, so the
	// downward overlapping move is safe.
	place, err := l.Mem.view(load, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(place, src)

	if img != nil {
		img.Name = node.Name
		img.LoadAddr = load
		img.Size = uint32(len(src))
		img.Entry = entry
		img.Arch = 0
		if l.Hooks.ArchID != nil {
			img.Arch = l.Hooks.ArchID(archTag)
		}
	}
	return nil
}

// endsLoadables reports that image resolution ran off the end of the
// loadables list, which ends the loop cleanly rather than failing the load.
func endsLoadables(err error) bool {
	return errors.Is(err, errdefs.ErrNotFound) || errors.Is(err, errdefs.ErrOutOfRange)
}

// Load stages the container read from sector and loads the firmware image,
// the hardware description, and any further loadables the selected
// configuration names. hdr must hold the container's first storage unit,
// already read by the caller. The firmware descriptor is written to image;
// callers may preset image.LoadAddr as the fallback load address for
// containers that omit one. Any failure aborts the whole load.
func (l *Loader) Load(in *LoadInfo, sector uint32, hdr []byte, image *Image) error {
	size, err := TotalSize(hdr)
	if err != nil {
		return err
	}
	// External payload data starts right after the container, 4-byte
	// aligned. data-offset properties are relative to that base.
	size = alignUp(size, 4)
	baseOffset := alignUp(size, 4)

	staging := in.stagingAddr(l.TextBase, size)
	if staging >= l.TextBase || staging < l.Mem.Base {
		return fmt.Errorf("staging address 0x%x outside memory below text base 0x%x: %w",
			staging, l.TextBase, ErrMalformed)
	}

	_, _, count := in.Window(0, size)
	buf, err := l.Mem.view(staging, count*in.BlockLen)
	if err != nil {
		return err
	}
	if got := in.Read(sector, count, buf); got == 0 {
		return fmt.Errorf("reading image tree at unit 0x%x: %w", sector, ErrShortRead)
	}
	if l.Debug {
		debugf("image tree: unit=0x%x units=%d staging=0x%x size=0x%x", sector, count, staging, size)
	}

	t := &Tree{}
	if err := t.Parse(buf); err != nil {
		return err
	}

	images := t.NodeByPath(imagesPath)
	if images == nil {
		return fmt.Errorf("%s: %w", imagesPath, ErrNodeNotFound)
	}

	node, err := l.getImageNode(t, images, RoleFirmware, 0)
	if err != nil {
		if l.Debug {
			debugf("no firmware image (%v), trying loadables", err)
		}
		node, err = l.getImageNode(t, images, RoleLoadables, 0)
	}
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrNoFirmware)
	}
	if err := l.loadImage(in, sector, t, baseOffset, node, image); err != nil {
		return err
	}
	image.OS = OSFirmware

	node, err = l.getImageNode(t, images, RoleDescription, 0)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrNoDescription)
	}
	// The hardware description lands right after the firmware image,
	// aligned up to the DMA requirement, unless it carries its own
	// load address.
	desc := Image{LoadAddr: alignUp(image.LoadAddr+image.Size, in.Align)}
	if err := l.loadImage(in, sector, t, baseOffset, node, &desc); err != nil {
		return err
	}

	// The firmware slot may itself have come from the loadables list, so
	// the loop starts past it at index 1.
	for i := 1; ; i++ {
		node, err = l.getImageNode(t, images, RoleLoadables, i)
		if err != nil {
			if endsLoadables(err) {
				break
			}
			return err
		}
		if err := l.loadImage(in, sector, t, baseOffset, node, nil); err != nil {
			return err
		}
	}

	return nil
}
