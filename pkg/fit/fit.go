// Package fit loads firmware payloads out of Flattened Image Tree containers
// the way a first-stage bootloader does: straight from storage into their
// final memory addresses, through DMA-aligned read windows.
package fit

import (
	"bytes"
	"fmt"
	"log"
)

// Well-known container paths.
const (
	configsPath = "/configurations"
	imagesPath  = "/images"
)

// Configuration roles as encoded in the container. Each role property holds
// an ordered list of image names, concatenated as null-terminated strings.
const (
	RoleFirmware    = "firmware"
	RoleDescription = "fdt"
	RoleLoadables   = "loadables"
)

func debugf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Memory is the caller-provided window of physical memory images are placed
// into. Base is the physical address of Buf[0]. The loader never allocates;
// everything it writes lands in Buf.
type Memory struct {
	Base uint32
	Buf  []byte
}

// view returns the Buf slice backing [addr, addr+length).
func (m *Memory) view(addr, length uint32) ([]byte, error) {
	if addr < m.Base || uint64(addr-m.Base)+uint64(length) > uint64(len(m.Buf)) {
		return nil, fmt.Errorf("window 0x%x+0x%x outside memory 0x%x+0x%x: %w",
			addr, length, m.Base, len(m.Buf), ErrMalformed)
	}
	off := addr - m.Base
	return m.Buf[off : off+length], nil
}

// propU32 fetches a 32-bit property. A property that is present with the
// wrong length is a container defect, not an absence.
func (t *Tree) propU32(n *Node, name string) (uint32, bool, error) {
	v, ok := n.Properties[name]
	if !ok {
		return 0, false, nil
	}
	if len(v) != 4 {
		return 0, true, fmt.Errorf("property %q of node %q has length %d, want 4: %w",
			name, n.Name, len(v), ErrMalformed)
	}
	return t.PropUint32(v), true, nil
}

// selectString walks a null-terminated string list forward index times and
// returns the name it lands on.
func selectString(b []byte, index int) (string, error) {
	for i := 0; i < index; i++ {
		nul := bytes.IndexByte(b, 0)
		if nul < 0 || nul+1 >= len(b) || b[nul+1] == 0 {
			return "", fmt.Errorf("no name at index %d: %w", index, ErrIndexRange)
		}
		b = b[nul+1:]
	}
	if nul := bytes.IndexByte(b, 0); nul >= 0 {
		b = b[:nul]
	}
	if len(b) == 0 {
		return "", fmt.Errorf("no name at index %d: %w", index, ErrIndexRange)
	}
	return string(b), nil
}

// findConfigNode walks the configuration set in document order and returns
// the first entry the board does not reject. The predicate polarity follows
// the board hook contract: true means "this description is not my board".
func (l *Loader) findConfigNode(t *Tree) (*Node, error) {
	confs := t.NodeByPath(configsPath)
	if confs == nil {
		return nil, fmt.Errorf("%s: %w", configsPath, ErrNodeNotFound)
	}
	for _, node := range confs.Children {
		desc, ok := node.Properties["description"]
		if !ok {
			return nil, fmt.Errorf("configuration %q has no description: %w",
				node.Name, ErrMalformed)
		}
		if l.Hooks.ConfigMismatch != nil && l.Hooks.ConfigMismatch(t.PropString(desc)) {
			continue
		}
		if l.Debug {
			debugf("selecting config %q (%s)", node.Name, t.PropString(desc))
		}
		return node, nil
	}
	return nil, ErrNoConfig
}

// getImageNode resolves the index-th image of the given role through the
// selected configuration. The configuration is re-resolved on every call;
// the set is small and fixed for the duration of a load.
func (l *Loader) getImageNode(t *Tree, images *Node, role string, index int) (*Node, error) {
	conf, err := l.findConfigNode(t)
	if err != nil {
		return nil, err
	}
	list, ok := conf.Properties[role]
	if !ok {
		return nil, fmt.Errorf("configuration %q has no %q list: %w",
			conf.Name, role, ErrPropertyMissing)
	}
	name, err := selectString(list, index)
	if err != nil {
		return nil, fmt.Errorf("%q list of configuration %q: %w", role, conf.Name, err)
	}
	node := images.Child(name)
	if node == nil {
		return nil, fmt.Errorf("image %q: %w", name, ErrNodeNotFound)
	}
	return node, nil
}
