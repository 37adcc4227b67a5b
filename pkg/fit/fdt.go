// Copyright © 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package fit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	magic     = 0xd00dfeed
	beginNode = 0x1 // Start node: full name
	endNode   = 0x2 // End node
	propTag   = 0x3 // Property
	nopTag    = 0x4 // nop
	endTag    = 0x9 // End of fdt

	headerVer      = 17
	headerLastComp = 16
	headerLen      = 40
	rsvmapLen      = 16 // one terminating (0, 0) reservation entry
)

type header struct {
	Magic        uint32
	TotalSize    uint32 // total size of DT block
	OffDtStruct  uint32 // offset to structure
	OffDtStrings uint32 // offset to strings
	OffMemRsvmap uint32 // offset to memory reserve map

	Version               uint32
	LastCompatibleVersion uint32

	BootCpuidPhys uint32
	SizeDtStrings uint32 // size of the strings block
	SizeDtStruct  uint32 // size of the structure block
}

func (h *header) String() string {
	return fmt.Sprintf("magic: 0x%x, version %d %d, total size: 0x%x, offset struct 0x%x strings 0x%x mem-reserve-map 0x%x",
		h.Magic, h.Version, h.LastCompatibleVersion,
		h.TotalSize, h.OffDtStruct, h.OffDtStrings, h.OffMemRsvmap)
}

// Node is one named node of the flattened tree. Children keep document
// order; configuration selection depends on it.
type Node struct {
	Name       string
	Depth      int
	Properties map[string][]byte
	Children   []*Node
}

// Tree holds a decoded flattened tree. Property values are views into the
// buffer given to Parse and stay valid only as long as that buffer does.
type Tree struct {
	header
	Debug          bool
	IsLittleEndian bool
	RootNode       *Node
}

// Child returns the direct subnode of the given name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddChild appends a subnode, keeping document order.
func (n *Node) AddChild(c *Node) {
	c.Depth = n.Depth + 1
	n.Children = append(n.Children, c)
}

// SetProperty sets a property value on the node.
func (n *Node) SetProperty(name string, value []byte) {
	if n.Properties == nil {
		n.Properties = make(map[string][]byte)
	}
	n.Properties[name] = value
}

func (n *Node) String() (s string) {
	if n == nil {
		return "nil"
	}
	s = fmt.Sprintf("%*s%s: ", 2*n.Depth, " ", n.Name)
	for name, value := range n.Properties {
		s += fmt.Sprintf("\n%*s%s = %q", 2*(1+n.Depth), " ", name, value)
	}
	for _, c := range n.Children {
		s += fmt.Sprintf("\n%s", c)
	}
	return
}

func (t *Tree) String() string { return t.RootNode.String() }

// TotalSize reads the declared total container size out of a header fragment
// without decoding the rest of the blob. The fragment may be as small as the
// first eight bytes.
func TotalSize(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("header fragment is %d bytes: %w", len(buf), ErrMalformed)
	}
	if binary.BigEndian.Uint32(buf) == magic {
		return binary.BigEndian.Uint32(buf[4:8]), nil
	}
	if binary.LittleEndian.Uint32(buf) == magic {
		return binary.LittleEndian.Uint32(buf[4:8]), nil
	}
	return 0, fmt.Errorf("bad magic 0x%x: %w", binary.BigEndian.Uint32(buf), ErrMalformed)
}

func (t *Tree) getCell(b []byte, i int) (value int, r int, err error) {
	if i < 0 || i+4 > len(b) {
		return 0, i, fmt.Errorf("truncated structure block at 0x%x: %w", i, ErrMalformed)
	}
	return int(t.PropUint32(b[i:])), i + 4, nil
}

func (t *Tree) getString(b []byte, offset int) (string, error) {
	o := int(t.OffDtStrings) + offset
	if o < 0 || o >= len(b) {
		return "", fmt.Errorf("string offset 0x%x outside blob: %w", offset, ErrMalformed)
	}
	l := bytes.IndexByte(b[o:], 0)
	if l < 0 {
		return "", fmt.Errorf("unterminated string at 0x%x: %w", o, ErrMalformed)
	}
	return string(b[o : o+l]), nil
}

func align4(x int) int {
	return (x + 3) &^ 3
}

func (t *Tree) readHeader(buf []byte) error {
	if len(buf) < headerLen {
		return fmt.Errorf("blob is %d bytes, header needs %d: %w", len(buf), headerLen, ErrMalformed)
	}
	fh := bytes.NewReader(buf)
	if t.IsLittleEndian {
		return binary.Read(fh, binary.LittleEndian, &t.header)
	}
	return binary.Read(fh, binary.BigEndian, &t.header)
}

// Parse decodes the flattened tree in buf. Property values alias buf.
func (t *Tree) Parse(buf []byte) error {
	h := &t.header

	if err := t.readHeader(buf); err != nil {
		return err
	}
	if h.Magic != magic {
		return fmt.Errorf("bad magic 0x%x: %w", h.Magic, ErrMalformed)
	}
	if t.Debug {
		debugf("%s", h)
	}
	if int(h.OffDtStruct) > len(buf) || int(h.OffDtStrings) > len(buf) {
		return fmt.Errorf("block offsets outside blob: %w", ErrMalformed)
	}

	// Walk thru nodes until done
	cur := int(h.OffDtStruct)
	stack := []*Node{}
	for {
		var tag int
		var err error
		tag, cur, err = t.getCell(buf, cur)
		if err != nil {
			return err
		}
		if tag == endTag {
			break
		}

		switch tag {
		case beginNode:
			n := &Node{}
			nameLen := bytes.IndexByte(buf[cur:], 0)
			if nameLen < 0 {
				return fmt.Errorf("unterminated node name at 0x%x: %w", cur, ErrMalformed)
			}
			n.Name = "/"
			if nameLen > 0 {
				n.Name = string(buf[cur : cur+nameLen])
			}
			cur = align4(cur + nameLen + 1)
			stack = append(stack, n)
			n.Depth = len(stack)
		case endNode:
			l := len(stack)
			if l == 0 {
				return fmt.Errorf("unbalanced node end at 0x%x: %w", cur, ErrMalformed)
			}
			if l == 1 {
				t.RootNode = stack[0]
			} else {
				stack[l-2].Children = append(stack[l-2].Children, stack[l-1])
			}
			stack = stack[:l-1]
		case nopTag:
		case propTag:
			var valueSize, nameOffset int
			if valueSize, cur, err = t.getCell(buf, cur); err != nil {
				return err
			}
			if nameOffset, cur, err = t.getCell(buf, cur); err != nil {
				return err
			}
			name, err := t.getString(buf, nameOffset)
			if err != nil {
				return err
			}
			if valueSize < 0 || cur+valueSize > len(buf) {
				return fmt.Errorf("property %q value overruns blob: %w", name, ErrMalformed)
			}
			if len(stack) == 0 {
				return fmt.Errorf("property %q outside any node: %w", name, ErrMalformed)
			}
			stack[len(stack)-1].SetProperty(name, buf[cur:cur+valueSize])
			cur = align4(cur + valueSize)
		default:
			return fmt.Errorf("unknown structure tag 0x%x at 0x%x: %w", tag, cur-4, ErrMalformed)
		}
	}

	if len(stack) != 0 {
		return fmt.Errorf("node stack not balanced: %w", ErrMalformed)
	}
	if t.RootNode == nil {
		return fmt.Errorf("no root node: %w", ErrMalformed)
	}
	return nil
}

// NodeByPath walks an absolute slash-separated path from the root and
// returns the node it names, or nil.
func (t *Tree) NodeByPath(path string) *Node {
	if t.RootNode == nil || !strings.HasPrefix(path, "/") {
		return nil
	}
	n := t.RootNode
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if n = n.Child(part); n == nil {
			return nil
		}
	}
	return n
}

// Parses property value as 32 bit integer.
func (t *Tree) PropUint32(b []byte) (value uint32) {
	if t.IsLittleEndian {
		value = binary.LittleEndian.Uint32(b)
	} else {
		value = binary.BigEndian.Uint32(b)
	}
	return
}

// Property value as slice of 32 bit integers.
func (t *Tree) PropUint32Slice(b []byte) (value []uint32) {
	value = make([]uint32, len(b)/4)
	for i := range value {
		value[i] = t.PropUint32(b[i*4:])
	}
	return
}

// Property value as go string.
func (t *Tree) PropString(b []byte) (s string) {
	v := t.PropStringSlice(b)
	return v[0]
}

// Property value as go string slice.
func (t *Tree) PropStringSlice(b []byte) (s []string) {
	return strings.Split(string(b), "\x00")
}

// Write support

func (t *Tree) alignTo(b []byte, align int) []byte {
	for len(b)&(align-1) != 0 {
		b = append(b, 0)
	}
	return b
}

func (t *Tree) PropUint32ToSlice(v uint32) (r []byte) {
	r = make([]byte, 4)
	if t.IsLittleEndian {
		binary.LittleEndian.PutUint32(r, v)
	} else {
		binary.BigEndian.PutUint32(r, v)
	}
	return r
}

func (t *Tree) putCell(b []byte, v uint32) []byte {
	return append(b, t.PropUint32ToSlice(v)...)
}

func (t *Tree) putNode(b []byte, s []byte, n *Node) (bOut []byte, sOut []byte) {
	b = t.putCell(b, beginNode)

	if n.Name != "/" {
		b = append(b, []byte(n.Name)...)
	}
	b = append(b, 0)
	b = t.alignTo(b, 4)

	for name, value := range n.Properties {
		b = t.putCell(b, propTag)
		b = t.putCell(b, uint32(len(value)))
		b = t.putCell(b, uint32(len(s)))
		b = append(b, value...)
		s = append(s, []byte(name)...)
		s = append(s, 0)
		b = t.alignTo(b, 4)
	}

	for _, c := range n.Children {
		b, s = t.putNode(b, s, c)
	}

	b = t.putCell(b, endNode)

	return b, s
}

// FlattenTreeToSlice encodes the tree back into the flattened wire format.
func (t *Tree) FlattenTreeToSlice() []byte {
	m := make([]byte, rsvmapLen) // terminating memory reservation entry
	b := make([]byte, 0)         // structure block
	s := make([]byte, 0)         // string block

	b, s = t.putNode(b, s, t.RootNode)
	b = t.putCell(b, endTag)
	s = t.alignTo(s, 4)

	h := make([]byte, 0, headerLen)
	h = t.putCell(h, magic)
	h = t.putCell(h, uint32(headerLen+len(m)+len(b)+len(s)))
	h = t.putCell(h, uint32(headerLen+len(m)))        // offset to structure
	h = t.putCell(h, uint32(headerLen+len(m)+len(b))) // offset to strings
	h = t.putCell(h, headerLen)                       // offset to memory reserve map
	h = t.putCell(h, headerVer)
	h = t.putCell(h, headerLastComp)
	h = t.putCell(h, 0)              // boot CPU id
	h = t.putCell(h, uint32(len(s))) // size of the strings block
	h = t.putCell(h, uint32(len(b))) // size of the structure block

	h = append(h, m...)
	h = append(h, b...)
	h = append(h, s...)

	return h
}
