package fit

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

const testTextBase = 0x40000

type testImage struct {
	name  string
	data  []byte
	off   uint32 // payload offset relative to the data base
	props map[string][]byte
}

func strList(names ...string) []byte {
	var b []byte
	for _, n := range names {
		b = append(b, n...)
		b = append(b, 0)
	}
	return b
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*13)
	}
	return b
}

// buildContainer serializes a one-configuration container with external
// payload data appended after the tree, the way image packers lay it out.
func buildContainer(roles map[string][]byte, imgs []testImage) []byte {
	root := &Node{Name: "/", Depth: 1}
	root.SetProperty("description", []byte("test container\x00"))

	images := &Node{Name: "images"}
	root.AddChild(images)
	for _, im := range imgs {
		n := &Node{Name: im.name}
		n.SetProperty("data-offset", u32be(im.off))
		n.SetProperty("data-size", u32be(uint32(len(im.data))))
		for k, v := range im.props {
			n.SetProperty(k, v)
		}
		images.AddChild(n)
	}

	confs := &Node{Name: "configurations"}
	root.AddChild(confs)
	conf := &Node{Name: "conf-1"}
	conf.SetProperty("description", []byte("pine64\x00"))
	for role, v := range roles {
		conf.SetProperty(role, v)
	}
	confs.AddChild(conf)

	blob := (&Tree{RootNode: root}).FlattenTreeToSlice()
	base := alignUp(uint32(len(blob)), 4)
	end := base
	for _, im := range imgs {
		if e := base + im.off + uint32(len(im.data)); e > end {
			end = e
		}
	}
	out := make([]byte, end)
	copy(out, blob)
	for _, im := range imgs {
		copy(out[base+im.off:], im.data)
	}
	return out
}

// dataBase returns the offset external payload data starts at.
func dataBase(t *testing.T, container []byte) uint32 {
	size, err := TotalSize(container)
	require.NoError(t, err)
	return alignUp(size, 4)
}

func blockDevice(data []byte, origin, bl uint32) *LoadInfo {
	disk := make([]byte, alignUp(origin*bl+uint32(len(data)), bl))
	copy(disk[origin*bl:], data)
	return &LoadInfo{
		BlockLen: bl,
		Align:    64,
		Read: func(unit, count uint32, dst []byte) uint32 {
			off := int64(unit) * int64(bl)
			if off >= int64(len(disk)) {
				return 0
			}
			n := copy(dst[:count*bl], disk[off:])
			return uint32(n) / bl
		},
	}
}

func fileDevice(data []byte, align uint32) *LoadInfo {
	return &LoadInfo{
		Filesystem: true,
		BlockLen:   1,
		Align:      align,
		Read: func(off, count uint32, dst []byte) uint32 {
			if int64(off) >= int64(len(data)) {
				return 0
			}
			return uint32(copy(dst[:count], data[off:]))
		},
	}
}

func newTestLoader() *Loader {
	return &Loader{
		Mem:      &Memory{Base: 0, Buf: make([]byte, 0x80000)},
		TextBase: testTextBase,
	}
}

func (l *Loader) memAt(t *testing.T, addr, length uint32) []byte {
	v, err := l.Mem.view(addr, length)
	require.NoError(t, err)
	return v
}

func readHeader(t *testing.T, in *LoadInfo, sector uint32) []byte {
	units := uint32(1)
	if in.Filesystem {
		units = 64
	}
	hdr := make([]byte, units*in.BlockLen)
	require.Equal(t, units, in.Read(sector, units, hdr))
	return hdr
}

func TestLoadBlockModel(t *testing.T) {
	kernel := pattern(1000, 1)
	dtb := pattern(300, 2)
	aux0 := pattern(64, 3)
	aux1 := pattern(128, 4)
	aux2 := pattern(96, 5)

	container := buildContainer(map[string][]byte{
		RoleFirmware:    strList("kernel"),
		RoleDescription: strList("dtb"),
		RoleLoadables:   strList("aux0", "aux1", "aux2"),
	}, []testImage{
		{"kernel", kernel, 0, map[string][]byte{
			"load":  u32be(testTextBase),
			"entry": u32be(testTextBase + 0x40),
			"arch":  []byte("arm64\x00"),
		}},
		{"dtb", dtb, 1024, nil},
		{"aux0", aux0, 2048, map[string][]byte{"load": u32be(0x60000)}},
		{"aux1", aux1, 2176, map[string][]byte{"load": u32be(0x61000)}},
		{"aux2", aux2, 2304, map[string][]byte{"load": u32be(0x62000)}},
	})

	in := blockDevice(container, 3, 512)
	l := newTestLoader()
	l.Hooks.ArchID = func(tag string) uint8 {
		if tag == "arm64" {
			return 22
		}
		return 0
	}

	var image Image
	require.NoError(t, l.Load(in, 3, readHeader(t, in, 3), &image))

	require.Equal(t, "kernel", image.Name)
	require.Equal(t, uint32(testTextBase), image.LoadAddr)
	require.Equal(t, uint32(len(kernel)), image.Size)
	require.Equal(t, uint32(testTextBase+0x40), image.Entry)
	require.Equal(t, uint8(22), image.Arch)
	require.Equal(t, OSFirmware, image.OS)

	require.Equal(t, kernel, l.memAt(t, testTextBase, uint32(len(kernel))))

	dtbAddr := alignUp(testTextBase+uint32(len(kernel)), in.Align)
	require.Equal(t, dtb, l.memAt(t, dtbAddr, uint32(len(dtb))))

	// the loadables loop starts at index 1: aux0 fills the firmware slot
	// role elsewhere and must not be loaded again
	require.Equal(t, make([]byte, len(aux0)), l.memAt(t, 0x60000, uint32(len(aux0))))
	require.Equal(t, aux1, l.memAt(t, 0x61000, uint32(len(aux1))))
	require.Equal(t, aux2, l.memAt(t, 0x62000, uint32(len(aux2))))
}

func TestLoadFileModel(t *testing.T) {
	kernel := pattern(777, 7)
	dtb := pattern(150, 8)

	container := buildContainer(map[string][]byte{
		RoleFirmware:    strList("kernel"),
		RoleDescription: strList("dtb"),
	}, []testImage{
		{"kernel", kernel, 4, map[string][]byte{"load": u32be(testTextBase)}},
		{"dtb", dtb, 1024, nil},
	})

	in := fileDevice(container, 64)
	l := newTestLoader()

	var image Image
	require.NoError(t, l.Load(in, 0, readHeader(t, in, 0), &image))

	require.Equal(t, uint32(len(kernel)), image.Size)
	require.Equal(t, kernel, l.memAt(t, testTextBase, uint32(len(kernel))))

	dtbAddr := alignUp(testTextBase+uint32(len(kernel)), in.Align)
	require.Equal(t, dtb, l.memAt(t, dtbAddr, uint32(len(dtb))))
}

// TestLoadFallbackToLoadable drops the firmware role entirely; the first
// loadable must fill the firmware slot.
func TestLoadFallbackToLoadable(t *testing.T) {
	aux := pattern(256, 9)
	dtb := pattern(100, 10)

	container := buildContainer(map[string][]byte{
		RoleDescription: strList("dtb"),
		RoleLoadables:   strList("aux0"),
	}, []testImage{
		{"aux0", aux, 0, map[string][]byte{"load": u32be(testTextBase)}},
		{"dtb", dtb, 512, nil},
	})

	in := blockDevice(container, 0, 512)
	l := newTestLoader()

	var image Image
	require.NoError(t, l.Load(in, 0, readHeader(t, in, 0), &image))
	require.Equal(t, "aux0", image.Name)
	require.Equal(t, OSFirmware, image.OS)
	require.Equal(t, aux, l.memAt(t, testTextBase, uint32(len(aux))))
}

func TestLoadMissingPrimary(t *testing.T) {
	dtb := pattern(100, 11)
	container := buildContainer(map[string][]byte{
		RoleDescription: strList("dtb"),
	}, []testImage{
		{"dtb", dtb, 0, nil},
	})

	in := blockDevice(container, 0, 512)
	l := newTestLoader()

	var image Image
	err := l.Load(in, 0, readHeader(t, in, 0), &image)
	require.ErrorIs(t, err, ErrNoFirmware)
}

func TestLoadMissingDescription(t *testing.T) {
	kernel := pattern(128, 12)
	container := buildContainer(map[string][]byte{
		RoleFirmware: strList("kernel"),
	}, []testImage{
		{"kernel", kernel, 0, map[string][]byte{"load": u32be(testTextBase)}},
	})

	in := blockDevice(container, 0, 512)
	l := newTestLoader()

	var image Image
	err := l.Load(in, 0, readHeader(t, in, 0), &image)
	require.ErrorIs(t, err, ErrNoDescription)
}

// TestLoadFallbackLoadAddr drops the firmware load property; the preset
// descriptor address must be used instead.
func TestLoadFallbackLoadAddr(t *testing.T) {
	kernel := pattern(200, 13)
	dtb := pattern(64, 14)

	container := buildContainer(map[string][]byte{
		RoleFirmware:    strList("kernel"),
		RoleDescription: strList("dtb"),
	}, []testImage{
		{"kernel", kernel, 0, nil},
		{"dtb", dtb, 256, nil},
	})

	in := blockDevice(container, 0, 512)
	l := newTestLoader()

	image := Image{LoadAddr: testTextBase}
	require.NoError(t, l.Load(in, 0, readHeader(t, in, 0), &image))
	require.Equal(t, uint32(testTextBase), image.LoadAddr)
	require.Equal(t, kernel, l.memAt(t, testTextBase, uint32(len(kernel))))
}

// TestLoadOverlapCopy exercises the in-place downward shift for overhead
// values 0, 1 and align-1: the payload windows overlap their destinations,
// and the placed bytes must still match the source payload exactly.
func TestLoadOverlapCopy(t *testing.T) {
	const align = 64
	kernel := pattern(600, 15)
	dtb := pattern(80, 16)

	probe := buildContainer(map[string][]byte{
		RoleFirmware:    strList("kernel"),
		RoleDescription: strList("dtb"),
	}, []testImage{
		{"kernel", kernel, 0, map[string][]byte{"load": u32be(testTextBase)}},
		{"dtb", dtb, 1024, nil},
	})
	base := dataBase(t, probe)

	for _, want := range []uint32{0, 1, align - 1} {
		off := (want + align - base%align) % align
		container := buildContainer(map[string][]byte{
			RoleFirmware:    strList("kernel"),
			RoleDescription: strList("dtb"),
		}, []testImage{
			{"kernel", kernel, off, map[string][]byte{"load": u32be(testTextBase)}},
			{"dtb", dtb, 1024, nil},
		})
		require.Equal(t, base, dataBase(t, container))
		require.Equal(t, want, (base+off)%align)

		in := fileDevice(container, align)
		l := newTestLoader()

		var image Image
		require.NoError(t, l.Load(in, 0, readHeader(t, in, 0), &image))
		require.Equal(t, kernel, l.memAt(t, testTextBase, uint32(len(kernel))))
	}
}

// TestLoadShortRead truncates the device before the payload: the load must
// fail with the IO kind and leave the descriptor untouched.
func TestLoadShortRead(t *testing.T) {
	kernel := pattern(4096, 17)
	container := buildContainer(map[string][]byte{
		RoleFirmware: strList("kernel"),
	}, []testImage{
		{"kernel", kernel, 0, map[string][]byte{"load": u32be(testTextBase)}},
	})
	base := dataBase(t, container)

	// device ends where the payload begins
	in := blockDevice(container[:base], 0, 512)
	l := newTestLoader()

	var image Image
	err := l.Load(in, 0, readHeader(t, in, 0), &image)
	require.ErrorIs(t, err, ErrShortRead)
	require.ErrorIs(t, err, errdefs.ErrUnavailable)
	require.Empty(t, image.Name)
	require.Zero(t, image.Size)
	require.Equal(t, OSUnknown, image.OS)
}

func TestLoadEmptyDevice(t *testing.T) {
	container := buildContainer(map[string][]byte{
		RoleFirmware: strList("kernel"),
	}, []testImage{
		{"kernel", pattern(64, 18), 0, map[string][]byte{"load": u32be(testTextBase)}},
	})

	in := blockDevice(nil, 0, 512)
	l := newTestLoader()

	hdr := make([]byte, 512)
	copy(hdr, container)
	var image Image
	err := l.Load(in, 0, hdr, &image)
	require.ErrorIs(t, err, ErrShortRead)
}

// TestLoadPostProcess installs a hook that rewrites the payload; the
// rewritten bytes are what must land at the load address.
func TestLoadPostProcess(t *testing.T) {
	kernel := pattern(128, 19)
	dtb := pattern(64, 20)

	container := buildContainer(map[string][]byte{
		RoleFirmware:    strList("kernel"),
		RoleDescription: strList("dtb"),
	}, []testImage{
		{"kernel", kernel, 0, map[string][]byte{"load": u32be(testTextBase)}},
		{"dtb", dtb, 256, nil},
	})

	reverse := func(data []byte) ([]byte, error) {
		out := make([]byte, len(data))
		for i, b := range data {
			out[len(data)-1-i] = b
		}
		return out, nil
	}

	in := blockDevice(container, 0, 512)
	l := newTestLoader()
	l.Hooks.PostProcess = reverse

	var image Image
	require.NoError(t, l.Load(in, 0, readHeader(t, in, 0), &image))

	wantKernel, _ := reverse(kernel)
	require.Equal(t, wantKernel, l.memAt(t, testTextBase, uint32(len(kernel))))
	require.Equal(t, uint32(len(kernel)), image.Size)
}

// TestLoadStagingTooLow rejects containers that cannot be staged inside the
// caller's memory window.
func TestLoadStagingTooLow(t *testing.T) {
	container := buildContainer(map[string][]byte{
		RoleFirmware: strList("kernel"),
	}, []testImage{
		{"kernel", pattern(64, 21), 0, map[string][]byte{"load": u32be(0x400)}},
	})

	in := blockDevice(container, 0, 512)
	l := newTestLoader()
	l.TextBase = 0x200 // below any possible staging window

	var image Image
	err := l.Load(in, 0, readHeader(t, in, 0), &image)
	require.ErrorIs(t, err, ErrMalformed)
}
