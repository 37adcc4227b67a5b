// fitload loads a FIT container into an emulated memory window and reports
// the resulting image descriptors. It exercises the same load path a
// first-stage bootloader runs on the real device.
package main

import (
	"log"
	"os"

	"github.com/zoobab/u-boot-pine64/pkg/fit"
	"github.com/zoobab/u-boot-pine64/pkg/platform"
	"github.com/zoobab/u-boot-pine64/pkg/postprocess"
	"github.com/zoobab/u-boot-pine64/pkg/storage"
)

func main() {
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	board := platform.DefaultBoard()
	if args.Board != "" {
		data, err := os.ReadFile(args.Board)
		if err != nil {
			log.Fatalf("Cannot read board description: %v", err)
		}
		if board, err = platform.NewBoard(data); err != nil {
			log.Fatalf("Invalid board description: %v", err)
		}
	}

	f, err := os.Open(args.Image)
	if err != nil {
		log.Fatalf("Cannot open %s: %v", args.Image, err)
	}
	defer f.Close()

	var info *fit.LoadInfo
	if args.Raw {
		info = (&storage.BlockReader{R: f, BlockLen: board.BlockLen}).LoadInfo(board.DMAAlign)
	} else {
		info = (&storage.FileReader{R: f}).LoadInfo(board.DMAAlign)
	}

	memBase := args.MemBase
	if memBase == 0 {
		memBase = board.TextBase - args.MemSize/2
	}
	mem := &fit.Memory{Base: memBase, Buf: make([]byte, args.MemSize)}

	loader := &fit.Loader{
		Debug:    args.Debug,
		Mem:      mem,
		TextBase: board.TextBase,
		Hooks: fit.Hooks{
			ConfigMismatch: board.ConfigMismatch,
			ArchID:         platform.ArchID,
		},
	}
	if args.Gunzip {
		loader.Hooks.PostProcess = postprocess.Gunzip
	}

	// The loader sizes the container from its first storage unit, so read
	// that much up front the same way device probe code does.
	units := uint32(1)
	if info.Filesystem {
		units = 64
	}
	hdr := make([]byte, units*info.BlockLen)
	if got := info.Read(args.Unit, units, hdr); got != units {
		log.Fatalf("Cannot read container header at unit %d", args.Unit)
	}

	image := fit.Image{LoadAddr: board.TextBase}
	if err := loader.Load(info, args.Unit, hdr, &image); err != nil {
		log.Fatalf("Load failed: %v", err)
	}
	log.Printf("Loaded firmware %q: load=0x%x size=0x%x entry=0x%x arch=%d",
		image.Name, image.LoadAddr, image.Size, image.Entry, image.Arch)
}
