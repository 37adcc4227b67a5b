package main

import (
	flags "github.com/jessevdk/go-flags"
)

type arguments struct {
	Image   string `long:"image" short:"i" required:"true" description:"disk image or FIT file to load from"`
	Board   string `long:"board" description:"JSON board description file; defaults to pine64"`
	Raw     bool   `long:"raw" description:"treat the image as a raw block device instead of a file"`
	Unit    uint32 `long:"unit" description:"storage unit the container starts at"`
	MemBase uint32 `long:"mem-base" description:"base address of the emulated memory window; defaults to half the window below the text base"`
	MemSize uint32 `long:"mem-size" default:"67108864" description:"size of the emulated memory window"`
	Gunzip  bool   `long:"gunzip" description:"gunzip compressed payloads after reading"`
	Debug   bool   `long:"debug" short:"d" description:"verbose load progress"`
}

var args arguments
var parser = flags.NewParser(&args, flags.Default)
