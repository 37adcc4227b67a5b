package platform

// Architecture ids reported in image descriptors. ArchDefault stands for
// "native", the architecture the loader itself runs on.
const (
	ArchDefault uint8 = iota
	ArchARM
	ArchARM64
	ArchX86
	ArchX86_64
	ArchRISCV
	ArchMIPS
	ArchPowerPC
)

var archIDs = map[string]uint8{
	"arm":     ArchARM,
	"arm64":   ArchARM64,
	"x86":     ArchX86,
	"x86_64":  ArchX86_64,
	"riscv":   ArchRISCV,
	"mips":    ArchMIPS,
	"powerpc": ArchPowerPC,
}

// ArchID maps a container architecture tag to an id. Unknown and empty tags
// map to ArchDefault.
func ArchID(tag string) uint8 {
	return archIDs[tag]
}
