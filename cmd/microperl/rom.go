package main

import "fmt"

// BytecodeOrg is the ROM address where the runtime expects the module
// image to begin. The runtime occupies the space below it.
const BytecodeOrg = 0x1000

// ROMSize is the capacity of the target ROM chip.
const ROMSize = 0x8000

// BuildROM lays out a complete ROM: the assembled runtime at 0x0000,
// zero padding up to BytecodeOrg, then the module image.
func BuildROM(runtime, image []byte) ([]byte, error) {
	if len(runtime) > BytecodeOrg {
		return nil, fmt.Errorf("runtime is %d bytes, overlaps bytecode org 0x%04X", len(runtime), BytecodeOrg)
	}
	if BytecodeOrg+len(image) > ROMSize {
		return nil, fmt.Errorf("module image is %d bytes, exceeds ROM capacity", len(image))
	}

	rom := make([]byte, 0, BytecodeOrg+len(image))
	rom = append(rom, runtime...)
	for len(rom) < BytecodeOrg {
		rom = append(rom, 0x00)
	}
	rom = append(rom, image...)
	return rom, nil
}
