package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// Magic bytes for module images: "MPL" followed by the format version.
var Magic = []byte{'M', 'P', 'L', 0x01}

// Module image layout constants. All multi-byte header fields are
// little-endian, matching the Z80 runtime.
const (
	HeaderSize = 12 // magic(4) + strtab_offset(2) + code_len(2) + entry(2) + reserved(2)

	MaxCodeSize   = 0xFFFF // code length must fit the u16 header field
	MaxStrings    = 255    // string table count is a single byte
	MaxStringLen  = 255    // each entry is length-prefixed with a single byte
	MaxGlobalSlot = 0xFFFF // global indexes are u16 operands
	MaxLocalSlots = 255    // local slots are u8 operands
)

// Sub describes one compiled subroutine.
type Sub struct {
	Name      string
	Addr      uint16 // code offset of its ENTER instruction
	NumParams uint8
}

// Module is a compiled bytecode module: code, string pool, and the
// symbol information carried alongside for debugging and packaging.
type Module struct {
	// Code section
	Code []byte

	// String constant pool, referenced by PUSHSTR index
	Strings []string

	// Global variable names in slot order (debug info only; not in the image)
	Globals []string

	// Subroutine table (debug info only; not in the image)
	Subs []Sub

	// Entry point offset into code; top-level code always starts at 0
	Entry uint16
}

// NewModule creates an empty module.
func NewModule() *Module {
	return &Module{
		Code:    make([]byte, 0, 256),
		Strings: make([]string, 0, 8),
	}
}

// AddString interns a string in the constant pool and returns its index.
// Duplicate content shares an index.
func (m *Module) AddString(s string) int {
	for i, existing := range m.Strings {
		if existing == s {
			return i
		}
	}
	m.Strings = append(m.Strings, s)
	return len(m.Strings) - 1
}

// Emit appends a bare opcode and returns its offset.
func (m *Module) Emit(op Opcode) int {
	offset := len(m.Code)
	m.Code = append(m.Code, byte(op))
	return offset
}

// EmitByte appends an opcode with a single operand byte.
func (m *Module) EmitByte(op Opcode, b byte) int {
	offset := len(m.Code)
	m.Code = append(m.Code, byte(op), b)
	return offset
}

// EmitWord appends an opcode with a little-endian 16-bit operand.
func (m *Module) EmitWord(op Opcode, w uint16) int {
	offset := len(m.Code)
	m.Code = append(m.Code, byte(op), byte(w), byte(w>>8))
	return offset
}

// EmitJump appends a jump-family opcode with the 0xFFFF placeholder and
// returns the offset of the operand for later patching.
func (m *Module) EmitJump(op Opcode) int {
	m.Code = append(m.Code, byte(op), 0xFF, 0xFF)
	return len(m.Code) - 2
}

// PatchWord overwrites the 16-bit operand at the given offset.
func (m *Module) PatchWord(offset int, addr uint16) {
	m.Code[offset] = byte(addr)
	m.Code[offset+1] = byte(addr >> 8)
}

// Pos returns the current end of the code section.
func (m *Module) Pos() int {
	return len(m.Code)
}

// Image serializes the module to its wire format:
//
//	[magic:4] [strtab_offset:u16] [code_len:u16] [entry:u16] [reserved:u16]
//	[code:...]
//	[strtab: count:u8 then (len:u8 bytes...) per entry]
//
// The string table offset is absolute from the module base.
func (m *Module) Image() ([]byte, error) {
	codeLen, err := safecast.Conv[uint16](len(m.Code))
	if err != nil || len(m.Code) > MaxCodeSize {
		return nil, fmt.Errorf("code section too large: %d bytes", len(m.Code))
	}
	if len(m.Strings) > MaxStrings {
		return nil, fmt.Errorf("string table too large: %d entries", len(m.Strings))
	}

	buf := make([]byte, 0, HeaderSize+len(m.Code)+64)
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint16(buf, HeaderSize+codeLen)
	buf = binary.LittleEndian.AppendUint16(buf, codeLen)
	buf = binary.LittleEndian.AppendUint16(buf, m.Entry)
	buf = binary.LittleEndian.AppendUint16(buf, 0) // reserved

	buf = append(buf, m.Code...)

	buf = append(buf, byte(len(m.Strings)))
	for i, s := range m.Strings {
		n, err := safecast.Conv[uint8](len(s))
		if err != nil {
			return nil, fmt.Errorf("string constant %d too long: %d bytes", i, len(s))
		}
		buf = append(buf, n)
		buf = append(buf, s...)
	}

	return buf, nil
}

// ParseImage decodes a module image back into a Module.
// Symbol information (Globals, Subs) is not part of the image and is
// left empty.
func ParseImage(data []byte) (*Module, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("module image too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], Magic) {
		return nil, fmt.Errorf("bad module magic: % X", data[0:4])
	}

	strTabOff := int(binary.LittleEndian.Uint16(data[4:6]))
	codeLen := int(binary.LittleEndian.Uint16(data[6:8]))
	entry := binary.LittleEndian.Uint16(data[8:10])

	if strTabOff != HeaderSize+codeLen {
		return nil, fmt.Errorf("inconsistent header: string table at %d, expected %d", strTabOff, HeaderSize+codeLen)
	}
	if HeaderSize+codeLen > len(data) {
		return nil, fmt.Errorf("truncated code section: need %d bytes, have %d", HeaderSize+codeLen, len(data))
	}

	m := &Module{
		Code:  append([]byte(nil), data[HeaderSize:HeaderSize+codeLen]...),
		Entry: entry,
	}

	pos := strTabOff
	if pos >= len(data) {
		return nil, fmt.Errorf("truncated string table at offset %d", pos)
	}
	count := int(data[pos])
	pos++
	m.Strings = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("truncated string table entry %d", i)
		}
		n := int(data[pos])
		pos++
		if pos+n > len(data) {
			return nil, fmt.Errorf("truncated string table entry %d: need %d bytes", i, n)
		}
		m.Strings = append(m.Strings, string(data[pos:pos+n]))
		pos += n
	}

	return m, nil
}

// Validate decodes the code section and checks opcode well-formedness:
// every opcode is recognized, operands do not run off the end, every
// jump and call target lies inside the code section, and string operands
// reference the pool.
func (m *Module) Validate() error {
	pc := 0
	for pc < len(m.Code) {
		op := Opcode(m.Code[pc])
		info, ok := GetOpcodeInfo(op)
		if !ok {
			return fmt.Errorf("unrecognized opcode 0x%02X at %04X", byte(op), pc)
		}
		if pc+1+info.OperandLen > len(m.Code) {
			return fmt.Errorf("%s at %04X: operand runs past end of code", info.Name, pc)
		}
		switch {
		case op.IsJump() || op == OpCall:
			target := int(binary.LittleEndian.Uint16(m.Code[pc+1:]))
			if target >= len(m.Code) {
				return fmt.Errorf("%s at %04X: target %04X outside code", info.Name, pc, target)
			}
		case op == OpPushStr:
			idx := int(binary.LittleEndian.Uint16(m.Code[pc+1:]))
			if idx >= len(m.Strings) {
				return fmt.Errorf("PUSHSTR at %04X: string index %d out of range", pc, idx)
			}
		}
		pc += 1 + info.OperandLen
	}
	return nil
}
