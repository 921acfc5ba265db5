package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the module: string
// pool, subroutine table if present, and the decoded code section.
func (m *Module) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; MicroPerl module, %d bytes of code, entry %04X\n", len(m.Code), m.Entry))

	if len(m.Strings) > 0 {
		sb.WriteString("; Strings:\n")
		for i, s := range m.Strings {
			display := s
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, display))
		}
	}

	if len(m.Subs) > 0 {
		sb.WriteString("; Subroutines:\n")
		for _, sub := range m.Subs {
			sb.WriteString(fmt.Sprintf(";   %s @ %04X (%d params)\n", sub.Name, sub.Addr, sub.NumParams))
		}
	}

	sb.WriteString("\n")

	pc := 0
	for pc < len(m.Code) {
		text, next := m.DisassembleAt(pc)
		sb.WriteString(text)
		sb.WriteString("\n")
		if next <= pc {
			break
		}
		pc = next
	}

	return sb.String()
}

// DisassembleAt decodes the single instruction at pc and returns its
// textual form plus the offset of the next instruction.
func (m *Module) DisassembleAt(pc int) (string, int) {
	op := Opcode(m.Code[pc])
	info, ok := GetOpcodeInfo(op)
	if !ok {
		return fmt.Sprintf("  %04X: .byte 0x%02X", pc, byte(op)), pc + 1
	}

	switch info.OperandLen {
	case 0:
		return fmt.Sprintf("  %04X: %s", pc, info.Name), pc + 1

	case 1:
		if pc+1 >= len(m.Code) {
			return fmt.Sprintf("  %04X: %s <truncated>", pc, info.Name), len(m.Code)
		}
		operand := m.Code[pc+1]
		if op == OpPushByte {
			return fmt.Sprintf("  %04X: %s %d", pc, info.Name, int8(operand)), pc + 2
		}
		return fmt.Sprintf("  %04X: %s %d", pc, info.Name, operand), pc + 2

	default:
		if pc+2 >= len(m.Code) {
			return fmt.Sprintf("  %04X: %s <truncated>", pc, info.Name), len(m.Code)
		}
		operand := binary.LittleEndian.Uint16(m.Code[pc+1:])
		switch {
		case op.IsJump() || op == OpCall:
			return fmt.Sprintf("  %04X: %s %04X", pc, info.Name, operand), pc + 3
		case op == OpPushStr && int(operand) < len(m.Strings):
			return fmt.Sprintf("  %04X: %s %d ; %q", pc, info.Name, operand, m.Strings[operand]), pc + 3
		case op == OpPush:
			return fmt.Sprintf("  %04X: %s %d", pc, info.Name, int16(operand)), pc + 3
		default:
			return fmt.Sprintf("  %04X: %s %d", pc, info.Name, operand), pc + 3
		}
	}
}
