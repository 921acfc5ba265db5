package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleBasic(t *testing.T) {
	m := NewModule()
	idx := m.AddString("hi")
	m.EmitByte(OpPushByte, 0xFB) // -5
	m.EmitWord(OpPush, 1000)
	m.EmitWord(OpPushStr, uint16(idx))
	m.Emit(OpPrint)
	m.Emit(OpHalt)

	listing := m.Disassemble()

	for _, want := range []string{"PUSHBYTE -5", "PUSH 1000", `PUSHSTR 0 ; "hi"`, "PRINT", "HALT"} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing missing %q:\n%s", want, listing)
		}
	}
}

func TestDisassembleJumpTargetsHex(t *testing.T) {
	m := NewModule()
	m.EmitWord(OpJump, 0x0010)
	m.Emit(OpHalt)
	listing := m.Disassemble()
	if !strings.Contains(listing, "JUMP 0010") {
		t.Errorf("listing = %s", listing)
	}
}

func TestDisassembleSubTable(t *testing.T) {
	m := NewModule()
	m.Emit(OpHalt)
	m.Subs = []Sub{{Name: "add", Addr: 3, NumParams: 2}}
	listing := m.Disassemble()
	if !strings.Contains(listing, "add @ 0003 (2 params)") {
		t.Errorf("listing = %s", listing)
	}
}

func TestDisassembleUnknownByte(t *testing.T) {
	m := NewModule()
	m.Code = append(m.Code, 0x77)
	listing := m.Disassemble()
	if !strings.Contains(listing, ".byte 0x77") {
		t.Errorf("listing = %s", listing)
	}
}

func TestDisassembleAtAdvances(t *testing.T) {
	m := NewModule()
	m.EmitWord(OpPush, 1)
	m.Emit(OpHalt)

	_, next := m.DisassembleAt(0)
	if next != 3 {
		t.Errorf("next = %d, want 3", next)
	}
	_, next = m.DisassembleAt(3)
	if next != 4 {
		t.Errorf("next = %d, want 4", next)
	}
}
