// Package debuginfo writes the debug symbol sidecar that accompanies a
// compiled module image. The sidecar carries the symbol information the
// image itself omits (subroutine addresses and global slot names) plus a
// copy of the string pool, CBOR-encoded for stable tooling consumption.
package debuginfo

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ajokela/kz80-microperl/pkg/bytecode"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("debuginfo: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Sub mirrors one subroutine table entry.
type Sub struct {
	Name      string `cbor:"name"`
	Addr      uint16 `cbor:"addr"`
	NumParams uint8  `cbor:"params"`
}

// File is the sidecar content for one compiled module.
type File struct {
	Source  string   `cbor:"source"` // source file name, informational
	CodeLen int      `cbor:"code_len"`
	Entry   uint16   `cbor:"entry"`
	Subs    []Sub    `cbor:"subs"`
	Globals []string `cbor:"globals"` // global names in slot order
	Strings []string `cbor:"strings"` // string pool in index order
}

// FromModule collects the sidecar content for a compiled module.
func FromModule(source string, m *bytecode.Module) *File {
	f := &File{
		Source:  source,
		CodeLen: len(m.Code),
		Entry:   m.Entry,
		Globals: append([]string(nil), m.Globals...),
		Strings: append([]string(nil), m.Strings...),
	}
	for _, sub := range m.Subs {
		f.Subs = append(f.Subs, Sub{Name: sub.Name, Addr: sub.Addr, NumParams: sub.NumParams})
	}
	return f
}

// Marshal serializes a sidecar file to canonical CBOR bytes.
func Marshal(f *File) ([]byte, error) {
	return cborEncMode.Marshal(f)
}

// Unmarshal deserializes a sidecar file from CBOR bytes.
func Unmarshal(data []byte) (*File, error) {
	var f File
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("debuginfo: unmarshal: %w", err)
	}
	return &f, nil
}
