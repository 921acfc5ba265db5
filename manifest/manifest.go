// Package manifest handles microperl.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a microperl.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Build   Build   `toml:"build"`
	ROM     ROM     `toml:"rom"`

	// Dir is the directory containing the microperl.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Build configures the compile step.
type Build struct {
	Entry  string `toml:"entry"`  // source file to compile
	Output string `toml:"output"` // module image path
	Debug  string `toml:"debug"`  // debug sidecar path, empty to skip
}

// ROM configures ROM packaging.
type ROM struct {
	Output  string `toml:"output"`  // ROM image path, empty to skip
	Runtime string `toml:"runtime"` // assembled runtime blob
}

// Load parses a microperl.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "microperl.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Build.Entry == "" {
		m.Build.Entry = "main.mpl"
	}
	if m.Build.Output == "" {
		m.Build.Output = replaceExt(m.Build.Entry, ".mplc")
	}
	if m.ROM.Output != "" && m.ROM.Runtime == "" {
		return nil, fmt.Errorf("%s: rom.output requires rom.runtime", path)
	}

	return &m, nil
}

// EntryPath returns the absolute path of the entry source file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Build.Entry)
}

func replaceExt(path, ext string) string {
	return path[:len(path)-len(filepath.Ext(path))] + ext
}
