// Package elfmodule implements the pstrace.ModuleLookup and
// pstrace.CFIAccess contracts over debug/elf and debug/dwarf,
// generalizing ConradIrwin-go-dwarf's Mach-O-only LoadForSelf/
// LoadFromMachO (load.go) to ELF/x86-64 and to multiple loaded images.
package elfmodule

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sync"

	"github.com/mitchellh/osext"
	"github.com/nnosov/pstrace"
)

// Loader owns every ELF image it has been told about (the main
// executable plus any shared objects an embedder registers) and
// answers PC-based lookups across all of them.
type Loader struct {
	mu      sync.Mutex
	modules []*loadedModule
}

type loadedModule struct {
	name       string
	bias       uint64
	ef         *elf.File
	dwarfData  *dwarf.Data
	ehFrame    []byte
	debugFrame []byte
}

// New returns an empty Loader; call LoadForSelf or LoadFromPath to
// register at least one image before using it as a ModuleLookup.
func New() *Loader {
	return &Loader{}
}

// LoadForSelf opens the currently running executable, mirroring
// osext.Executable()'s role in LoadForSelf.
func (l *Loader) LoadForSelf() error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("elfmodule: locate self: %w", err)
	}
	return l.LoadFromPath(path, 0)
}

// LoadFromPath opens path as an ELF image mapped at the given bias
// (0 for a non-PIE main executable, the runtime load address for a
// PIE binary or shared object).
func (l *Loader) LoadFromPath(path string, bias uint64) error {
	ef, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("elfmodule: open %s: %w", path, err)
	}
	dw, err := ef.DWARF()
	if err != nil {
		return fmt.Errorf("elfmodule: load DWARF from %s: %w", path, err)
	}

	m := &loadedModule{name: path, bias: bias, ef: ef, dwarfData: dw}
	if sec := ef.Section(".eh_frame"); sec != nil {
		if data, err := sec.Data(); err == nil {
			m.ehFrame = data
		}
	}
	if sec := ef.Section(".debug_frame"); sec != nil {
		if data, err := sec.Data(); err == nil {
			m.debugFrame = data
		}
	}

	l.mu.Lock()
	l.modules = append(l.modules, m)
	l.mu.Unlock()
	return nil
}

func (l *Loader) find(pc uint64) (*loadedModule, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.modules {
		text := m.ef.Section(".text")
		if text == nil {
			continue
		}
		lo := text.Addr + m.bias
		hi := lo + text.Size
		if pc >= lo && pc < hi {
			return m, pc - m.bias, nil
		}
	}
	if len(l.modules) == 1 {
		return l.modules[0], pc - l.modules[0].bias, nil
	}
	return nil, 0, fmt.Errorf("elfmodule: no loaded module covers pc %#x", pc)
}

func (l *Loader) byName(name string) *loadedModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.modules {
		if m.name == name {
			return m
		}
	}
	return nil
}

// ModuleOf implements pstrace.ModuleLookup.
func (l *Loader) ModuleOf(pc uint64) (*pstrace.Module, error) {
	m, _, err := l.find(pc)
	if err != nil {
		return nil, err
	}
	return &pstrace.Module{Name: m.name, Bias: m.bias}, nil
}

// DIEAt implements pstrace.ModuleLookup: it returns the subprogram DIE
// covering pc and the reader positioned right after it, ready to walk
// its children.
func (l *Loader) DIEAt(pc uint64) (*dwarf.Entry, *dwarf.Reader, error) {
	m, localPC, err := l.find(pc)
	if err != nil {
		return nil, nil, err
	}
	r := m.dwarfData.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("elfmodule: DIE scan: %w", err)
		}
		if e == nil {
			return nil, nil, fmt.Errorf("elfmodule: no subprogram covers pc %#x", pc)
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		ranges, err := m.dwarfData.Ranges(e)
		if err != nil || len(ranges) == 0 {
			continue
		}
		for _, rg := range ranges {
			if localPC >= rg[0] && localPC < rg[1] {
				return e, r, nil
			}
		}
		if err := r.SkipChildren(); err != nil {
			return nil, nil, err
		}
	}
}

// LineAt implements pstrace.ModuleLookup using debug/dwarf's line
// number program reader.
func (l *Loader) LineAt(pc uint64) (string, int, error) {
	m, localPC, err := l.find(pc)
	if err != nil {
		return "", 0, err
	}
	r := m.dwarfData.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return "", 0, fmt.Errorf("elfmodule: line scan: %w", err)
		}
		if e == nil {
			return "", 0, fmt.Errorf("elfmodule: no compile unit covers pc %#x", pc)
		}
		if e.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := m.dwarfData.LineReader(e)
		if err != nil || lr == nil {
			if err := r.SkipChildren(); err != nil {
				return "", 0, err
			}
			continue
		}
		var entry, best dwarf.LineEntry
		found := false
		for {
			if err := lr.Next(&entry); err != nil {
				break
			}
			if entry.Address <= localPC {
				best = entry
				found = true
			} else if found {
				break
			}
		}
		if found {
			return best.File.Name, best.Line, nil
		}
		if err := r.SkipChildren(); err != nil {
			return "", 0, err
		}
	}
}

// SymbolAt implements pstrace.ModuleLookup over the ELF symbol table.
func (l *Loader) SymbolAt(pc uint64) (string, error) {
	m, localPC, err := l.find(pc)
	if err != nil {
		return "", err
	}
	syms, err := m.ef.Symbols()
	if err != nil {
		return "", fmt.Errorf("elfmodule: read symbols: %w", err)
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if localPC >= s.Value && localPC < s.Value+s.Size {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("elfmodule: no function symbol covers pc %#x", pc)
}

// Reader implements pstrace.ModuleLookup. The returned reader starts at
// the beginning of the module's debug info; every caller in this repo
// immediately Seeks it to a specific offset.
func (l *Loader) Reader(pc uint64) (*dwarf.Reader, error) {
	m, _, err := l.find(pc)
	if err != nil {
		return nil, err
	}
	return m.dwarfData.Reader(), nil
}
