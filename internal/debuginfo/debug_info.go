// Package debuginfo symbolises target addresses using the symbol table of the firmware ELF file.
package debuginfo

import (
	"debug/elf"
	"fmt"
	"sort"
)

type Symbol struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
	Func bool   `json:"func"`
}

type DebugInfo interface {
	Path() string
	Lookup(pc uint64) (sym Symbol, offset uint64, ok bool)
	LookupName(name string) (Symbol, bool)
}

// SymbolTable holds function and object symbols sorted by address.
type SymbolTable struct {
	path    string
	symbols []Symbol
	byName  map[string]int
}

var _ DebugInfo = (*SymbolTable)(nil)

// Load reads the symbol table of the ELF file at path.
func Load(path string) (*SymbolTable, error) {
	exe, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open target ELF file: %w", err)
	}
	defer func() {
		_ = exe.Close()
	}()

	elfSyms, err := exe.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol table of %s: %w", path, err)
	}

	// ARM Thumb function addresses carry the mode in bit 0.
	thumb := exe.Machine == elf.EM_ARM

	var symbols []Symbol
	for _, s := range elfSyms {
		typ := elf.ST_TYPE(s.Info)
		if s.Name == "" || s.Section == elf.SHN_UNDEF || (typ != elf.STT_FUNC && typ != elf.STT_OBJECT) {
			continue
		}
		addr := s.Value
		if thumb && typ == elf.STT_FUNC {
			addr &^= 1
		}
		symbols = append(symbols, Symbol{Name: s.Name, Addr: addr, Size: s.Size, Func: typ == elf.STT_FUNC})
	}

	t := NewSymbolTable(symbols)
	t.path = path
	return t, nil
}

// NewSymbolTable builds a table from already decoded symbols.
func NewSymbolTable(symbols []Symbol) *SymbolTable {
	sorted := make([]Symbol, len(symbols))
	copy(sorted, symbols)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Addr < sorted[j].Addr
	})

	byName := make(map[string]int, len(sorted))
	for i, s := range sorted {
		if _, dup := byName[s.Name]; !dup {
			byName[s.Name] = i
		}
	}
	return &SymbolTable{symbols: sorted, byName: byName}
}

func (t *SymbolTable) Path() string {
	return t.path
}

func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

// Lookup finds the symbol containing pc, preferring the closest start address. Zero-sized
// symbols only match their exact address.
func (t *SymbolTable) Lookup(pc uint64) (Symbol, uint64, bool) {
	i := sort.Search(len(t.symbols), func(i int) bool {
		return t.symbols[i].Addr > pc
	})
	for i--; i >= 0; i-- {
		s := t.symbols[i]
		off := pc - s.Addr
		if off < s.Size || (s.Size == 0 && off == 0) {
			return s, off, true
		}
	}
	return Symbol{}, 0, false
}

func (t *SymbolTable) LookupName(name string) (Symbol, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return t.symbols[i], true
}

// Describe formats pc as "name+0xoff", or returns "" when no symbol contains it.
func Describe(info DebugInfo, pc uint64) string {
	if info == nil {
		return ""
	}
	sym, off, ok := info.Lookup(pc)
	if !ok {
		return ""
	}
	if off == 0 {
		return sym.Name
	}
	return fmt.Sprintf("%s+0x%x", sym.Name, off)
}
