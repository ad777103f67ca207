package debuginfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func firmwareTable() *SymbolTable {
	return NewSymbolTable([]Symbol{
		{Name: "main", Addr: 0x08000200, Size: 0x40, Func: true},
		{Name: "Reset_Handler", Addr: 0x08000100, Size: 0x20, Func: true},
		{Name: "_estack", Addr: 0x20005000},
		{Name: "counter", Addr: 0x20000000, Size: 4},
	})
}

func TestLookup(t *testing.T) {
	table := firmwareTable()
	assert.Equal(t, 4, table.Len())

	sym, off, ok := table.Lookup(0x08000210)
	require.True(t, ok)
	assert.Equal(t, "main", sym.Name)
	assert.Equal(t, uint64(0x10), off)

	sym, off, ok = table.Lookup(0x08000100)
	require.True(t, ok)
	assert.Equal(t, "Reset_Handler", sym.Name)
	assert.Zero(t, off)

	_, _, ok = table.Lookup(0x08000240)
	assert.False(t, ok, "one past the end of main")

	_, _, ok = table.Lookup(0x08000000)
	assert.False(t, ok, "below the first symbol")

	sym, _, ok = table.Lookup(0x20005000)
	require.True(t, ok)
	assert.Equal(t, "_estack", sym.Name)
	_, _, ok = table.Lookup(0x20005001)
	assert.False(t, ok)
}

func TestLookupName(t *testing.T) {
	table := firmwareTable()
	sym, ok := table.LookupName("counter")
	require.True(t, ok)
	assert.Equal(t, uint64(0x20000000), sym.Addr)

	_, ok = table.LookupName("missing")
	assert.False(t, ok)
}

func TestDescribe(t *testing.T) {
	table := firmwareTable()
	assert.Equal(t, "main+0x4", Describe(table, 0x08000204))
	assert.Equal(t, "main", Describe(table, 0x08000200))
	assert.Equal(t, "", Describe(table, 0x1))
	assert.Equal(t, "", Describe(nil, 0x08000200))
}

func TestLoadRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.elf")
	require.NoError(t, os.WriteFile(path, []byte("not an elf"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to open target ELF file")
}

// testdata/firmware.elf is a 32-bit ARM image whose .symtab holds a file symbol, a mapping
// symbol, Reset_Handler (0x08000101, 0x20), main (0x08000121, 0x40), counter (0x20000001, 4)
// and an undefined printf.
func TestLoadFirmware(t *testing.T) {
	path := filepath.Join("testdata", "firmware.elf")
	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, table.Path())
	assert.Equal(t, 3, table.Len(), "only defined functions and objects are kept")

	mainSym, ok := table.LookupName("main")
	require.True(t, ok)
	assert.True(t, mainSym.Func)
	assert.Equal(t, uint64(0x08000120), mainSym.Addr, "thumb bit cleared")
	assert.Equal(t, uint64(0x40), mainSym.Size)

	counter, ok := table.LookupName("counter")
	require.True(t, ok)
	assert.False(t, counter.Func)
	assert.Equal(t, uint64(0x20000001), counter.Addr, "objects keep their address")

	for _, name := range []string{"firmware.c", "$t", "printf"} {
		_, ok := table.LookupName(name)
		assert.False(t, ok, name)
	}

	assert.Equal(t, "Reset_Handler+0x1e", Describe(table, 0x0800011e))
	assert.Equal(t, "main", Describe(table, 0x08000120))
	assert.Equal(t, "", Describe(table, 0x08000160))
}
