// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// layout parses a listing and lays out its data the way the converter does for one chunk.
func layout(t *testing.T, text string, symbols *SymbolTable) (*Parser, *DataBank) {
	t.Helper()
	if symbols == nil {
		symbols = NewSymbolTable()
	}
	p, err := parse(t, text, symbols)
	require.NoError(t, err)
	require.NoError(t, p.Structs().Seal())
	region, err := ProcessRegion(p.Items().Items(), p.Structs(), p.Defines())
	require.NoError(t, err)
	types, err := NewCTypes(p.Structs(), symbols.Exports())
	require.NoError(t, err)
	bank := NewDataBank(symbols, types)
	bank.AddRegion(region)
	require.NoError(t, bank.Consolidate(p.Structs(), p.Defines()))
	return p, bank
}

func TestDataBankLayout(t *testing.T) {
	_, bank := layout(t, `a db 1
b dd 2
msg db 'hi'
ptrs dd offset b, offset fn, offset a+1
fn proc near
retn
fn endp
`, nil)

	offsets := map[string]int{"a": 256, "b": 257, "msg": 261, "ptrs": 263}
	for name, offset := range offsets {
		actual, err := bank.VarOffset(name)
		require.NoError(t, err)
		assert.Equal(t, offset, actual, name)
	}
	assert.Equal(t, 275, bank.MemorySize())
	_, err := bank.VarOffset("fn")
	assert.Error(t, err)

	vars := bank.Vars()
	require.Len(t, vars, 6)
	assert.Equal(t, VarString, vars[2].Type)
	assert.Equal(t, 2, vars[2].ByteSize())
	assert.Equal(t, []int{257, -2, 257}, []int{vars[3].Value, vars[4].Value, vars[5].Value})
	assert.Equal(t, -2, bank.ProcIndex("fn"))
	assert.Equal(t, -1, bank.ProcIndex("a"))

	for i := 1; i < len(vars); i++ {
		assert.GreaterOrEqual(t, vars[i].Offset, vars[i-1].Offset+vars[i-1].ByteSize())
	}
}

func TestDataBankProcIndices(t *testing.T) {
	symbols := NewSymbolTable()
	symbols.AddExport(ExportEntry{Name: "Handler", Function: true})
	symbols.AddImport("HostFn")
	_, bank := layout(t, "table dd offset Zeta, offset Alpha, offset HostFn, offset Zeta\n", symbols)

	procs := bank.Procs()
	require.Len(t, procs, 4)
	var names []string
	seen := make(map[int]bool)
	for _, p := range procs {
		names = append(names, p.Name)
		assert.False(t, seen[p.Index])
		seen[p.Index] = true
		assert.Less(t, p.Index, -1)
	}
	assert.Equal(t, []string{"Alpha", "Handler", "HostFn", "Zeta"}, names)
	assert.True(t, procs[2].Imported)
	assert.Equal(t, -5, bank.ProcIndex("Zeta"))
}

func TestDataBankAlignsExportedStructs(t *testing.T) {
	symbols := NewSymbolTable()
	symbols.AddExport(ExportEntry{Name: "pt", CType: "Point"})
	_, bank := layout(t, "Point struc\nxpos dw ?\nypos dw ?\nPoint ends\na db 1\npt Point <>\nref dd offset pt.ypos\n", symbols)

	v, ok := bank.Var("pt")
	require.True(t, ok)
	assert.Equal(t, 260, v.Offset)
	assert.Equal(t, 3, v.Padding)
	assert.Equal(t, VarStruct, v.Type)
	assert.Equal(t, 4, v.ByteSize())

	ref, ok := bank.Var("ref")
	require.True(t, ok)
	assert.Equal(t, 262, ref.Value)
	structName, ok := bank.StructNameFromVar("pt")
	assert.True(t, ok)
	assert.Equal(t, "Point", structName)
}

func TestStringConstant(t *testing.T) {
	assert.Equal(t, 0x4142, stringConstant("'AB'"))
	assert.Equal(t, 0x61, stringConstant("'a'"))
}
