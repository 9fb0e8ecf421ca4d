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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSymbols = `# symbols for the test listing
[remove]
Debug
Unused DebugEnd
Tail @end

[replace]
OldName NewName

[import]
HostPrint

[export]
score int
table unsigned char [16]
main proc

[insert-call]
main 3
main 1 -
`

func TestParseSymbols(t *testing.T) {
	table, err := ParseSymbols(strings.NewReader(testSymbols))
	require.NoError(t, err)

	action, end := table.Lookup("Debug", ActionNone)
	assert.Equal(t, ActionRemove|ActionRemoveSolo, action)
	assert.Empty(t, end)

	action, end = table.Lookup("Unused", ActionNone)
	assert.Equal(t, ActionRemove, action)
	assert.Equal(t, "DebugEnd", end)
	assert.Equal(t, ActionRemoveEndRange, table.Pending("DebugEnd"))

	_, end = table.Lookup("Tail", ActionNone)
	assert.Equal(t, EndMarker, end)
	assert.Equal(t, ActionNone, table.Pending(EndMarker))

	replacement, ok := table.Replacement("OldName")
	assert.True(t, ok)
	assert.Equal(t, "NewName", replacement)

	assert.True(t, table.IsImport("HostPrint"))
	assert.Equal(t, []string{"score", "table", "main"}, table.ExportNames())
	assert.Equal(t, []ExportEntry{
		{Name: "score", CType: "int"},
		{Name: "table", CType: "unsigned char", ArraySize: 16},
		{Name: "main", Function: true},
	}, table.Exports())
	_, ok = table.DeclaredType("main")
	assert.False(t, ok)

	assert.Equal(t, []ProcHook{{Line: 1}, {Line: 3, Name: "main_3"}}, table.Hooks("main"))
	assert.Equal(t, ActionInsertCall, table.Pending("main"))
}

func TestParseSymbolsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   string
	}{
		{"outside section", "foo\n", "(1): symbol `foo' outside of a section"},
		{"unknown section", "[bogus]\n", "(1): unknown section `bogus'"},
		{"duplicate", "[remove]\nfoo\n\nfoo\n", "(4): symbol `foo' already defined at line 2"},
		{"missing replacement", "[replace]\nx\n", "(2): expecting replacement for `x'"},
		{"array size", "[export]\nv int[\n", "(2): unterminated array size for `v'"},
		{"bad array size", "[export]\nv int[0]\n", "(2): invalid array size for `v'"},
		{"hook line", "[insert-call]\nmain x\n", "(2): invalid line offset `x' for `main'"},
		{"null arguments", "[null]\nf g\n", "(2): unexpected text after `f'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSymbols(strings.NewReader(tt.input))
			assert.EqualError(t, err, tt.err)
		})
	}
}

func TestSymbolLookupConsumes(t *testing.T) {
	table := NewSymbolTable()
	table.AddAction("f", ActionNull|ActionExport, "")

	action, _ := table.Lookup("f", ActionExport)
	assert.Equal(t, ActionNull|ActionExport, action)
	action, _ = table.Lookup("f", ActionNone)
	assert.Equal(t, ActionExport, action)
	action, _ = table.Lookup("f", ActionNone)
	assert.Equal(t, ActionNone, action)
}

func TestSymbolCloneMerge(t *testing.T) {
	table := NewSymbolTable()
	table.AddRemoval("a", "")
	table.AddRemoval("b", "")

	first, second := table.Clone(), table.Clone()
	first.Lookup("a", ActionNone)
	assert.Equal(t, ActionNone, first.Pending("a"))
	assert.NotEqual(t, ActionNone, second.Pending("a"))

	table.Merge(first)
	table.Merge(second)
	assert.Equal(t, []string{"b"}, table.UnusedSymbols(ActionRemove))
	assert.True(t, table.IsRemoved("a"))
}
