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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructionText(t *testing.T) {
	tests := []struct {
		line     string
		expected string
	}{
		{"mov eax, 1", "mov  eax, 1"},
		{"retn", "retn"},
		{"push ebx", "push ebx"},
		{"movzx eax, byte ptr [esi]", "movzx eax, byte ptr [esi]"},
		{"jmp short @@loop", "jmp  short @@loop"},
		{"rep movsd", "rep movsd"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, err := parse(t, "f proc near\n"+tt.line+"\nf endp\n", nil)
			require.NoError(t, err)
			items := p.Items().Items()
			require.Equal(t, ItemInstruction, items[1].Kind)
			assert.Equal(t, tt.expected, instructionText(items[1].Insn))
		})
	}
}

func TestDataItemText(t *testing.T) {
	p, err := parse(t, "buf db 0\ndb 0\ndb 0\nmsg db 'hi',0\ntable dw 1, 2\nspace db 10 dup(?)\nptrs dd offset buf+2\n", nil)
	require.NoError(t, err)
	items := p.Items().Items()
	require.Len(t, items, 5)
	expected := []string{
		"buf db 3 dup(0)",
		"msg db 'hi',0",
		"table dw 1, 2",
		"space db 10 dup(?)",
		"ptrs dd offset buf+2",
	}
	for i, text := range expected {
		assert.Equal(t, text, dataItemText(items[i].Data))
	}
}

func TestAsmSharedFiles(t *testing.T) {
	p, err := parse(t, "Point struc\nxpos dw ?\nypos dw 2 dup(?)\nPoint ends\nLIMIT = 10h\nMASK = not 1\n", nil)
	require.NoError(t, err)
	require.NoError(t, p.Structs().Seal())
	ctx := &SharedContext{Dir: "out", Structs: p.Structs(), Defines: p.Defines(), Symbols: NewSymbolTable()}

	w, err := GetWriter("verbatim")
	require.NoError(t, err)
	files, err := w.SharedFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join("out", "defs.inc"), files[0].Name)
	assert.Equal(t, "Point struc\n    xpos dw ?\n    ypos dw 2 dup(?)\nPoint ends\n\nLIMIT = 10h\nMASK = not 1\n", string(files[0].Data))

	w, err = GetWriter("MASM")
	require.NoError(t, err)
	files, err = w.SharedFiles(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(files[0].Data), "option casemap:none\n\nPoint struct\n")
}

func TestGetWriter(t *testing.T) {
	assert.Equal(t, []string{"cpp", "masm", "verbatim"}, ListFormats())
	_, err := GetWriter("nasm")
	assert.EqualError(t, err, "Unsupported format: nasm, supported formats: cpp, masm, verbatim")
	w, err := GetWriter("Cpp")
	require.NoError(t, err)
	assert.True(t, w.NeedsDataBank())
	assert.Equal(t, ".cpp", w.Extension())
}
