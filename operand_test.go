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

func TestCookOperands(t *testing.T) {
	p, bank := layout(t, "LIMIT = 10h\ncounter dd 0\nflag db 0\n", nil)
	env := &OperandEnv{
		Structs:    p.Structs(),
		StructMap:  NewStructMap(p.Structs()),
		Defines:    p.Defines(),
		References: p.References(),
		Bank:       bank,
	}

	tests := []struct {
		insn     string
		expected []string
	}{
		{"mov eax, 1", []string{"eax", "1"}},
		{"mov al, flag", []string{"al", "1 ptr [260]"}},
		{"mov counter, 5", []string{"4 ptr [256]", "5"}},
		{"mov eax, [esi+4]", []string{"eax", "4 ptr [esi+4]"}},
		{"mov ecx, [ebx+esi*2+10h]", []string{"ecx", "4 ptr [ebx+esi*2+16]"}},
		{"mov word ptr [edi], 5", []string{"2 ptr [edi]", "5"}},
		{"mov eax, offset counter", []string{"eax", "256"}},
		{"cmp edx, LIMIT", []string{"edx", "16"}},
		{"mov ah, [ebp-8]", []string{"ah", "1 ptr [ebp-8]"}},
	}
	for _, tt := range tests {
		t.Run(tt.insn, func(t *testing.T) {
			items, err := parse(t, tt.insn+"\n", nil)
			require.NoError(t, err)
			insn := items.Items().Items()[0].Insn
			ops, err := CookOperands(insn, env)
			require.NoError(t, err)
			var actual []string
			for i := range ops {
				actual = append(actual, ops[i].String())
			}
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestCookedOperandKinds(t *testing.T) {
	p, bank := layout(t, "counter dd 0\n", nil)
	env := &OperandEnv{Structs: p.Structs(), StructMap: NewStructMap(p.Structs()), Defines: p.Defines(), References: p.References(), Bank: bank}
	items, err := parse(t, "mov [esi], 1\n", nil)
	require.NoError(t, err)
	_, err = CookOperands(items.Items().Items()[0].Insn, env)
	assert.EqualError(t, err, "operand size of `[esi]' unknown")

	items, err = parse(t, "add dword ptr [esi+ecx*4-4], 3\n", nil)
	require.NoError(t, err)
	ops, err := CookOperands(items.Items().Items()[0].Insn, env)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	dst := ops[0]
	assert.Equal(t, OperandDynamicMem, dst.Kind)
	assert.True(t, dst.IsMemory())
	assert.Equal(t, 4, dst.Size())
	assert.Equal(t, "esi", dst.Base.String())
	assert.Equal(t, "ecx", dst.Index.String())
	assert.Equal(t, 4, dst.Scale)
	assert.Equal(t, -4, dst.Disp)
	assert.True(t, ops[1].IsConst())
	assert.False(t, ops[1].Equal(&dst))
}

func TestRegRef(t *testing.T) {
	ah := registerRef("ah")
	assert.Equal(t, "ah", ah.String())
	assert.Equal(t, 1, ah.Offset)
	assert.True(t, ah.Overlaps(registerRef("eax")))
	assert.False(t, ah.Overlaps(registerRef("al")))
	assert.Equal(t, "eax", ah.Operand32().String())
	assert.False(t, ah.Amiga())

	d0 := RegRef{Name: "D0", Offset: 2, Size: 2}
	assert.True(t, d0.Amiga())
	assert.Equal(t, "D0+2:2", d0.String())
	assert.Equal(t, "(*(word *)((byte *)&D0 + 2))", cRegister(d0))
}
