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

func buildProc(t *testing.T, text string) *ProcIR {
	t.Helper()
	p, err := parse(t, text, nil)
	require.NoError(t, err)
	env := &OperandEnv{
		Structs:    p.Structs(),
		StructMap:  NewStructMap(p.Structs()),
		Defines:    p.Defines(),
		References: p.References(),
	}
	proc, _, err := BuildProcIR(p.Items().Items(), 0, env, "")
	require.NoError(t, err)
	return proc
}

// deleted returns the instruction texts the optimizer removed.
func deleted(p *ProcIR) []string {
	var result []string
	for _, n := range p.Nodes {
		if n.Kind == NodeInstruction && n.Deleted {
			result = append(result, n.Insn.String())
		}
	}
	return result
}

func TestBuildProcIR(t *testing.T) {
	p := buildProc(t, "f proc near\nvar_4= dword ptr -4\n@@again:\ncmp eax, 1\njz short @@done\njmp short @@again\n@@done:\nretn\nf endp\ng proc near\nretn\ng endp\n")
	assert.Equal(t, "f", p.Name)
	kinds := make([]NodeKind, len(p.Nodes))
	for i, n := range p.Nodes {
		kinds[i] = n.Kind
	}
	assert.Equal(t, []NodeKind{NodeProc, NodeStackVar, NodeLabel, NodeInstruction, NodeInstruction, NodeInstruction, NodeLabel, NodeInstruction, NodeEndProc}, kinds)
	assert.True(t, p.IsLocalLabel("@@done"))
	assert.False(t, p.IsLocalLabel("g"))

	jz, jmp := p.Nodes[4], p.Nodes[5]
	assert.True(t, jz.LocalTarget)
	assert.True(t, jz.ReturnJump)
	assert.True(t, jmp.LocalTarget)
	assert.False(t, jmp.ReturnJump)
	assert.True(t, p.Nodes[3].FlowChange)
	assert.Empty(t, p.FallThrough)
	assert.Equal(t, map[string]bool{"@@done": true}, p.closedLabels())
}

func TestBuildProcIRFallThrough(t *testing.T) {
	p := buildProc(t, "f proc near\ninc eax\nf endp\ng proc near\nretn\ng endp\n")
	assert.Equal(t, "g", p.FallThrough)
	assert.Equal(t, "g", p.Nodes[len(p.Nodes)-1].Name)

	p = buildProc(t, "f proc near\ninc eax\njmp f\nf endp\n")
	assert.True(t, p.NeedsStartLabel)
	assert.True(t, p.Nodes[2].StartOverJump)
	assert.Empty(t, p.FallThrough)
}

func TestBuildProcIRErrors(t *testing.T) {
	p, err := parse(t, "f proc near\nstd\nretn\nf endp\n", nil)
	require.NoError(t, err)
	env := &OperandEnv{Structs: p.Structs(), StructMap: NewStructMap(p.Structs()), Defines: p.Defines(), References: p.References()}
	_, _, err = BuildProcIR(p.Items().Items(), 0, env, "")
	assert.EqualError(t, err, "STD instruction not supported")

	p, err = parse(t, "f proc near\nretn\n", nil)
	require.NoError(t, err)
	_, _, err = BuildProcIR(p.Items().Items(), 0, env, "")
	assert.EqualError(t, err, "procedure `f' is not closed")
}

func TestOptimize(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		deleted []string
	}{
		{"repeated move", "mov eax, ebx\nmov eax, ebx\nretn\n", []string{"mov eax, ebx"}},
		{"overwritten move", "mov eax, 1\nmov eax, 2\nretn\n", []string{"mov eax, 1"}},
		{"move read in between", "mov eax, 1\nmov ebx, eax\nmov eax, 2\nretn\n", nil},
		{"constant folding", "mov eax, 1\ninc eax\nmov ebx, 2\nmov ebx, eax\nretn\n", []string{"mov ebx, eax"}},
		{"xor clears", "xor eax, eax\nmov eax, 0\nretn\n", []string{"mov eax, 0"}},
		{"meet at closed label", "mov eax, 1\ncmp ebx, 0\njz short @@done\nmov eax, 1\n@@done:\nmov eax, 1\nretn\n", []string{"mov eax, 1", "mov eax, 1"}},
		{"open label", "mov eax, 1\n@@loop:\nmov eax, 1\ndec ecx\njnz short @@loop\nretn\n", nil},
		{"repeated load", "mov eax, [esi]\npush eax\nmov eax, [esi]\nretn\n", []string{"mov eax, [esi]"}},
		{"load after store", "mov eax, [esi]\npush eax\nmov [edi], ebx\nmov eax, [esi]\nretn\n", nil},
		{"call barrier", "mov eax, 1\ncall g\nmov eax, 1\nretn\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildProc(t, "f proc near\n"+tt.body+"f endp\n")
			p.Optimize()
			assert.Equal(t, tt.deleted, deleted(p))
		})
	}
}

func TestOptimizeOverflowFlags(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		suppressed []bool
	}{
		{"never tested", "add eax, 1\nsub ebx, eax\nretn\n", []bool{true, true}},
		{"tested", "add eax, 1\ncmp eax, 2\njl short @@x\nretn\n@@x:\nretn\n", []bool{true, false}},
		{"tested after branch", "cmp eax, 2\njz short @@x\njl short @@x\n@@x:\nretn\n", []bool{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildProc(t, "f proc near\n"+tt.body+"f endp\n")
			p.Optimize()
			var suppressed []bool
			for _, n := range p.Nodes {
				if n.live() && effectsOf(n).writesOverflow {
					suppressed = append(suppressed, n.SuppressOverflow)
				}
			}
			assert.Equal(t, tt.suppressed, suppressed)
		})
	}
}

func TestOptimizeIdempotent(t *testing.T) {
	p := buildProc(t, `f proc near
mov eax, 1
mov ebx, eax
mov eax, 1
add ebx, 3
@@loop:
mov ecx, ebx
mov ecx, ebx
cmp ecx, 10
jl short @@loop
mov edx, 5
mov edx, 6
retn
f endp
`)
	p.Optimize()
	snapshot := func() []bool {
		var flags []bool
		for _, n := range p.Nodes {
			flags = append(flags, n.Deleted, n.SuppressOverflow)
		}
		return flags
	}
	first := snapshot()
	assert.NotEmpty(t, deleted(p))
	p.Optimize()
	assert.Equal(t, first, snapshot())
}
