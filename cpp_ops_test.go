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
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderProc(t *testing.T, text string) (string, map[string]bool, error) {
	t.Helper()
	symbols := NewSymbolTable()
	p, bank := layout(t, text, symbols)
	env := &OperandEnv{
		Structs:    p.Structs(),
		StructMap:  NewStructMap(p.Structs()),
		Defines:    p.Defines(),
		References: p.References(),
		Bank:       bank,
	}
	items := p.Items().Items()
	start := slices.IndexFunc(items, func(item Item) bool { return item.Kind == ItemProc })
	require.GreaterOrEqual(t, start, 0)
	proc, _, err := BuildProcIR(items, start, env, "")
	require.NoError(t, err)
	g := &cppProc{
		ir:         proc,
		bank:       bank,
		symbols:    symbols,
		procs:      map[string]bool{proc.Name: true},
		undeclared: make(map[string]bool),
	}
	code, err := g.render()
	return code, g.undeclared, err
}

func TestCNumber(t *testing.T) {
	assert.Equal(t, "0", cNumber(0))
	assert.Equal(t, "9", cNumber(9))
	assert.Equal(t, "-9", cNumber(-9))
	assert.Equal(t, "0xa", cNumber(10))
	assert.Equal(t, "-0x10", cNumber(-16))
}

func TestFixedRead(t *testing.T) {
	assert.Equal(t, "g_memByte[0x101]", fixedRead(257, 1))
	assert.Equal(t, "g_memWord[0x81]", fixedRead(258, 2))
	assert.Equal(t, "g_memDword[0x40]", fixedRead(256, 4))
	assert.Equal(t, "(word)(g_memByte[0x101] | g_memByte[0x102] << 8)", fixedRead(257, 2))
}

func TestLabelIdent(t *testing.T) {
	assert.Equal(t, "l___done", labelIdent("@@done"))
	assert.Equal(t, "l_loc_1234", labelIdent("loc_1234"))
}

func TestRenderProc(t *testing.T) {
	code, undeclared, err := renderProc(t, `counter dd 0
Update proc near
mov eax, counter
call Helper
cmp eax, 1
jl short @@done
inc eax
@@done:
retn
Update endp
`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "void Update()\n{\n"))
	assert.Contains(t, code, "    // mov eax, counter\n    eax = g_memDword[0x40];\n")
	assert.Contains(t, code, "    call(Helper);\n")
	assert.Contains(t, code, "    if (flags.sign != flags.overflow)\n        return;\n")
	assert.Contains(t, code, "l___done:;\n")
	assert.True(t, strings.HasSuffix(code, "    return;\n}\n\n"))
	assert.Equal(t, map[string]bool{"Helper": true}, undeclared)
}

func TestRenderJumps(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{
			name:     "tail jump",
			text:     "A proc near\njmp B\nA endp\nB proc near\nretn\nB endp\n",
			expected: "    B();\n}\n",
		},
		{
			name:     "conditional tail jump",
			text:     "A proc near\ncmp eax, 1\njz B\nretn\nA endp\nB proc near\nretn\nB endp\n",
			expected: "    if (flags.zero)\n        B();\n",
		},
		{
			name:     "jump and return",
			text:     "A proc near\ncmp eax, 1\njz B\ninc eax\nretn\nA endp\nB proc near\nretn\nB endp\n",
			expected: "    if (flags.zero)\n        { B(); return; }\n",
		},
		{
			name:     "start over",
			text:     "A proc near\ndec ecx\njnz A\nretn\nA endp\n",
			expected: "    if (!flags.zero)\n        goto _l_start;\n",
		},
		{
			name:     "fall through",
			text:     "A proc near\ninc eax\nA endp\nB proc near\nretn\nB endp\n",
			expected: "    }\n    B();\n}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, err := renderProc(t, tt.text)
			require.NoError(t, err)
			assert.Contains(t, code, tt.expected)
		})
	}
}

func TestRenderStartLabel(t *testing.T) {
	code, _, err := renderProc(t, "A proc near\ndec ecx\njnz A\nretn\nA endp\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "void A()\n{\n_l_start:;\n"))
}

func TestRenderParityUnsupported(t *testing.T) {
	_, _, err := renderProc(t, "A proc near\ncmp eax, 1\njp short @@x\n@@x:\nretn\nA endp\n")
	assert.ErrorContains(t, err, "parity flag is not emulated")
}

func TestRenderOverflow(t *testing.T) {
	code, _, err := renderProc(t, "A proc near\nadd al, bl\nsub al, bl\nretn\nA endp\n")
	require.NoError(t, err)
	assert.Contains(t, code, "flags.overflow = dstSigned < 0 ? srcSigned < INT8_MIN - dstSigned : srcSigned > INT8_MAX - dstSigned;")
	assert.Contains(t, code, "flags.overflow = dstSigned < 0 ? srcSigned > dstSigned - INT8_MIN : srcSigned < dstSigned - INT8_MAX;")

	// the same conditions evaluated for every pair of bytes
	addOverflow := func(dst, src int) bool {
		if dst < 0 {
			return src < math.MinInt8-dst
		}
		return src > math.MaxInt8-dst
	}
	subOverflow := func(dst, src int) bool {
		if dst < 0 {
			return src > dst-math.MinInt8
		}
		return src < dst-math.MaxInt8
	}
	outOfRange := func(v int) bool { return v < math.MinInt8 || v > math.MaxInt8 }
	var wrong [][2]int
	for dst := math.MinInt8; dst <= math.MaxInt8; dst++ {
		for src := math.MinInt8; src <= math.MaxInt8; src++ {
			if addOverflow(dst, src) != outOfRange(dst+src) || subOverflow(dst, src) != outOfRange(dst-src) {
				wrong = append(wrong, [2]int{dst, src})
			}
		}
	}
	assert.Empty(t, wrong)
	assert.True(t, addOverflow(-1, -128))
	assert.False(t, addOverflow(-1, 127))
	assert.True(t, subOverflow(0, -128))
}
