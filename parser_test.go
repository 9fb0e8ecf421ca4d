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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, text string, symbols *SymbolTable) (*Parser, error) {
	t.Helper()
	if symbols == nil {
		symbols = NewSymbolTable()
	}
	p := NewParser(tokenize(text), symbols, NewStructStream(), NewDefinesMap())
	return p, p.Parse()
}

func itemKinds(items []Item) []ItemKind {
	kinds := make([]ItemKind, len(items))
	for i := range items {
		kinds[i] = items[i].Kind
	}
	return kinds
}

func TestParseProc(t *testing.T) {
	p, err := parse(t, `; entry point
main proc near
var_4= dword ptr -4
mov eax, [ebp+var_4]
@@next:
jmp short @@next ; forever
retn
main endp
`, nil)
	require.NoError(t, err)
	items := p.Items().Items()
	assert.Equal(t, []ItemKind{ItemProc, ItemStackVariable, ItemInstruction, ItemLabel, ItemInstruction, ItemInstruction, ItemEndProc}, itemKinds(items))

	assert.Equal(t, "main", items[0].Name)
	assert.Equal(t, "; entry point\n", items[0].LeadingComments)
	assert.Equal(t, StackVariable{Name: "var_4", SizeText: "dword", OffsetText: "-4", Size: 4, Offset: -4}, *items[1].StackVar)

	mov := items[2].Insn
	assert.Equal(t, OpMov, mov.Op)
	require.Len(t, mov.Operands, 2)
	assert.Equal(t, OperandRegister, mov.Operands[0].Type)
	assert.Equal(t, 4, mov.Operands[0].Size)
	assert.Equal(t, OperandIndirect|OperandRegister|OperandVariable, mov.Operands[1].Type)
	assert.Equal(t, "mov eax, [ebp+var_4]", mov.String())

	assert.Equal(t, "@@next", items[3].Name)
	jmp := items[4].Insn
	assert.True(t, jmp.IsBranch())
	assert.Equal(t, "@@next", jmp.BranchTarget())
	assert.Equal(t, " ; forever", items[4].Comment)

	assert.True(t, p.References().HasLabel("main"))
	assert.NotContains(t, p.References().References(), "var_4")
	assert.Equal(t, 8, p.LineCount())
}

func TestParseDataItems(t *testing.T) {
	p, err := parse(t, "buf db 0\ndb 0\ndb 0\nmsg db 'hi', 0\ntable dd offset buf+2, 4 dup(?)\n", nil)
	require.NoError(t, err)
	items := p.Items().Items()
	require.Len(t, items, 3)

	buf := items[0].Data
	assert.Equal(t, "buf", buf.Name)
	require.Len(t, buf.Elements, 1)
	assert.Equal(t, 3, buf.Elements[0].Dup)

	msg := items[1].Data
	require.Len(t, msg.Elements, 2)
	assert.Equal(t, ElemString, msg.Elements[0].Type)
	assert.Equal(t, ElemDec, msg.Elements[1].Type)

	table := items[2].Data
	assert.Equal(t, 4, table.Size)
	require.Len(t, table.Elements, 2)
	assert.True(t, table.Elements[0].IsOffset)
	assert.Equal(t, 2, table.Elements[0].Offset)
	assert.Equal(t, "buf", table.Elements[0].Text)
	assert.Equal(t, 4, table.Elements[1].Dup)
	assert.Equal(t, ElemUninitialized, table.Elements[1].Type)
	assert.Contains(t, p.References().References(), "buf")
}

func TestParseDataNotCoalesced(t *testing.T) {
	tests := []struct {
		name  string
		input string
		items int
	}{
		{"different value", "x db 0\ndb 1\n", 2},
		{"different size", "x db 0\ndw 0\n", 2},
		{"comment between", "x db 0\n; gap\ndb 0\n", 2},
		{"named", "x db 0\ny db 0\n", 2},
		{"same", "x db ?\ndb ?\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parse(t, tt.input, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.items, p.Items().Len())
		})
	}
}

func TestParseStructsAndDefines(t *testing.T) {
	p, err := parse(t, "Point struc\nxpos dw ?\nypos dw ?\nPoint ends\nLIMIT = 10h\nMASK = not 1\norigin Point <0, 0>\n", nil)
	require.NoError(t, err)

	st := p.Structs().Find("Point")
	require.NotNil(t, st)
	require.NoError(t, p.Structs().Seal())
	assert.False(t, st.IsUnion)
	assert.Len(t, st.Fields, 2)
	assert.Equal(t, "ypos", st.Fields[1].Name)
	assert.Equal(t, 4, st.Size())

	limit := p.Defines().Get("LIMIT")
	require.NotNil(t, limit)
	assert.Equal(t, 16, limit.Value)
	assert.True(t, p.Defines().Get("MASK").Inverted)

	items := p.Items().Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Point", items[0].Data.StructName)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		line    int
		message string
	}{
		{"dangling comma", "nop\nmov eax,\n", 2, "unexpected token"},
		{"unterminated struct", "S struc\nf db ?\n", 1, "unterminated struct `S'"},
		{"short on mov", "mov short eax, 1\n", 1, "`short' used with a non-branch instruction"},
		{"member name", "S struc\ntype db ?\nS ends\n", 2, "not allowed as a struct member"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.input, nil)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.line, pe.Line)
			assert.Contains(t, pe.Message, tt.message)
		})
	}
}

func TestParseRemovals(t *testing.T) {
	input := "f proc near\nretn\nf endp\nx db 1\ng proc near\nretn\ng endp\nh proc near\nretn\nh endp\n"
	tests := []struct {
		name    string
		symbols string
		procs   []string
		missing string
	}{
		{"solo", "[remove]\nf\n", []string{"g", "h"}, ""},
		{"range", "[remove]\nf g\n", []string{"g", "h"}, ""},
		{"until end", "[remove]\ng @end\n", []string{"f"}, EndMarker},
		{"missing end", "[remove]\ng nowhere\n", []string{"f"}, "nowhere"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			symbols, err := ParseSymbols(strings.NewReader(tt.symbols))
			require.NoError(t, err)
			p, err := parse(t, input, symbols)
			require.NoError(t, err)
			var procs []string
			for _, item := range p.Items().Items() {
				if item.Kind == ItemProc {
					procs = append(procs, item.Name)
				}
			}
			assert.Equal(t, tt.procs, procs)
			assert.Equal(t, tt.missing, p.MissingEndRangeSymbol())
		})
	}
}

func TestParseNullAndHooks(t *testing.T) {
	symbols, err := ParseSymbols(strings.NewReader("[null]\nstub\n[insert-call]\nmain 2 hook\nmain 3 -\n"))
	require.NoError(t, err)
	p, err := parse(t, "stub proc near\nmov eax, 1\nretn\nstub endp\nmain proc near\nnop\nnop\ninc eax\nretn\nmain endp\n", symbols)
	require.NoError(t, err)

	var text []string
	for _, item := range p.Items().Items() {
		switch item.Kind {
		case ItemInstruction:
			text = append(text, item.Insn.String())
		case ItemProc, ItemEndProc:
			text = append(text, item.Kind.String()+" "+item.Name)
		}
	}
	assert.Equal(t, []string{
		ItemProc.String() + " stub", "retn", ItemEndProc.String() + " stub",
		ItemProc.String() + " main", "nop", "call hook", "nop", "retn", ItemEndProc.String() + " main",
	}, text)
	assert.Contains(t, p.References().References(), "hook")

	// line 2 holds a stack variable, the first instruction is on line 3
	symbols, err = ParseSymbols(strings.NewReader("[insert-call]\nmain 1 hook\n"))
	require.NoError(t, err)
	_, err = parse(t, "main proc near\nvar_4= dword ptr -4\nmov eax, 1\nretn\nmain endp\n", symbols)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Line)
	assert.Equal(t, "insertion point for call passed while looking for hook", pe.Message)
}
