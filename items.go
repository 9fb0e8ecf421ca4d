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

import "strings"

type ItemKind uint8

const (
	ItemInstruction ItemKind = iota
	ItemDataItem
	ItemProc
	ItemEndProc
	ItemLabel
	ItemStackVariable
	ItemDirective
	ItemSegment
	ItemTrailingComment
)

var itemKindNames = [...]string{
	"instruction", "data item", "proc", "endp", "label", "stack variable", "directive", "segment", "comment",
}

func (k ItemKind) String() string {
	return itemKindNames[k]
}

// OperandType is a bit set describing what an instruction operand is made of.
type OperandType uint8

const (
	OperandRegister OperandType = 1 << iota
	OperandVariable
	OperandLabel
	OperandLiteral
	OperandOffset
	OperandIndirect
	OperandPointer
	OperandShort
)

const maxOperands = 3

// Operand is the raw token run of one instruction operand with its parse-time size (0 when
// the size is not known until canonicalization).
type Operand struct {
	Type   OperandType
	Size   int
	Tokens []Token
}

func (o *Operand) Empty() bool {
	return len(o.Tokens) == 0
}

// Text joins the operand tokens the way the listing spells them.
func (o *Operand) Text() string {
	var sb strings.Builder
	for i := range o.Tokens {
		sb.WriteString(o.Tokens[i].Text)
		if i+1 < len(o.Tokens) && needsSpaceDelimiter(&o.Tokens[i], &o.Tokens[i+1]) {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

// needsSpaceDelimiter matches the listing's habit of separating two words, and a non-name
// from an opening bracket.
func needsSpaceDelimiter(t, next *Token) bool {
	if t.IsText() && next.IsText() {
		return true
	}
	return !t.IsID() && t.Kind != TokSegPrefix && next.Kind == TokLBracket
}

type Instruction struct {
	Prefix   *Token
	Op       Opcode
	Text     string
	InsnType InstructionType
	Operands []Operand
}

func (insn *Instruction) IsBranch() bool {
	return insn.InsnType == BranchInstruction
}

// String renders the instruction on one line, e.g. "rep movsd" or "mov eax, [esi+4]".
func (insn *Instruction) String() string {
	var sb strings.Builder
	if insn.Prefix != nil {
		sb.WriteString(insn.Prefix.Text)
		sb.WriteByte(' ')
	}
	sb.WriteString(insn.Text)
	for i := range insn.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(insn.Operands[i].Text())
	}
	return sb.String()
}

// BranchTarget returns the label a branch jumps to, or "" for indirect branches.
func (insn *Instruction) BranchTarget() string {
	if !insn.IsBranch() || len(insn.Operands) == 0 {
		return ""
	}
	op := &insn.Operands[0]
	if op.Type&(OperandLabel|OperandVariable) == 0 || op.Type&(OperandIndirect|OperandRegister) != 0 {
		return ""
	}
	for i := range op.Tokens {
		if op.Tokens[i].IsID() {
			return op.Tokens[i].Text
		}
	}
	return ""
}

// newSyntheticInstruction builds an instruction that has no source line, used for hook calls
// and register save/restore sequences.
func newSyntheticInstruction(mnemonic string, operands ...string) *Instruction {
	info := opcodes[mnemonic]
	insn := &Instruction{Op: info.op, Text: mnemonic, InsnType: info.kind}
	for _, text := range operands {
		var tok Token
		var typ OperandType
		size := 0
		if reg, ok := registers[text]; ok {
			tok = Token{Kind: TokRegister, Category: CatRegister, Reg: reg.reg, RegSize: reg.size, Text: text}
			typ = OperandRegister
			size = reg.size
		} else {
			tok = Token{Kind: TokID, Category: CatID, Text: text, Hash: hashText(text)}
			typ = OperandVariable
			if insn.IsBranch() {
				typ = OperandLabel
			}
		}
		insn.Operands = append(insn.Operands, Operand{Type: typ, Size: size, Tokens: []Token{tok}})
	}
	return insn
}

type ElementType uint8

const (
	ElemHex ElementType = iota + 1
	ElemDec
	ElemBin
	ElemLabel
	ElemString
	ElemStructInit
	ElemUninitialized
)

// DataElement is one comma separated component of a data item.
type DataElement struct {
	Type     ElementType
	Text     string
	Value    int
	Dup      int
	IsOffset bool
	Offset   int
}

func (e *DataElement) IsNumber() bool {
	return e.Type == ElemHex || e.Type == ElemDec || e.Type == ElemBin
}

// Count is the number of values the element expands to.
func (e *DataElement) Count() int {
	if e.Dup > 0 {
		return e.Dup
	}
	return 1
}

func newDataElement(t *Token, isOffset bool, offset, dup int) DataElement {
	e := DataElement{Text: t.Text, Dup: dup, IsOffset: isOffset, Offset: offset}
	value := t
	if t.Kind == TokDup {
		e.Text = t.DupValue()
		inner := Tokenize([]byte(e.Text+"\n"), len(e.Text)+1, 0)
		value = inner.At(0)
	}
	switch {
	case value.IsNumber():
		e.Value = value.ParseInt()
		switch value.Kind {
		case TokHex:
			e.Type = ElemHex
		case TokBin:
			e.Type = ElemBin
		default:
			e.Type = ElemDec
		}
	case value.Kind == TokString:
		e.Type = ElemString
	case value.Text == "?":
		e.Type = ElemUninitialized
	case strings.HasPrefix(value.Text, "<"):
		e.Type = ElemStructInit
	default:
		e.Type = ElemLabel
	}
	return e
}

type DataItem struct {
	Name       string
	StructName string
	Size       int
	Elements   []DataElement
	// Contiguous items sit inside a no-break region and must stay adjacent in memory.
	Contiguous bool
}

// ByteSize is the number of bytes the item occupies when every element is expanded;
// struct instances report 0 and are sized through the struct catalog.
func (d *DataItem) ByteSize() int {
	if d.StructName != "" {
		return 0
	}
	total := 0
	for i := range d.Elements {
		e := &d.Elements[i]
		n := e.Count()
		if e.Type == ElemString {
			n *= len(unquote(e.Text))
		}
		total += n * d.Size
	}
	return total
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		q := string(s[0])
		return strings.ReplaceAll(s[1:len(s)-1], q+q, q)
	}
	return s
}

type StackVariable struct {
	Name       string
	SizeText   string
	OffsetText string
	// Size is 0 for struct typed variables.
	Size   int
	Offset int
}

type DirectiveType uint8

const (
	DirectiveNone DirectiveType = iota
	Directive386
	Directive486
	Directive586
	Directive686
	Directive386p
	Directive486p
	Directive586p
	Directive686p
	Directive387
	DirectiveK3D
	DirectiveMMX
	DirectiveXMM
	DirectiveModelFlat
	DirectiveAlign
	DirectiveAssume
)

var processorDirectives = map[string]DirectiveType{
	".386": Directive386, ".486": Directive486, ".586": Directive586, ".686": Directive686,
	".386p": Directive386p, ".486p": Directive486p, ".586p": Directive586p, ".686p": Directive686p,
	".387": Directive387, ".k3d": DirectiveK3D, ".mmx": DirectiveMMX, ".xmm": DirectiveXMM,
}

type Directive struct {
	Type   DirectiveType
	Text   string
	Params []Token
}

// Item is one recovered unit of the listing. Exactly one payload field is set, matching Kind.
type Item struct {
	Kind            ItemKind
	LeadingComments string
	Comment         string

	Insn      *Instruction
	Data      *DataItem
	Name      string
	StackVar  *StackVariable
	Directive *Directive
	// Segment holds the segment line tokens, `name segment ...' or `name ends'.
	Segment []Token
}

// ItemStream is the append-only sequence of items a parser produced.
type ItemStream struct {
	items []Item
}

func (s *ItemStream) Items() []Item { return s.items }
func (s *ItemStream) Len() int      { return len(s.items) }

func (s *ItemStream) add(kind ItemKind, leading []Token, comment *Token) *Item {
	s.items = append(s.items, Item{Kind: kind, LeadingComments: flattenComments(leading)})
	item := &s.items[len(s.items)-1]
	if comment != nil {
		item.Comment = comment.Text
	}
	return item
}

func (s *ItemStream) AddInstruction(leading []Token, comment *Token, insn *Instruction) {
	s.add(ItemInstruction, leading, comment).Insn = insn
}

func (s *ItemStream) AddProc(leading []Token, comment *Token, name string) {
	s.add(ItemProc, leading, comment).Name = name
}

func (s *ItemStream) AddEndProc(leading []Token, comment *Token, name string) {
	s.add(ItemEndProc, leading, comment).Name = name
}

func (s *ItemStream) AddLabel(leading []Token, comment *Token, name string) {
	s.add(ItemLabel, leading, comment).Name = name
}

func (s *ItemStream) AddStackVariable(leading []Token, comment *Token, v *StackVariable) {
	s.add(ItemStackVariable, leading, comment).StackVar = v
}

func (s *ItemStream) AddDataItem(leading []Token, comment *Token, d *DataItem) {
	s.add(ItemDataItem, leading, comment).Data = d
}

func (s *ItemStream) AddDirective(leading []Token, comment *Token, d *Directive) {
	s.add(ItemDirective, leading, comment).Directive = d
}

func (s *ItemStream) AddSegment(leading []Token, comment *Token, tokens []Token) {
	s.add(ItemSegment, leading, comment).Segment = tokens
}

func (s *ItemStream) AddTrailingComments(comments []Token) {
	s.add(ItemTrailingComment, comments, nil)
}

func (s *ItemStream) LastItem() *Item {
	if len(s.items) == 0 {
		return nil
	}
	return &s.items[len(s.items)-1]
}

// LastDataItem returns the last item if it is a data item.
func (s *ItemStream) LastDataItem() *DataItem {
	if last := s.LastItem(); last != nil && last.Kind == ItemDataItem {
		return last.Data
	}
	return nil
}

func (s *ItemStream) Clear() {
	s.items = s.items[:0]
}

// flattenComments renders a run of comment and newline tokens back to text. Newlines are
// normalized to "\n".
func flattenComments(tokens []Token) string {
	if len(tokens) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := range tokens {
		if tokens[i].IsNewLine() {
			sb.WriteByte('\n')
		} else {
			sb.WriteString(tokens[i].Text)
		}
	}
	return sb.String()
}
