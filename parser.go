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
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ParseError is the first error a parser ran into. Line is relative to the start of the
// parsed range.
type ParseError struct {
	Line    int
	Message string
	Token   string

	pos int
}

func (e *ParseError) Error() string {
	return e.Message
}

type anonDataItem struct {
	valid  bool
	line   int
	size   int
	uninit bool
	text   string
}

// Parser recovers procedures, data, structs and segments from one token range.
type Parser struct {
	tokens  *TokenStream
	symbols *SymbolTable
	structs *StructStream
	defines *DefinesMap

	items      ItemStream
	references *References
	segments   SegmentSet
	comments   []Token

	lineNo      int
	currentProc string
	restoreRegs bool
	localVars   []string
	lastAnon    anonDataItem
	hooks       []ProcHook
	hookIndex   int
	hookLine    int

	missingEndRange string
	foundEndRange   string
	// crossedEndRange is a range end found past the chunk end, in the look-ahead.
	crossedEndRange string
	err             *ParseError
}

func NewParser(tokens *TokenStream, symbols *SymbolTable, structs *StructStream, defines *DefinesMap) *Parser {
	return &Parser{
		tokens:     tokens,
		symbols:    symbols,
		structs:    structs,
		defines:    defines,
		references: NewReferences(),
		hookLine:   -1,
	}
}

func (p *Parser) Items() *ItemStream            { return &p.items }
func (p *Parser) References() *References       { return p.references }
func (p *Parser) Segments() *SegmentSet         { return &p.segments }
func (p *Parser) Structs() *StructStream        { return p.structs }
func (p *Parser) Defines() *DefinesMap          { return p.defines }
func (p *Parser) MissingEndRangeSymbol() string { return p.missingEndRange }
func (p *Parser) FoundEndRangeSymbol() string   { return p.foundEndRange }
func (p *Parser) CrossedEndRangeSymbol() string { return p.crossedEndRange }

// LineCount is the number of lines the parser went through, errors included.
func (p *Parser) LineCount() int { return p.lineNo - 1 }

// Err returns the parse error, if any.
func (p *Parser) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

func (p *Parser) at(i int) *Token { return p.tokens.At(i) }

// Parse consumes the stream's [Begin, End) range. On error it keeps counting lines so
// LineCount stays usable for global line numbers.
func (p *Parser) Parse() error {
	p.lineNo = 1
	if err := p.parseLines(); err != nil {
		p.err = err
		err.Line = p.lineNo
		p.updateLineCount(err.pos)
	}
	if len(p.comments) > 0 {
		p.items.AddTrailingComments(p.comments)
		p.comments = nil
	}
	p.markExports()
	return p.Err()
}

func (p *Parser) parseLines() (err *ParseError) {
	defer func() {
		if r := recover(); r != nil {
			pe, ok := r.(*ParseError)
			if !ok {
				panic(r)
			}
			err = pe
		}
	}()

	noBreak := NoBreakNotPresent
	end := p.tokens.End()
	for i := p.skipLeadingEmptyLines(); i < end; i++ {
		t := p.at(i)
		switch {
		case t.IsComment():
			p.comments = append(p.comments, *t)
			noBreak = t.NoBreak
			if noBreak == EndNoBreak {
				if last := p.items.LastDataItem(); last != nil {
					last.Contiguous = true
					noBreak = NoBreakNotPresent
				}
			}
			continue
		case t.IsNewLine():
			p.comments = append(p.comments, *t)
			p.lineNo++
			continue
		case t.IsEOF():
			continue
		case t.IsID():
			next := p.at(i + 1)
			switch {
			case t.LastChar() == ':' && len(t.Text) > 1:
				i = p.parseLabel(i)
			case t.LastChar() == '=' && len(t.Text) > 1:
				i = p.parseStackVariable(i)
			case next.Category == CatKeyword && next.KwType == StructUnionKeyword:
				i = p.parseStruct(i)
			case next.Kind == TokSegment || next.Kind == TokEnds:
				i = p.parseSegment(i)
			case t.Text[0] == '.':
				i = p.parseDirective(i)
			case next.Kind == TokEquals:
				i = p.parseDefine(i)
			case next.Kind == TokProc:
				i = p.parseProc(i)
			case next.Kind == TokEndp:
				i = p.parseEndProc(i)
			case next.IsDataSizeSpecifier() || next.IsID():
				i = p.parseDataItem(i, noBreak)
				noBreak = NoBreakNotPresent
			default:
				p.expectedCustom("something good", i)
			}
		default:
			switch t.Category {
			case CatInstruction:
				i = p.parseInstruction(i)
			case CatIgnore:
				i = p.ignoreLine(i)
				if p.at(i).IsNewLine() {
					p.lineNo++
				}
				// leading comments stay for the next item
				continue
			case CatKeyword:
				switch {
				case t.Kind == TokAlign || t.Kind == TokAssume:
					i = p.parseDirective(i)
				case t.IsDataSizeSpecifier():
					i = p.parseDataItem(i, noBreak)
				default:
					p.unexpected(i)
				}
			default:
				p.unexpected(i)
			}
			p.comments = p.comments[:0]
		}

		p.expect(TokNewLine, i)
		p.lineNo++
	}
	return nil
}

func (p *Parser) skipLeadingEmptyLines() int {
	i := p.tokens.Begin()
	for p.at(i).IsNewLine() {
		p.lineNo++
		i++
	}
	return i
}

func (p *Parser) parseStruct(i int) int {
	lineNo := p.lineNo
	st := &Struct{
		Name:            p.at(i).Text,
		IsUnion:         p.at(i+1).Kind == TokUnion,
		LeadingComments: flattenComments(p.comments),
	}
	p.comments = p.comments[:0]

	i += 2
	if p.at(i).IsComment() {
		st.Comment = p.at(i).Text
		i++
	}
	if err := p.structs.Add(st); err != nil {
		p.fail(err.Error(), i)
	}

	addComment := func(text string) {
		if n := len(st.Fields); n > 0 {
			st.Fields[n-1].Comment += text
		} else {
			st.Comment += text
		}
	}

	for ; i < p.tokens.End(); i++ {
		t := p.at(i)
		if t.Category == CatWhitespace {
			if t.IsNewLine() {
				p.lineNo++
				if p.at(i + 1).IsComment() {
					addComment("\n")
				}
			} else {
				addComment(t.Text)
			}
			continue
		}

		if t.Text == st.Name {
			p.expect(TokEnds, i+1)
			return i + 2
		}

		if t.Category == CatRegister {
			p.fail("register names are not allowed as struct members", i)
		} else if t.Text == "width" || t.Text == "type" || t.Text == "name" {
			p.fail("`"+t.Text+"' is not allowed as a struct member", i)
		}

		p.expectTextToken(i)
		var field StructField
		if !t.IsDataSizeSpecifier() {
			field.Name = t.Text
			i++
		}

		if p.at(i).IsID() {
			field.Type = p.at(i).Text
		} else {
			field.ElementSize = p.at(i).DataSize()
		}

		i++
		count := p.at(i)
		if count.Category != CatNumber && (!count.IsID() || count.Text != "?") {
			p.expectedCustom("`?' or size", i)
		}
		if count.Category == CatNumber {
			if field.Type != "" {
				st.NoDup = true
			}
			field.Dup = count.Text
			i++
			if p.at(i).Kind != TokDup || p.at(i).DupValue() != "?" {
				p.expectedCustom("`dup(?)'", i)
			}
		}

		i++
		if p.at(i).IsComment() {
			field.Comment = p.at(i).Text
			i++
		}
		p.expect(TokNewLine, i)
		st.Fields = append(st.Fields, field)

		if p.at(i + 1).IsComment() {
			addComment("\n")
		}
		p.lineNo++
	}

	p.lineNo = lineNo
	p.fail("unterminated struct `"+st.Name+"'", i)
	return i
}

func (p *Parser) parseInstruction(i int) int {
	if skip, ok := p.checkProcHookInsertion(i); ok {
		return skip
	}

	var prefix *Token
	if p.at(i).InsnType == PrefixInstruction {
		t := *p.at(i)
		prefix = &t
		i++
	}
	if p.at(i).Category != CatInstruction {
		p.expectedCustom("instruction", i)
	}

	insnToken := p.at(i)
	i++

	var (
		types       [maxOperands]OperandType
		sizes       [maxOperands]int
		begins      [maxOperands]int
		ends        [maxOperands]int
		comment     *Token
		operandNo   int
		sizeOperand bool
	)
	for n := range begins {
		begins[n], ends[n] = i, i
	}

	addOperandToken := func() { ends[operandNo] = i + 1 }
	setSize := func(size int) {
		if sizes[operandNo] > 0 && sizes[operandNo] != size {
			p.fail(fmt.Sprintf("inconsistent operand size: %d (was %d)", size, sizes[operandNo]), i)
		}
		sizes[operandNo] = size
	}
	checkBranchSpecifier := func(what string) {
		if insnToken.InsnType != BranchInstruction {
			p.fail(what+" used with a non-branch instruction "+insnToken.Text, i)
		}
	}

	for ; !p.at(i).IsNewLine(); i++ {
		t := p.at(i)
		switch t.Kind {
		case TokID:
			if insnToken.InsnType == BranchInstruction {
				types[operandNo] |= OperandLabel
			} else {
				types[operandNo] |= OperandVariable
			}
			addOperandToken()
			p.addReference(t, sizeOperand)
		case TokShort:
			types[operandNo] |= OperandShort
			sizes[operandNo] = 1
			addOperandToken()
			checkBranchSpecifier("`short'")
		case TokNear, TokFar:
			checkBranchSpecifier("`far' or `near'")
			i++
			p.expect(TokPtr, i)
		case TokByte, TokWord, TokDword, TokFword, TokQword, TokTbyte:
			types[operandNo] |= OperandPointer
			setSize(t.DataSize())
			addOperandToken()
			i++
			p.expect(TokPtr, i)
			addOperandToken()
		case TokLBracket:
			types[operandNo] |= OperandIndirect
			addOperandToken()
		case TokRBracket:
			if types[operandNo]&OperandIndirect == 0 {
				p.unexpected(i)
			}
			addOperandToken()
		case TokOffset:
			// the other operand of an offset must be a pointer
			if operandNo > 0 && sizes[operandNo-1] == 0 {
				sizes[operandNo-1] = 4
			}
			types[operandNo] |= OperandOffset
			addOperandToken()
		case TokSize:
			sizeOperand = true
			addOperandToken()
		case TokPlus, TokMinus, TokMult, TokLParen, TokRParen, TokString, TokSmall, TokLarge, TokSegPrefix:
			addOperandToken()
		case TokSeg:
			// not supported by later assemblers, drop the rest of the line
			return p.tokens.skipUntilNewLine(i)
		case TokComma:
			if operandNo+1 >= maxOperands {
				p.unexpected(i)
			}
			operandNo++
			if p.at(i + 1).IsNewLine() {
				p.unexpected(i + 1)
			}
			begins[operandNo], ends[operandNo] = i+1, i+1
		case TokComment:
			comment = t
			p.expect(TokNewLine, i+1)
		default:
			switch t.Category {
			case CatRegister:
				types[operandNo] |= OperandRegister
				// mov al, byte ptr [esi+ecx+35]
				if types[operandNo]&OperandIndirect == 0 {
					setSize(t.RegSize)
				}
				addOperandToken()
			case CatNumber:
				types[operandNo] |= OperandLiteral
				addOperandToken()
			default:
				p.unexpected(i)
			}
		}
	}

	insn := &Instruction{
		Prefix:   prefix,
		Op:       insnToken.Op,
		Text:     insnToken.Text,
		InsnType: insnToken.InsnType,
	}
	for n := 0; n <= operandNo; n++ {
		if begins[n] == ends[n] {
			break
		}
		insn.Operands = append(insn.Operands, Operand{
			Type:   types[n],
			Size:   sizes[n],
			Tokens: append([]Token(nil), p.tokens.tokens[begins[n]:ends[n]]...),
		})
	}

	if p.restoreRegs && insn.Op == OpRetn {
		p.outputRestoreCppRegisters()
	}
	p.items.AddInstruction(p.comments, comment, insn)
	return i
}

func (p *Parser) parseDefine(i int) int {
	name := p.at(i)
	i += 2

	inverted := false
	if v := p.at(i); v.Kind == TokNot || strings.EqualFold(v.Text, "not") {
		inverted = true
		i++
	}
	p.expectNumber(i)
	value := p.at(i)
	i++

	def := &Define{
		Name:            name.Text,
		ValueText:       value.Text,
		Value:           value.ParseInt(),
		Inverted:        inverted,
		LeadingComments: flattenComments(p.comments),
	}
	if p.at(i).IsComment() {
		def.Comment = p.at(i).Text
		i++
	}
	p.defines.Add(def)
	p.comments = p.comments[:0]
	return i
}

func (p *Parser) parseSegment(i int) int {
	begin := i
	var comment *Token
	end := i
	for ; !p.at(i).IsNewLine(); i++ {
		if p.at(i).IsComment() {
			comment = p.at(i)
			i++
			break
		}
		end = i + 1
	}
	p.expect(TokNewLine, i)

	tokens := append([]Token(nil), p.tokens.tokens[begin:end]...)
	name := tokens[0].Text
	if tokens[1].Kind == TokSegment {
		if action, _ := p.symbols.Lookup(name, ActionNone); action&ActionRemoveEndRange != 0 {
			p.clearCollectedOutput(name)
		}
		p.segments.Add(tokens)
	} else {
		p.segments.Remove(name)
	}

	p.items.AddSegment(p.comments, comment, tokens)
	p.comments = p.comments[:0]
	return i
}

func (p *Parser) parseDirective(i int) int {
	directive := p.at(i)
	d := &Directive{Text: directive.Text}
	i++
	for ; !p.at(i).IsComment() && !p.at(i).IsNewLine(); i++ {
		d.Params = append(d.Params, *p.at(i))
	}

	switch lower := strings.ToLower(directive.Text); {
	case directive.Kind == TokAlign:
		d.Type = DirectiveAlign
	case directive.Kind == TokAssume:
		d.Type = DirectiveAssume
	case lower == ".model":
		if len(d.Params) > 0 && strings.EqualFold(d.Params[0].Text, "flat") {
			d.Type = DirectiveModelFlat
		}
	default:
		d.Type = processorDirectives[lower]
	}
	if d.Type == DirectiveNone {
		p.fail(`invalid directive: "`+directive.Text+`"`, i)
	}

	var comment *Token
	if p.at(i).IsComment() {
		comment = p.at(i)
		i++
	}
	p.items.AddDirective(p.comments, comment, d)
	p.comments = p.comments[:0]
	return i
}

func (p *Parser) parseLabel(i int) int {
	t := p.at(i)
	if t.IsLocalLabel() {
		if skip, ok := p.checkProcHookInsertion(i); ok {
			return skip
		}
	} else {
		p.references.AddLabel(t.Text)
	}

	name := strings.TrimSuffix(t.Text, ":")
	i++
	var comment *Token
	if p.at(i).IsComment() {
		comment = p.at(i)
		i++
	}
	p.items.AddLabel(p.comments, comment, name)
	p.comments = p.comments[:0]
	p.expect(TokNewLine, i)
	return i
}

func (p *Parser) parseProc(i int) int {
	name := p.at(i).Text
	action, rangeEnd := p.symbols.Lookup(name, ActionNone)
	if action&ActionRemoveEndRange != 0 {
		p.clearCollectedOutput(name)
	}

	removed := action&ActionRemove != 0
	if !removed {
		p.references.AddProc(name)
		p.currentProc = name
		p.checkProcHookStart(i, action)
	}

	i += 2
	if p.at(i).Kind == TokNear || p.at(i).Kind == TokFar {
		i++
	}
	var comment *Token
	if p.at(i).IsComment() {
		comment = p.at(i)
		i++
	}

	if !removed {
		p.items.AddProc(p.comments, comment, name)

		// a left over int 3 right after the header, abort procs keep theirs
		next, newLines := p.nextSignificantToken(i)
		if p.at(next).Op == OpInt {
			param := p.at(next + 1)
			if param.Category == CatNumber && param.ParseInt() == 3 &&
				!strings.HasPrefix(name, "Fatal") && !strings.HasPrefix(name, "Endless") {
				p.lineNo += newLines
				i = p.tokens.skipUntilNewLine(next + 1)
			}
		}
	}

	p.comments = p.comments[:0]
	return p.handleSymbolActions(action, rangeEnd, i)
}

func (p *Parser) parseEndProc(i int) int {
	name := p.at(i).Text
	i++

	p.verifyHookLine(i)
	p.hookLine = -1

	p.expect(TokEndp, i)
	i++
	var comment *Token
	if p.at(i).IsComment() {
		comment = p.at(i)
		i++
	}

	p.items.AddEndProc(p.comments, comment, name)
	p.localVars = p.localVars[:0]
	p.currentProc = ""
	p.restoreRegs = false

	p.comments = p.comments[:0]
	p.expect(TokNewLine, i)
	return i
}

func (p *Parser) parseDataItem(i int, noBreak NoBreakStatus) int {
	var name string
	if p.at(i).IsID() {
		name = p.at(i).Text
		i++
	}

	var structName string
	size := 0
	if p.at(i).IsID() {
		structName = p.at(i).Text
	} else if size = p.at(i).DataSize(); size < 0 {
		p.expectedCustom("data size specifier", i)
	}
	i++

	if name != "" {
		action, rangeEnd := p.symbols.Lookup(name, ActionNone)
		if action&ActionRemoveEndRange != 0 {
			p.clearCollectedOutput(name)
		}
		if action&ActionRemove != 0 {
			p.comments = p.comments[:0]
			return p.handleSymbolRemoval(i, action, rangeEnd)
		}
		p.references.AddVariable(name, size, structName)
	}

	var lineComment *Token
	lineCommentPos := -1
	for j := i; !p.at(j).IsNewLine(); j++ {
		if p.at(j).IsComment() {
			lineComment = p.at(j)
			lineCommentPos = j
			break
		}
	}

	first := p.at(i)
	uninit := first.Text == "?"
	if structName == "" && (first.IsNumber() || uninit) {
		if _, newLines := p.nextSignificantToken(i + 1); newLines > 0 {
			sameAsPrev := name == "" && (lineComment == nil || strings.HasSuffix(lineComment.Text, ";")) &&
				len(p.comments) == 0 && p.lastAnon.valid && p.lastAnon.line == p.lineNo-1 &&
				p.lastAnon.size == size && p.lastAnon.uninit == uninit && p.lastAnon.text == first.Text
			p.lastAnon = anonDataItem{valid: true, line: p.lineNo, size: size, uninit: uninit, text: first.Text}

			if last := p.items.LastDataItem(); sameAsPrev && last != nil && len(last.Elements) == 1 {
				e := &last.Elements[0]
				if e.Dup == 0 {
					e.Dup++
				}
				e.Dup++
				if lineComment != nil {
					return lineCommentPos + 1
				}
				return i + 1
			}
		}
	}

	data := &DataItem{Name: name, StructName: structName, Size: size}
	if noBreak != NoBreakNotPresent {
		data.Contiguous = true
	}

	for !p.at(i).IsNewLine() {
		if p.at(i).IsComment() {
			i++
			break
		}

		dup, offset, isOffset := 0, 0, false
		element := i
		if p.at(i).Kind == TokOffset {
			isOffset = true
			i++
			p.expectTextToken(i)
			element = i
			p.addReference(p.at(i), false)
			if p.at(i+1).Kind == TokPlus {
				i += 2
				p.expectNumber(i)
				offset = p.at(i).ParseInt()
			}
		} else if p.at(i+1).Category == CatDup {
			p.expectNumber(i)
			dup = p.at(i).ParseInt()
			i++
			element = i
			if value := p.at(i).DupValue(); value != "" && value != "?" && isIDStart(value[0]) {
				p.references.AddReference(value)
			}
		}

		e := p.at(element)
		if e.Category != CatID && e.Category != CatNumber && e.Category != CatDup {
			p.expectedCustom("label or numeric constant", element)
		}
		data.Elements = append(data.Elements, newDataElement(e, isOffset, offset, dup))
		i++
		if p.at(i).Kind == TokComma {
			i++
		}
	}

	p.items.AddDataItem(p.comments, lineComment, data)
	p.comments = p.comments[:0]
	return i
}

func (p *Parser) parseStackVariable(i int) int {
	name := strings.TrimSuffix(p.at(i).Text, "=")
	i++

	sizeOrStruct := p.at(i)
	if !sizeOrStruct.IsID() && (sizeOrStruct.Category != CatKeyword || sizeOrStruct.KwType != SizeSpecifier) {
		p.expectedCustom("size specifier or struct name", i)
	}
	i++
	p.expect(TokPtr, i)
	i++
	p.expectNumber(i)
	offset := p.at(i)
	i++

	v := &StackVariable{
		Name:       name,
		SizeText:   sizeOrStruct.Text,
		OffsetText: offset.Text,
		Size:       max(sizeOrStruct.DataSize(), 0),
		Offset:     offset.ParseInt(),
	}
	var comment *Token
	if p.at(i).IsComment() {
		comment = p.at(i)
		i++
	}
	p.items.AddStackVariable(p.comments, comment, v)
	p.localVars = append(p.localVars, name)

	p.comments = p.comments[:0]
	p.expect(TokNewLine, i)
	return i
}

// ignoreLine skips to the line's comment or newline.
func (p *Parser) ignoreLine(i int) int {
	for p.at(i).Category != CatWhitespace && !p.at(i).IsEOF() {
		i++
	}
	return i
}

func (p *Parser) handleSymbolActions(action SymbolAction, rangeEnd string, i int) int {
	if action&(ActionRemove|ActionNull) != 0 {
		// the proc must be terminated and have no nested procs
		for p.at(i).Kind != TokEndp && !p.at(i).IsEOF() {
			if p.at(i).IsNewLine() {
				p.lineNo++
			}
			i++
		}
		i = p.tokens.skipUntilNewLine(i)

		if action&ActionNull != 0 {
			p.outputNullProc()
		}
		if action&ActionRemove != 0 {
			return p.handleSymbolRemoval(i, action, rangeEnd)
		}
	} else if action&ActionSaveCppRegisters != 0 {
		i = p.outputSaveCppRegisters(i)
		p.restoreRegs = true
	}

	if action&ActionOnEnter != 0 && p.currentProc != "" {
		hook := p.currentProc + onEnterSuffix
		i = p.outputCall(i, hook)
		p.references.AddReference(hook)
	}
	return i
}

func (p *Parser) checkProcHookStart(i int, action SymbolAction) {
	if action&ActionInsertCall == 0 {
		return
	}
	p.verifyHookLine(i)
	p.hooks = p.symbols.Hooks(p.currentProc)
	p.hookIndex = 0
	if len(p.hooks) > 0 {
		p.hookLine = p.lineNo + p.hooks[0].Line
	}
}

// checkProcHookInsertion emits the hook call due on the current line. It reports true
// with the position to continue from when the line itself must be dropped.
func (p *Parser) checkProcHookInsertion(i int) (int, bool) {
	if p.hookLine < p.lineNo {
		p.verifyHookLine(i)
	}
	if p.currentProc == "" || p.hookLine != p.lineNo {
		return 0, false
	}

	hook := p.hooks[p.hookIndex]
	if hook.Name != "" {
		p.items.AddInstruction(nil, nil, newSyntheticInstruction("call", hook.Name))
		p.references.AddReference(hook.Name)
	}

	p.hookIndex++
	if p.hookIndex < len(p.hooks) {
		p.hookLine = p.lineNo + p.hooks[p.hookIndex].Line - hook.Line
	} else {
		p.hookLine = -1
	}

	if hook.Name == "" {
		return p.tokens.skipUntilNewLine(i), true
	}
	return 0, false
}

func (p *Parser) verifyHookLine(i int) {
	if p.hookLine < 0 {
		return
	}
	msg := "insertion point for call passed"
	if p.hookIndex < len(p.hooks) && p.hooks[p.hookIndex].Name != "" {
		msg += " while looking for " + p.hooks[p.hookIndex].Name
	}
	p.fail(msg, i)
}

// addReference records an identifier operand, without its struct field suffix. Stack
// variables and local labels are not references.
func (p *Parser) addReference(t *Token, sizeOperand bool) {
	if sizeOperand || t.IsLocalLabel() {
		return
	}
	name := t.Text
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		name = name[:dot]
	}
	name = strings.TrimPrefix(name, "(")
	if !lo.Contains(p.localVars, name) {
		p.references.AddReference(name)
	}
}

func (p *Parser) outputNullProc() {
	p.items.AddInstruction(nil, nil, newSyntheticInstruction("retn"))
	p.items.AddEndProc(nil, nil, p.currentProc)
	p.currentProc = ""
}

var cppSavedRegisters = []string{"ebx", "esi", "edi", "ebp"}

func (p *Parser) outputSaveCppRegisters(i int) int {
	i, comments := p.collectComments(i)
	for n, reg := range cppSavedRegisters {
		var leading []Token
		if n == 0 {
			leading = comments
		}
		p.items.AddInstruction(leading, nil, newSyntheticInstruction("push", reg))
	}
	return i
}

func (p *Parser) outputRestoreCppRegisters() {
	for n := len(cppSavedRegisters) - 1; n >= 0; n-- {
		p.items.AddInstruction(nil, nil, newSyntheticInstruction("pop", cppSavedRegisters[n]))
	}
}

// outputCall emits `call name', taking over the comment lines that follow position i.
func (p *Parser) outputCall(i int, name string) int {
	i, comments := p.collectComments(i)
	p.items.AddInstruction(comments, nil, newSyntheticInstruction("call", name))
	return i
}

// collectComments gathers the comment lines after the newline at i. It returns the last
// whitespace token consumed.
func (p *Parser) collectComments(i int) (int, []Token) {
	if !p.at(i).IsNewLine() {
		return i, nil
	}
	var comments []Token
	for j := i + 1; p.at(j).Category == CatWhitespace; j++ {
		comments = append(comments, *p.at(j))
		if p.at(j).IsNewLine() {
			p.lineNo++
		}
		i = j
	}
	return i, comments
}

func (p *Parser) nextSignificantToken(i int) (int, int) {
	newLines := 0
	for p.at(i).Category == CatWhitespace {
		if p.at(i).IsNewLine() {
			newLines++
		}
		i++
	}
	return i, newLines
}

func (p *Parser) handleSymbolRemoval(i int, action SymbolAction, sym string) int {
	switch {
	case action&ActionRemoveSolo != 0:
		return p.tokens.skipUntilNewLine(i)
	case sym == EndMarker:
		p.missingEndRange = EndMarker
		return p.skipUntilEnd(i)
	default:
		i = p.skipUntilSymbol(i, sym)
		if !p.at(i + 1).IsEOF() {
			p.symbols.ClearAction(sym, ^ActionRemoveEndRange)
			if pos, _ := p.nextSignificantToken(i + 1); pos >= p.tokens.End() {
				p.crossedEndRange = sym
			}
		} else {
			p.missingEndRange = sym
		}
		return i
	}
}

// skipUntilEnd moves to the last newline of the input.
func (p *Parser) skipUntilEnd(i int) int {
	lastNewLine := i
	for ; !p.at(i).IsEOF(); i++ {
		if p.at(i).IsNewLine() {
			lastNewLine = i
			p.lineNo++
		}
	}
	if lastNewLine != i && p.at(lastNewLine).IsNewLine() {
		p.lineNo--
	}
	return lastNewLine
}

// skipUntilSymbol moves to the newline in front of sym's line, or in front of its leading
// comments.
func (p *Parser) skipUntilSymbol(i int, sym string) int {
	prevLeading, prevNewLine := -1, -1
	prevLineNo := 0
	for ; !p.at(i).IsEOF(); i++ {
		t := p.at(i)
		if t.IsNewLine() {
			prevNewLine = i
			next := p.at(i + 1)
			if next.IsComment() && prevLeading < 0 {
				prevLeading = i
				prevLineNo = p.lineNo
			}
			if next.IsID() && next.Text == sym {
				break
			}
			p.lineNo++
		} else if !t.IsComment() {
			prevLeading = -1
		}
	}

	switch {
	case p.at(i).IsEOF():
		if prevNewLine >= 0 {
			i = prevNewLine
			p.lineNo--
		}
	case prevLeading >= 0:
		p.lineNo = prevLineNo
		i = prevLeading
	}
	return i
}

// clearCollectedOutput discards everything parsed so far; it runs when the end of a
// removal range started in an earlier chunk shows up.
func (p *Parser) clearCollectedOutput(sym string) {
	p.foundEndRange = sym
	p.items.Clear()
	p.defines.Clear()
	p.references.Clear()
	p.segments.Clear()
	p.lastAnon = anonDataItem{}
	p.currentProc = ""
	p.restoreRegs = false
	p.localVars = p.localVars[:0]
	p.hookLine = -1
	p.hooks = nil
}

func (p *Parser) markExports() {
	for _, name := range p.symbols.ExportNames() {
		p.references.MarkExport(name)
	}
}

func (p *Parser) updateLineCount(i int) {
	for ; i < p.tokens.End(); i++ {
		if p.at(i).IsNewLine() {
			p.lineNo++
		}
	}
}

func (p *Parser) fail(msg string, i int) {
	panic(&ParseError{Message: msg, Token: p.at(i).Text, pos: i})
}

func (p *Parser) expect(kind TokenKind, i int) {
	if p.at(i).Kind != kind {
		p.fail("expecting "+kind.String()+", got "+p.at(i).Describe(), i)
	}
}

func (p *Parser) expectTextToken(i int) {
	if !p.at(i).IsText() {
		p.expectedCustom("text token", i)
	}
}

func (p *Parser) expectNumber(i int) {
	if !p.at(i).IsNumber() {
		p.expectedCustom("numeric value", i)
	}
}

func (p *Parser) expectedCustom(what string, i int) {
	p.fail("expecting "+what+", got "+p.at(i).Describe(), i)
}

func (p *Parser) unexpected(i int) {
	p.fail("unexpected token "+p.at(i).Kind.String()+" encountered", i)
}
