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

// OperandEnv is everything operand canonicalization looks names up in.
type OperandEnv struct {
	Structs    *StructStream
	StructMap  StructMap
	Defines    *DefinesMap
	References *References
	Bank       *DataBank
	// StackVars holds the frame offsets of the current procedure's stack variables.
	StackVars map[string]*StackVariable
}

type componentKind uint8

const (
	compNone componentKind = iota
	compID
	compNumber
	compString
	compReg
)

type opComponent struct {
	kind componentKind
	text string
	num  int
	reg  registerInfo
}

func (c *opComponent) empty() bool     { return c.kind == compNone }
func (c *opComponent) isNumber() bool  { return c.kind == compNumber }
func (c *opComponent) hasString() bool { return c.kind == compID }

// rawOperand is the first pass over an operand's tokens: components in base, scale,
// displacement order plus what the syntax says about the access.
type rawOperand struct {
	size        int
	base        opComponent
	scale       opComponent
	disp        opComponent
	scaleFactor int

	address     bool
	dereference bool
	pointer     bool
	straightReg bool
	hasReg      bool
	structField bool
}

func (op *rawOperand) components() []*opComponent {
	return []*opComponent{&op.base, &op.scale, &op.disp}
}

// needsMemoryFetch is false for emulated 68k registers, `word ptr D0+2' reads part of the
// register.
func (op *rawOperand) needsMemoryFetch() bool {
	return !op.got68kRegister() && (op.pointer || !op.scale.empty() || op.dereference) && !op.address
}

func (op *rawOperand) got68kRegister() bool {
	return lo.ContainsBy(op.components(), func(c *opComponent) bool {
		return c.kind == compID && isAmigaRegister(c.text)
	})
}

// operandExtractor canonicalizes the operands of one instruction.
type operandExtractor struct {
	insn *Instruction
	env  *OperandEnv
	ops  [maxOperands]rawOperand
}

// CookOperands returns the canonical operands of a non-branch instruction.
func CookOperands(insn *Instruction, env *OperandEnv) ([]CookedOperand, error) {
	x := &operandExtractor{insn: insn, env: env}
	for i := range insn.Operands {
		if i >= maxOperands {
			return nil, fmt.Errorf("too many operands for `%s'", insn.Text)
		}
		if err := x.parse(i); err != nil {
			return nil, err
		}
	}
	x.convertProcPointers()
	if insn.Op == OpPush {
		// push small is only kept for the pop
		x.ops[0].size = 4
	}
	if err := x.ensureSizeInformation(); err != nil {
		return nil, err
	}
	return x.cook()
}

func (x *operandExtractor) parse(index int) error {
	op := &x.ops[index]
	operand := &x.insn.Operands[index]
	tokens := operand.Tokens
	op.size = operand.Size
	negate := false
	for i := 0; i < len(tokens); i++ {
		t := &tokens[i]
		switch t.Kind {
		case TokOffset:
			op.address = true
		case TokLBracket:
			op.dereference = true
		case TokByte, TokWord, TokDword, TokQword, TokTbyte, TokFword:
			op.pointer = true
			if op.size == 0 {
				op.size = t.DataSize()
			}
		case TokPtr, TokRBracket, TokLParen, TokRParen, TokPlus, TokShort, TokNear, TokFar,
			TokSmall, TokLarge, TokSegPrefix:
		case TokMinus:
			negate = true
		case TokMult:
			i++
			if i >= len(tokens) || !tokens[i].IsNumber() {
				return fmt.Errorf("invalid scale in operand `%s'", operand.Text())
			}
			factor := tokens[i].ParseInt()
			if op.base.isNumber() && op.scale.empty() {
				op.base.num *= factor
			} else if op.scaleFactor == 0 {
				op.scaleFactor = factor
			} else {
				return fmt.Errorf("invalid scale in operand `%s'", operand.Text())
			}
		case TokSize:
			i++
			if i >= len(tokens) || !tokens[i].IsID() {
				return fmt.Errorf("expected struct name after size in `%s'", operand.Text())
			}
			st := x.env.Structs.Find(tokens[i].Text)
			if st == nil {
				return fmt.Errorf("unknown struct `%s'", tokens[i].Text)
			}
			x.assign(op, opComponent{kind: compNumber, text: "size " + st.Name, num: st.Size()})
		default:
			c, next, err := x.expand(op, tokens, i)
			if err != nil {
				return err
			}
			i = next
			if c.empty() {
				continue
			}
			if negate && c.isNumber() {
				c.num = -c.num
			}
			negate = false
			x.assign(op, c)
		}
	}
	if op.straightReg && (op.address || op.dereference || op.pointer || !op.disp.empty() || !op.scale.empty() || op.scaleFactor > 0) {
		op.straightReg = false
	}
	x.markMemoryAccessForVariables(op)
	return nil
}

// assign fills base, then scale, then displacement. A register following a variable
// becomes the base: `mov dl, colorTable[edx]'.
func (x *operandExtractor) assign(op *rawOperand, c opComponent) {
	switch {
	case op.base.empty():
		op.base = c
		if c.kind == compReg {
			op.straightReg = true
		}
	case op.scale.empty():
		op.scale = c
		if c.kind == compReg && op.base.kind == compID {
			op.base, op.scale = op.scale, op.base
		}
	case op.disp.empty():
		op.disp = c
	default:
		if c.isNumber() && op.disp.isNumber() {
			op.disp.num += c.num
		}
	}
	if c.kind == compReg {
		op.hasReg = true
	}
}

// expand turns the token at i into a component, resolving struct field accesses. It
// returns the index of the last token consumed.
func (x *operandExtractor) expand(op *rawOperand, tokens []Token, i int) (opComponent, int, error) {
	t := &tokens[i]
	switch {
	case t.Kind == TokRegister:
		info := registers[strings.ToLower(t.Text)]
		return opComponent{kind: compReg, text: t.Text, reg: info}, i, nil
	case t.IsNumber():
		return opComponent{kind: compNumber, text: t.Text, num: t.ParseInt()}, i, nil
	case t.Kind == TokString:
		return opComponent{kind: compNumber, text: t.Text, num: stringConstant(t.Text)}, i, nil
	case t.IsID():
		if strings.Contains(t.Text, ".") {
			if c, next, ok := x.expandDirectStructField(op, tokens, i); ok {
				return c, next, nil
			}
			c, next, ok, err := x.expandVariableStructField(op, tokens, i)
			if err != nil || ok {
				return c, next, err
			}
		}
		return opComponent{kind: compID, text: t.Text}, i, nil
	}
	return opComponent{}, i, nil
}

// expandDirectStructField handles `[esi+Sprite.shirtNumber]'.
func (x *operandExtractor) expandDirectStructField(op *rawOperand, tokens []Token, i int) (opComponent, int, bool) {
	member, ok := x.env.StructMap.Get(tokens[i].Text)
	if !ok {
		return opComponent{}, i, false
	}
	if op.size == 0 && !op.pointer && op.dereference {
		op.size = min(member.Size, 4)
	}
	if op.dereference {
		op.structField = true
	}
	extra, next := gatherNumericOffsets(tokens, i)
	return opComponent{kind: compNumber, text: tokens[i].Text, num: member.Offset + extra}, next, true
}

// expandVariableStructField handles `mov goalSprite.saveSprite, 0' where goalSprite is
// accessed as a struct: the variable stays the base, the field becomes a fixed offset.
func (x *operandExtractor) expandVariableStructField(op *rawOperand, tokens []Token, i int) (opComponent, int, bool, error) {
	if x.env.Bank == nil {
		return opComponent{}, i, false, nil
	}
	varName, field, _ := strings.Cut(tokens[i].Text, ".")
	structName, ok := x.env.Bank.StructNameFromVar(varName)
	if !ok {
		return opComponent{}, i, false, nil
	}
	member, ok := x.env.StructMap.Get(structName + "." + field)
	if !ok {
		return opComponent{}, i, false, fmt.Errorf("struct `%s' has no field `%s'", structName, field)
	}
	extra, next := gatherNumericOffsets(tokens, i)
	offset := opComponent{kind: compNumber, text: "." + field, num: member.Offset + extra}
	switch {
	case op.scale.empty():
		op.scale = offset
	case op.disp.empty():
		op.disp = offset
	default:
		return opComponent{}, i, false, fmt.Errorf("operand `%s' is too complex", tokens[i].Text)
	}
	op.structField = true
	if !op.address {
		op.dereference = true
		op.size = member.Size
	} else {
		op.size = 4
	}
	return opComponent{kind: compID, text: varName}, next, true, nil
}

// gatherNumericOffsets adds the `+N' terms right after a struct field.
func gatherNumericOffsets(tokens []Token, i int) (int, int) {
	offset := 0
	for i+2 < len(tokens) && tokens[i+1].Kind == TokPlus && tokens[i+2].IsNumber() {
		offset += tokens[i+2].ParseInt()
		i += 2
	}
	return offset, i
}

// markMemoryAccessForVariables turns a bare variable name into a memory access.
func (x *operandExtractor) markMemoryAccessForVariables(op *rawOperand) {
	if op.address || op.dereference {
		return
	}
	if x.env.Bank == nil {
		return
	}
	op.dereference = lo.ContainsBy(op.components(), func(c *opComponent) bool {
		return c.hasString() && !isAmigaRegister(c.text) && x.env.Bank.IsVariable(c.text)
	})
}

// convertProcPointers turns `mov x, offset proc' into a move of the proc index.
func (x *operandExtractor) convertProcPointers() {
	if x.insn.Op != OpMov || len(x.insn.Operands) < 2 || x.env.Bank == nil {
		return
	}
	op := &x.ops[1]
	if op.address && op.base.kind == compID && op.scale.empty() && op.disp.empty() && !strings.Contains(op.base.text, ".") {
		if index := x.env.Bank.ProcIndex(op.base.text); index != -1 {
			op.base = opComponent{kind: compNumber, text: op.base.text, num: index}
		}
	}
}

func (x *operandExtractor) numOperands() int {
	return min(len(x.insn.Operands), maxOperands)
}

// ensureSizeInformation infers missing sizes from the declarations of the names used,
// then from the other operand.
func (x *operandExtractor) ensureSizeInformation() error {
	known := lo.CountBy(x.ops[:x.numOperands()], func(op rawOperand) bool { return op.size > 0 })
	shiftRotate := x.insn.InsnType == ShiftRotateInstruction
	if (shiftRotate && x.ops[0].size == 0) || known == 0 {
		done, err := x.thoroughSizeSearch()
		if err != nil || done {
			return err
		}
	}
	if x.insn.Op == OpInt {
		x.ops[0].size = 1
		return nil
	}
	x.overrideOrPropagateStructVarSize()
	return nil
}

// thoroughSizeSearch resolves cases like `mov dword ptr sprites.quads[ebx], 0' through
// the declared type of the variable.
func (x *operandExtractor) thoroughSizeSearch() (bool, error) {
	for i := 0; i < min(x.numOperands(), 2); i++ {
		op := &x.ops[i]
		var idField string
		switch {
		case op.base.hasString():
			idField = op.base.text
		case op.scale.hasString():
			idField = op.scale.text
		default:
			continue
		}
		if isAmigaRegister(idField) {
			op.size = 4
			return true, nil
		}
		if sv, ok := x.env.StackVars[idField]; ok && sv.Size > 0 {
			op.size = sv.Size
			return true, nil
		}
		id, field, hasField := strings.Cut(idField, ".")
		typ, structName := x.referenceType(id)
		switch typ {
		case RefByte, RefWord, RefDword, RefQword, RefTbyte:
			op.size = typ.Size()
			return true, nil
		case RefUser:
			if !hasField {
				if st := x.env.Structs.Find(structName); st != nil {
					op.size = min(st.Size(), 4)
				}
				return true, nil
			}
			member, ok := x.env.StructMap.Get(structName + "." + field)
			if !ok {
				return false, fmt.Errorf("struct `%s' has no field `%s'", structName, field)
			}
			op.size = member.Size
			return true, nil
		case RefIgnore:
			return true, nil
		default:
			if x.env.Defines.Get(id) != nil {
				continue
			}
			return false, fmt.Errorf("undefined reference: %s", id)
		}
	}
	return false, nil
}

// referenceType types a name defined here or in another chunk.
func (x *operandExtractor) referenceType(name string) (ReferenceType, string) {
	if typ, structName, ok := x.env.References.Label(name); ok {
		return typ, structName
	}
	if x.env.Bank != nil {
		if v, ok := x.env.Bank.Var(name); ok {
			if v.Type == VarStruct {
				return RefUser, v.StructName
			}
			if typ, ok := referenceTypeForSize(v.Size); ok {
				return typ, ""
			}
		}
	}
	return x.env.References.Type(name)
}

func (x *operandExtractor) overrideOrPropagateStructVarSize() {
	if x.numOperands() < 2 {
		return
	}
	op1, op2 := &x.ops[0], &x.ops[1]
	if x.insn.Op == OpMovzx || x.insn.Op == OpMovsx {
		if op2.size == 0 {
			op2.size = op1.size / 2
		}
		return
	}
	if op1.size == op2.size && op1.size != 0 {
		return
	}
	ops := [2]*rawOperand{op1, op2}
	for i := 0; i < 2; i++ {
		op, other := ops[i], ops[i^1]
		if op.structField {
			if other.straightReg {
				op.size = other.size
				break
			} else if other.base.isNumber() {
				other.size = op.size
				break
			}
		} else if op.size == 0 && op.dereference && !op.pointer && other.straightReg {
			op.size = other.size
		}
	}
}

// cook converts the raw operands into their canonical form.
func (x *operandExtractor) cook() ([]CookedOperand, error) {
	n := x.numOperands()
	result := make([]CookedOperand, n)
	for i := 0; i < min(n, 2); i++ {
		op := &x.ops[i]
		other := &x.ops[i^1]
		cooked := &result[i]

		opSize := op.size
		if opSize == 0 {
			opSize = other.size
		}
		fetch := op.needsMemoryFetch()
		if err := x.fillComponents(cooked, op, opSize); err != nil {
			return nil, err
		}
		cooked.Scale = op.scaleFactor

		switch {
		case fetch:
			if opSize == 0 {
				return nil, fmt.Errorf("operand size of `%s' unknown", x.insn.Operands[i].Text())
			}
			cooked.MemSize = opSize
			cooked.Base, cooked.Index = cooked.memoryRegisters()
			if addr, ok, err := x.constantAddress(op); err != nil {
				return nil, err
			} else if ok {
				cooked.Kind = OperandFixedMem
				cooked.Disp = addr
				cooked.Base, cooked.Index, cooked.Scale = RegRef{}, RegRef{}, 0
				if op.size == 0 {
					if x.insn.Op == OpMov {
						cooked.MemSize = other.size
					} else {
						cooked.MemSize = other.size / 2
					}
				}
				if cooked.MemSize == 0 {
					cooked.MemSize = opSize
				}
			} else {
				cooked.Kind = OperandDynamicMem
				disp, err := x.offset(op)
				if err != nil {
					return nil, err
				}
				cooked.Disp = disp
			}
		case cooked.Kind == OperandUnknown:
			value := 0
			if !op.base.empty() {
				v, err := x.constantValue(&op.base)
				if err != nil {
					return nil, err
				}
				value = v
			}
			for _, c := range []*opComponent{&op.scale, &op.disp} {
				if c.isNumber() {
					value += c.num
				} else if c.hasString() {
					v, err := x.constantValue(c)
					if err != nil {
						return nil, err
					}
					value += v
				}
			}
			cooked.Kind = OperandImmediate
			cooked.Disp = value
			cooked.DispText = op.base.text
		}
	}
	if n == 3 {
		value, ok := x.ops[2].constValue()
		if !ok {
			return nil, fmt.Errorf("third operand of `%s' must be a constant", x.insn.Text)
		}
		result[2] = CookedOperand{Kind: OperandImmediate, Disp: value}
	}
	return result, nil
}

// fillComponents places the registers of op; everything else ends up in the
// displacement.
func (x *operandExtractor) fillComponents(dst *CookedOperand, op *rawOperand, opSize int) error {
	var texts []string
	for _, c := range op.components() {
		switch {
		case c.empty():
		case c.kind == compReg:
			ref := RegRef{Name: c.reg.reg.String(), Reg: c.reg.reg, Offset: c.reg.offset, Size: c.reg.size}
			if dst.Base.Empty() {
				dst.Kind = OperandReg
				dst.Base = ref
			} else if dst.Index.Empty() {
				dst.Index = ref
			} else {
				return fmt.Errorf("too many registers in operand")
			}
		case c.kind == compID && isAmigaRegister(c.text) && dst.Base.Empty():
			dst.Kind = OperandReg
			offset, err := x.offset(op)
			if err != nil {
				return err
			}
			size := opSize
			if size == 0 || size > 4 {
				size = 4
			}
			if offset < 0 || offset+size > 4 {
				return fmt.Errorf("invalid access to register %s", c.text)
			}
			dst.Base = RegRef{Name: c.text, Offset: offset, Size: size}
		default:
			texts = append(texts, c.text)
		}
	}
	dst.DispText = strings.Join(texts, "+")
	return nil
}

// memoryRegisters returns the base and index of a memory operand.
func (o *CookedOperand) memoryRegisters() (RegRef, RegRef) {
	return o.Base, o.Index
}

// constantAddress returns the address of operands made only of variables and numbers.
func (x *operandExtractor) constantAddress(op *rawOperand) (int, bool, error) {
	if op.hasReg || isAmigaRegister(op.base.text) {
		return 0, false, nil
	}
	if op.base.hasString() {
		if _, ok := x.env.StackVars[op.base.text]; ok {
			return 0, false, nil
		}
	}
	addr, err := x.offset(op)
	return addr, err == nil, err
}

// offset sums the values of every non-register component.
func (x *operandExtractor) offset(op *rawOperand) (int, error) {
	total := 0
	for _, c := range op.components() {
		switch {
		case c.isNumber():
			total += c.num
		case c.hasString() && !isAmigaRegister(c.text):
			v, err := x.constantValue(c)
			if err != nil {
				return 0, err
			}
			total += v
		}
	}
	return total, nil
}

// constantValue evaluates a name: a define, a stack variable, a procedure index or a
// variable address.
func (x *operandExtractor) constantValue(c *opComponent) (int, error) {
	if c.isNumber() {
		return c.num, nil
	}
	if def := x.env.Defines.Get(c.text); def != nil {
		return def.Value, nil
	}
	if sv, ok := x.env.StackVars[c.text]; ok {
		return sv.Offset, nil
	}
	if x.env.Bank == nil {
		return 0, fmt.Errorf("undefined reference: %s", c.text)
	}
	if index := x.env.Bank.ProcIndex(c.text); index != -1 {
		return index, nil
	}
	return x.env.Bank.VarOffset(c.text)
}

func (op *rawOperand) constValue() (int, bool) {
	parts := lo.Reject(op.components(), func(c *opComponent, _ int) bool { return c.empty() })
	if !lo.EveryBy(parts, func(c *opComponent) bool { return c.isNumber() }) {
		return 0, false
	}
	return lo.SumBy(parts, func(c *opComponent) int { return c.num }), true
}
