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

type cIntType struct {
	unsigned string
	signed   string
	wider    string
	mask     string
	min      string
	max      string
	bits     int
}

var cIntTypes = map[int]cIntType{
	1: {"byte", "int8_t", "int16_t", "0x80", "INT8_MIN", "INT8_MAX", 8},
	2: {"word", "int16_t", "int32_t", "0x8000", "INT16_MIN", "INT16_MAX", 16},
	4: {"dword", "int32_t", "int64_t", "0x80000000", "INT32_MIN", "INT32_MAX", 32},
}

var branchConditions = map[Opcode]string{
	OpJo:  "flags.overflow",
	OpJno: "!flags.overflow",
	OpJb:  "flags.carry",
	OpJnb: "!flags.carry",
	OpJz:  "flags.zero",
	OpJnz: "!flags.zero",
	OpJbe: "flags.carry || flags.zero",
	OpJa:  "!flags.carry && !flags.zero",
	OpJs:  "flags.sign",
	OpJns: "!flags.sign",
	OpJl:  "flags.sign != flags.overflow",
	OpJge: "flags.sign == flags.overflow",
	OpJle: "flags.zero || flags.sign != flags.overflow",
	OpJg:  "!flags.zero && flags.sign == flags.overflow",

	OpJcxz:   "!cx",
	OpJecxz:  "!ecx",
	OpLoop:   "--ecx",
	OpLoopz:  "--ecx && flags.zero",
	OpLoopnz: "--ecx && !flags.zero",
}

// cppProc renders one lowered procedure as a C++ function.
type cppProc struct {
	ir      *ProcIR
	bank    *DataBank
	symbols *SymbolTable
	// procs are the functions vm.h declares.
	procs map[string]bool
	// undeclared collects called names vm.h does not know.
	undeclared map[string]bool

	sb     strings.Builder
	indent int
}

func labelIdent(name string) string {
	return "l_" + cIdent(name)
}

func cNumber(v int) string {
	switch {
	case v > -10 && v < 10:
		return fmt.Sprint(v)
	case v < 0:
		return fmt.Sprintf("-0x%x", -v)
	}
	return fmt.Sprintf("0x%x", v)
}

func (g *cppProc) line(format string, args ...any) {
	g.sb.WriteString(strings.Repeat("    ", g.indent))
	fmt.Fprintf(&g.sb, format, args...)
	g.sb.WriteByte('\n')
}

func (g *cppProc) open() {
	g.line("{")
	g.indent++
}

func (g *cppProc) close() {
	g.indent--
	g.line("}")
}

// comments converts listing comments to C++ line comments.
func (g *cppProc) comments(text string) {
	lines := lo.FilterMap(strings.Split(text, "\n"), func(l string, _ int) (string, bool) {
		l = strings.TrimSpace(l)
		return l, l != ""
	})
	for _, l := range lines {
		g.line("// %s", strings.TrimSpace(strings.TrimPrefix(l, ";")))
	}
}

func (g *cppProc) render() (string, error) {
	p := g.ir
	head := p.Nodes[0]
	g.comments(head.Item.LeadingComments)
	g.sb.WriteString("void " + cIdent(p.Name) + "()\n{\n")
	g.indent = 1
	if p.NeedsStartLabel {
		g.sb.WriteString("_l_start:;\n")
	}
	for i, n := range p.Nodes[1 : len(p.Nodes)-1] {
		switch n.Kind {
		case NodeLabel:
			g.comments(n.Item.LeadingComments)
			g.sb.WriteString(labelIdent(n.Name) + ":;\n")
		case NodeInstruction:
			if n.Deleted {
				continue
			}
			g.comments(n.Item.LeadingComments)
			comment := n.Insn.String()
			if c := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(n.Item.Comment), ";")); c != "" {
				comment += " ; " + c
			}
			g.line("// %s", comment)
			if err := g.instruction(n, i+1); err != nil {
				return "", fmt.Errorf("%s: %w", n.Insn, err)
			}
		}
	}
	if end := p.Nodes[len(p.Nodes)-1]; end.Name != "" {
		g.line("%s;", g.function(end.Name))
	}
	g.sb.WriteString("}\n\n")
	return g.sb.String(), nil
}

// function returns the callable spelling of a procedure name.
func (g *cppProc) function(name string) string {
	if replacement, ok := g.symbols.Replacement(name); ok {
		name = replacement
	}
	if g.symbols.IsImport(name) {
		return "Host::" + cIdent(name) + "()"
	}
	if !g.procs[name] {
		g.undeclared[name] = true
	}
	return cIdent(name) + "()"
}

// pointerTarget returns the expression of a variable or register holding a procedure index, or "".
func (g *cppProc) pointerTarget(name string) string {
	if isAmigaRegister(name) {
		return name
	}
	if g.bank != nil {
		if offset, err := g.bank.VarOffset(name); err == nil {
			return fixedRead(offset, 4)
		}
	}
	return ""
}

func operandSize(ops ...CookedOperand) (int, error) {
	op, ok := lo.Find(ops, func(op CookedOperand) bool { return op.Size() > 0 })
	if !ok {
		return 0, fmt.Errorf("operand size unknown")
	}
	return op.Size(), nil
}

func cRegister(r RegRef) string {
	if !r.Amiga() {
		return r.String()
	}
	switch {
	case r.Offset == 0 && r.Size == 4:
		return r.Name
	case r.Offset == 0:
		return fmt.Sprintf("(*(%s *)&%s)", cIntTypes[r.Size].unsigned, r.Name)
	}
	return fmt.Sprintf("(*(%s *)((byte *)&%s + %d))", cIntTypes[r.Size].unsigned, r.Name, r.Offset)
}

// fixedRead reads constant memory, assembling misaligned values byte by byte.
func fixedRead(addr, size int) string {
	switch {
	case size == 1:
		return fmt.Sprintf("g_memByte[%s]", cNumber(addr))
	case size == 2 && addr%2 == 0:
		return fmt.Sprintf("g_memWord[%s]", cNumber(addr/2))
	case size == 4 && addr%4 == 0:
		return fmt.Sprintf("g_memDword[%s]", cNumber(addr/4))
	}
	parts := lo.Times(size, func(i int) string {
		if i == 0 {
			return fmt.Sprintf("g_memByte[%s]", cNumber(addr))
		}
		return fmt.Sprintf("g_memByte[%s] << %d", cNumber(addr+i), 8*i)
	})
	return fmt.Sprintf("(%s)(%s)", cIntTypes[min(size, 4)].unsigned, strings.Join(parts, " | "))
}

func addressExpr(op *CookedOperand) string {
	var terms []string
	if !op.Base.Empty() {
		terms = append(terms, cRegister(op.Base))
	}
	if !op.Index.Empty() {
		index := cRegister(op.Index)
		if op.Scale > 1 {
			index += " * " + fmt.Sprint(op.Scale)
		}
		terms = append(terms, index)
	}
	expr := strings.Join(terms, " + ")
	switch {
	case expr == "":
		return cNumber(op.Disp)
	case op.Disp > 0:
		return expr + " + " + cNumber(op.Disp)
	case op.Disp < 0:
		return expr + " - " + cNumber(-op.Disp)
	}
	return expr
}

func (g *cppProc) read(op *CookedOperand, size int) string {
	switch op.Kind {
	case OperandReg:
		return cRegister(op.Base)
	case OperandImmediate:
		return cNumber(op.Disp)
	case OperandFixedMem:
		return fixedRead(op.Disp, op.MemSize)
	case OperandDynamicMem:
		expr := fmt.Sprintf("readMemory(%s, %d)", addressExpr(op), op.MemSize)
		if op.MemSize < 4 {
			expr = fmt.Sprintf("(%s)%s", cIntTypes[op.MemSize].unsigned, expr)
		}
		return expr
	}
	return "0"
}

func (g *cppProc) write(op *CookedOperand, value string) error {
	switch op.Kind {
	case OperandReg:
		g.line("%s = %s;", cRegister(op.Base), value)
	case OperandFixedMem:
		addr, size := op.Disp, op.MemSize
		switch {
		case size == 1:
			g.line("g_memByte[%s] = %s;", cNumber(addr), value)
		case size == 2 && addr%2 == 0:
			g.line("g_memWord[%s] = %s;", cNumber(addr/2), value)
		case size == 4 && addr%4 == 0:
			g.line("g_memDword[%s] = %s;", cNumber(addr/4), value)
		default:
			g.open()
			g.line("dword value = %s;", value)
			for i := 0; i < size; i++ {
				g.line("g_memByte[%s] = value >> %d;", cNumber(addr+i), 8*i)
			}
			g.close()
		}
	case OperandDynamicMem:
		g.line("writeMemory(%s, %d, %s);", addressExpr(op), op.MemSize, value)
	default:
		return fmt.Errorf("cannot write to %s", op)
	}
	return nil
}

func (g *cppProc) setFlag(n *InstructionNode, flag, expr string) {
	if flag == "overflow" && n.SuppressOverflow {
		return
	}
	g.line("flags.%s = %s;", flag, expr)
}

func (g *cppProc) operands(n *InstructionNode, count int) error {
	if len(n.Operands) < count {
		return fmt.Errorf("expected %d operands", count)
	}
	return nil
}

func (g *cppProc) instruction(n *InstructionNode, index int) error {
	if n.Insn.IsBranch() {
		return g.branch(n, index)
	}
	if n.Insn.Prefix != nil {
		switch n.Op() {
		case OpMovsb, OpMovsw, OpMovsd, OpStosb, OpStosw, OpStosd,
			OpCmpsb, OpCmpsw, OpCmpsd, OpScasb, OpScasw, OpScasd:
		default:
			if n.Insn.Prefix.Op != OpLock {
				return fmt.Errorf("unsupported prefix %s", n.Insn.Prefix.Text)
			}
		}
	}
	switch n.Op() {
	case OpNop, OpCld, OpCli, OpSti:
		return nil
	case OpMov, OpMovzx, OpMovsx:
		return g.mov(n)
	case OpLea:
		if err := g.operands(n, 2); err != nil {
			return err
		}
		src := &n.Operands[1]
		if !src.IsMemory() {
			return fmt.Errorf("lea needs a memory operand")
		}
		if src.Kind == OperandFixedMem {
			return g.write(&n.Operands[0], cNumber(src.Disp))
		}
		return g.write(&n.Operands[0], addressExpr(src))
	case OpXchg:
		return g.xchg(n)
	case OpAdd, OpSub, OpCmp:
		return g.addSub(n)
	case OpAdc, OpSbb:
		return g.addSubCarry(n)
	case OpAnd, OpOr, OpXor, OpTest:
		return g.logical(n)
	case OpInc, OpDec:
		return g.incDec(n)
	case OpNeg:
		return g.neg(n)
	case OpNot:
		if err := g.operands(n, 1); err != nil {
			return err
		}
		size, err := operandSize(n.Operands[0])
		if err != nil {
			return err
		}
		return g.write(&n.Operands[0], fmt.Sprintf("(%s)~%s", cIntTypes[size].unsigned, g.read(&n.Operands[0], size)))
	case OpMul, OpImul:
		return g.multiply(n)
	case OpDiv, OpIdiv:
		return g.divide(n)
	case OpShl, OpSal, OpShr, OpSar:
		return g.shift(n)
	case OpRol, OpRor, OpRcl, OpRcr:
		return g.rotate(n)
	case OpPush:
		if err := g.operands(n, 1); err != nil {
			return err
		}
		g.line("push(%s);", g.read(&n.Operands[0], 4))
	case OpPop:
		if err := g.operands(n, 1); err != nil {
			return err
		}
		value := "pop()"
		if size := n.Operands[0].Size(); size > 0 && size < 4 {
			value = fmt.Sprintf("(%s)pop()", cIntTypes[size].unsigned)
		}
		return g.write(&n.Operands[0], value)
	case OpPushf:
		g.line("push(packFlags());")
	case OpPopf:
		g.line("unpackFlags(pop());")
	case OpPusha:
		g.line("pusha();")
	case OpPopa:
		g.line("popa();")
	case OpCbw:
		g.line("ax = (int16_t)(int8_t)al;")
	case OpCwd:
		g.line("dx = (int16_t)ax < 0 ? 0xffff : 0;")
	case OpCwde:
		g.line("eax = (int32_t)(int16_t)ax;")
	case OpCdq:
		g.line("edx = (int32_t)eax < 0 ? 0xffffffff : 0;")
	case OpClc:
		g.line("flags.carry = false;")
	case OpStc:
		g.line("flags.carry = true;")
	case OpCmc:
		g.line("flags.carry = !flags.carry;")
	case OpInt:
		if err := g.operands(n, 1); err != nil {
			return err
		}
		g.line("interrupt(%s);", g.read(&n.Operands[0], 1))
	case OpIn, OpOut:
		g.line("// port I/O is not emulated")
	case OpMovsb, OpMovsw, OpMovsd:
		return g.movs(n, blockSize(n.Op()))
	case OpStosb, OpStosw, OpStosd:
		return g.stos(n, blockSize(n.Op()))
	case OpLodsb, OpLodsw, OpLodsd:
		if n.Insn.Prefix != nil {
			return fmt.Errorf("repeated lods not supported")
		}
		size := blockSize(n.Op())
		g.line("assert(esi >= kMemStartOfs && esi + %d <= kMemSize);", size)
		g.line("%s = %s;", accumulator(size), g.read(&CookedOperand{Kind: OperandDynamicMem, Base: registerRef("esi"), MemSize: size}, size))
		g.line("esi += %d;", size)
	case OpCmpsb, OpCmpsw, OpCmpsd, OpScasb, OpScasw, OpScasd:
		return g.compareString(n, blockSize(n.Op()))
	case OpSetz, OpSetnz:
		if err := g.operands(n, 1); err != nil {
			return err
		}
		if n.Op() == OpSetz {
			return g.write(&n.Operands[0], "flags.zero")
		}
		return g.write(&n.Operands[0], "!flags.zero")
	case OpSahf:
		g.line("flags.sign = (ah & 0x80) != 0;")
		g.line("flags.zero = (ah & 0x40) != 0;")
		g.line("flags.carry = (ah & 1) != 0;")
	case OpLahf:
		g.line("ah = flags.sign << 7 | flags.zero << 6 | 2 | flags.carry;")
	case OpHlt:
		g.line("assert(false);")
	case OpIret:
		g.line("return;")
	case OpLeave:
		g.line("esp = ebp;")
		g.line("ebp = pop();")
	default:
		return fmt.Errorf("unsupported instruction")
	}
	return nil
}

func blockSize(op Opcode) int {
	switch op {
	case OpMovsw, OpStosw, OpLodsw, OpCmpsw, OpScasw:
		return 2
	case OpMovsd, OpStosd, OpLodsd, OpCmpsd, OpScasd:
		return 4
	}
	return 1
}

func accumulator(size int) string {
	switch size {
	case 1:
		return "al"
	case 2:
		return "ax"
	}
	return "eax"
}

func (g *cppProc) mov(n *InstructionNode) error {
	if err := g.operands(n, 2); err != nil {
		return err
	}
	dst, src := &n.Operands[0], &n.Operands[1]
	size, err := operandSize(*dst, *src)
	if err != nil {
		return err
	}
	value := g.read(src, size)
	if n.Op() == OpMovsx {
		srcSize, err := operandSize(*src)
		if err != nil {
			return err
		}
		value = fmt.Sprintf("(%s)(%s)%s", cIntTypes[size].signed, cIntTypes[srcSize].signed, value)
	}
	return g.write(dst, value)
}

func (g *cppProc) xchg(n *InstructionNode) error {
	if err := g.operands(n, 2); err != nil {
		return err
	}
	a, b := &n.Operands[0], &n.Operands[1]
	size, err := operandSize(*a, *b)
	if err != nil {
		return err
	}
	g.open()
	g.line("%s tmp = %s;", cIntTypes[size].unsigned, g.read(b, size))
	if err := g.write(b, g.read(a, size)); err != nil {
		return err
	}
	if err := g.write(a, "tmp"); err != nil {
		return err
	}
	g.close()
	return nil
}

// compare emits the flags of dst - src or dst + src and leaves the result in res.
func (g *cppProc) compare(n *InstructionNode, size int, dst, src string, add bool) {
	t := cIntTypes[size]
	op := "-"
	if add {
		op = "+"
	}
	g.line("%s dstSigned = %s;", t.signed, dst)
	g.line("%s srcSigned = %s;", t.signed, src)
	g.line("%s res = dstSigned %s srcSigned;", t.unsigned, op)
	if add {
		g.setFlag(n, "overflow", fmt.Sprintf("dstSigned < 0 ? srcSigned < %s - dstSigned : srcSigned > %s - dstSigned", t.min, t.max))
		g.setFlag(n, "carry", fmt.Sprintf("res < (%s)dstSigned", t.unsigned))
	} else {
		g.setFlag(n, "overflow", fmt.Sprintf("dstSigned < 0 ? srcSigned > dstSigned - %s : srcSigned < dstSigned - %s", t.min, t.max))
		g.setFlag(n, "carry", fmt.Sprintf("(%s)dstSigned < (%s)srcSigned", t.unsigned, t.unsigned))
	}
	g.setFlag(n, "sign", fmt.Sprintf("(res & %s) != 0", t.mask))
	g.setFlag(n, "zero", "res == 0")
}

func (g *cppProc) addSub(n *InstructionNode) error {
	if err := g.operands(n, 2); err != nil {
		return err
	}
	dst, src := &n.Operands[0], &n.Operands[1]
	size, err := operandSize(*dst, *src)
	if err != nil {
		return err
	}
	g.open()
	g.compare(n, size, g.read(dst, size), g.read(src, size), n.Op() == OpAdd)
	if n.Op() != OpCmp {
		if err := g.write(dst, "res"); err != nil {
			return err
		}
	}
	g.close()
	return nil
}

func (g *cppProc) addSubCarry(n *InstructionNode) error {
	if err := g.operands(n, 2); err != nil {
		return err
	}
	dst, src := &n.Operands[0], &n.Operands[1]
	size, err := operandSize(*dst, *src)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	g.open()
	g.line("%s d = %s;", t.unsigned, g.read(dst, size))
	g.line("%s s = %s;", t.unsigned, g.read(src, size))
	g.line("%s c = flags.carry;", t.unsigned)
	if n.Op() == OpAdc {
		g.line("%s res = d + s + c;", t.unsigned)
		g.setFlag(n, "carry", fmt.Sprintf("(uint64_t)d + s + c > (%s)-1", t.unsigned))
		g.setFlag(n, "overflow", fmt.Sprintf("((d ^ res) & (s ^ res) & %s) != 0", t.mask))
	} else {
		g.line("%s res = d - s - c;", t.unsigned)
		g.setFlag(n, "carry", "(uint64_t)d < (uint64_t)s + c")
		g.setFlag(n, "overflow", fmt.Sprintf("((d ^ s) & (d ^ res) & %s) != 0", t.mask))
	}
	g.setFlag(n, "sign", fmt.Sprintf("(res & %s) != 0", t.mask))
	g.setFlag(n, "zero", "res == 0")
	if err := g.write(dst, "res"); err != nil {
		return err
	}
	g.close()
	return nil
}

func (g *cppProc) logical(n *InstructionNode) error {
	if err := g.operands(n, 2); err != nil {
		return err
	}
	dst, src := &n.Operands[0], &n.Operands[1]
	size, err := operandSize(*dst, *src)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	op := map[Opcode]string{OpAnd: "&", OpTest: "&", OpOr: "|", OpXor: "^"}[n.Op()]
	g.open()
	if n.Op() == OpXor && src.Equal(dst) {
		g.line("%s res = 0;", t.unsigned)
	} else {
		g.line("%s res = %s %s %s;", t.unsigned, g.read(dst, size), op, g.read(src, size))
	}
	if n.Op() != OpTest {
		if err := g.write(dst, "res"); err != nil {
			return err
		}
	}
	g.setFlag(n, "carry", "false")
	g.setFlag(n, "overflow", "false")
	g.setFlag(n, "sign", fmt.Sprintf("(res & %s) != 0", t.mask))
	g.setFlag(n, "zero", "res == 0")
	g.close()
	return nil
}

func (g *cppProc) incDec(n *InstructionNode) error {
	if err := g.operands(n, 1); err != nil {
		return err
	}
	dst := &n.Operands[0]
	size, err := operandSize(*dst)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	op, limit := "+", t.min
	if n.Op() == OpDec {
		op, limit = "-", t.max
	}
	g.open()
	g.line("%s res = %s %s 1;", t.unsigned, g.read(dst, size), op)
	if err := g.write(dst, "res"); err != nil {
		return err
	}
	g.setFlag(n, "overflow", fmt.Sprintf("(%s)res == %s", t.signed, limit))
	g.setFlag(n, "sign", fmt.Sprintf("(res & %s) != 0", t.mask))
	g.setFlag(n, "zero", "res == 0")
	g.close()
	return nil
}

func (g *cppProc) neg(n *InstructionNode) error {
	if err := g.operands(n, 1); err != nil {
		return err
	}
	dst := &n.Operands[0]
	size, err := operandSize(*dst)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	g.open()
	g.line("%s d = %s;", t.unsigned, g.read(dst, size))
	g.line("%s res = 0 - d;", t.unsigned)
	if err := g.write(dst, "res"); err != nil {
		return err
	}
	g.setFlag(n, "carry", "d != 0")
	g.setFlag(n, "overflow", fmt.Sprintf("(%s)d == %s", t.signed, t.min))
	g.setFlag(n, "sign", fmt.Sprintf("(res & %s) != 0", t.mask))
	g.setFlag(n, "zero", "res == 0")
	g.close()
	return nil
}

func (g *cppProc) multiply(n *InstructionNode) error {
	if err := g.operands(n, 1); err != nil {
		return err
	}
	signed := n.Op() == OpImul
	if len(n.Operands) > 1 {
		return g.multiplyInto(n)
	}
	src := &n.Operands[0]
	size, err := operandSize(*src)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	value := g.read(src, size)
	g.open()
	switch {
	case size == 1 && signed:
		g.line("ax = (int8_t)al * (int8_t)%s;", value)
		g.setFlag(n, "carry", "(int8_t)al != (int16_t)ax")
	case size == 1:
		g.line("ax = al * %s;", value)
		g.setFlag(n, "carry", "ah != 0")
	case signed:
		g.line("%s res = (%s)(%s)%s * (%s)%s;", t.wider, t.wider, t.signed, accumulator(size), t.signed, value)
		g.line("%s = (%s)res;", accumulator(size), t.unsigned)
		g.line("%s = (%s)(res >> %d);", highHalf(size), t.unsigned, t.bits)
		g.setFlag(n, "carry", fmt.Sprintf("res != (%s)res", t.signed))
	default:
		g.line("uint64_t res = (uint64_t)%s * %s;", accumulator(size), value)
		g.line("%s = (%s)res;", accumulator(size), t.unsigned)
		g.line("%s = (%s)(res >> %d);", highHalf(size), t.unsigned, t.bits)
		g.setFlag(n, "carry", fmt.Sprintf("%s != 0", highHalf(size)))
	}
	g.setFlag(n, "overflow", "flags.carry")
	g.close()
	return nil
}

func highHalf(size int) string {
	if size == 2 {
		return "dx"
	}
	return "edx"
}

// multiplyInto handles the two and three operand forms of imul.
func (g *cppProc) multiplyInto(n *InstructionNode) error {
	dst, src := &n.Operands[0], &n.Operands[1]
	size, err := operandSize(*dst, *src)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	g.open()
	if len(n.Operands) == 3 {
		g.line("%s res = (%s)(%s)%s * (%s)%s;", t.wider, t.wider, t.signed, g.read(src, size), t.signed, g.read(&n.Operands[2], size))
	} else {
		g.line("%s res = (%s)(%s)%s * (%s)%s;", t.wider, t.wider, t.signed, g.read(dst, size), t.signed, g.read(src, size))
	}
	if err := g.write(dst, fmt.Sprintf("(%s)res", t.unsigned)); err != nil {
		return err
	}
	g.setFlag(n, "carry", fmt.Sprintf("res != (%s)res", t.signed))
	g.setFlag(n, "overflow", "flags.carry")
	g.close()
	return nil
}

func (g *cppProc) divide(n *InstructionNode) error {
	if err := g.operands(n, 1); err != nil {
		return err
	}
	src := &n.Operands[0]
	size, err := operandSize(*src)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	signed := n.Op() == OpIdiv
	g.open()
	divisor, dividend := t.unsigned, map[int]string{1: "word", 2: "dword", 4: "uint64_t"}[size]
	if signed {
		divisor, dividend = t.signed, t.wider
	}
	g.line("%s divisor = %s;", divisor, g.read(src, size))
	g.line("assert(divisor != 0);")
	switch size {
	case 1:
		g.line("%s dividend = (%s)ax;", dividend, dividend)
		g.line("al = dividend / divisor;")
		g.line("ah = dividend %% divisor;")
	case 2:
		g.line("%s dividend = (%s)(dx << 16 | ax);", dividend, dividend)
		g.line("ax = dividend / divisor;")
		g.line("dx = dividend %% divisor;")
	default:
		g.line("%s dividend = (%s)((uint64_t)edx << 32 | eax);", dividend, dividend)
		g.line("eax = dividend / divisor;")
		g.line("edx = dividend %% divisor;")
	}
	g.close()
	return nil
}

func (g *cppProc) shiftCount(n *InstructionNode) (string, error) {
	if len(n.Operands) < 2 {
		return "1", nil
	}
	return g.read(&n.Operands[1], 1), nil
}

func (g *cppProc) shift(n *InstructionNode) error {
	if err := g.operands(n, 1); err != nil {
		return err
	}
	dst := &n.Operands[0]
	size, err := operandSize(*dst)
	if err != nil {
		return err
	}
	count, err := g.shiftCount(n)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	g.open()
	g.line("int count = %s & 31;", count)
	g.line("%s d = %s;", t.unsigned, g.read(dst, size))
	g.line("if (count)")
	g.open()
	switch n.Op() {
	case OpShl, OpSal:
		g.line("uint64_t wide = (uint64_t)d << count;")
		g.line("%s res = (%s)wide;", t.unsigned, t.unsigned)
		g.setFlag(n, "carry", fmt.Sprintf("(wide >> %d & 1) != 0", t.bits))
		g.setFlag(n, "overflow", fmt.Sprintf("((res & %s) != 0) != flags.carry", t.mask))
	case OpShr:
		g.line("%s res = (%s)(count < %d ? d >> count : 0);", t.unsigned, t.unsigned, t.bits)
		g.setFlag(n, "carry", "(count <= 32 && (d >> (count - 1) & 1) != 0)")
		g.setFlag(n, "overflow", fmt.Sprintf("(d & %s) != 0", t.mask))
	default:
		g.line("%s sd = (%s)d;", t.signed, t.signed)
		g.line("int n = count < %d ? count : %d;", t.bits, t.bits-1)
		g.line("%s res = (%s)(sd >> n);", t.unsigned, t.unsigned)
		g.setFlag(n, "carry", "(sd >> (count < 32 ? count - 1 : 31) & 1) != 0")
		g.setFlag(n, "overflow", "false")
	}
	g.setFlag(n, "sign", fmt.Sprintf("(res & %s) != 0", t.mask))
	g.setFlag(n, "zero", "res == 0")
	if err := g.write(dst, "res"); err != nil {
		return err
	}
	g.close()
	g.close()
	return nil
}

func (g *cppProc) rotate(n *InstructionNode) error {
	if err := g.operands(n, 1); err != nil {
		return err
	}
	dst := &n.Operands[0]
	size, err := operandSize(*dst)
	if err != nil {
		return err
	}
	count, err := g.shiftCount(n)
	if err != nil {
		return err
	}
	t := cIntTypes[size]
	g.open()
	g.line("int count = %s & 31;", count)
	g.line("%s d = %s;", t.unsigned, g.read(dst, size))
	switch n.Op() {
	case OpRol, OpRor:
		g.line("if (count %% %d)", t.bits)
		g.open()
		g.line("count %%= %d;", t.bits)
		if n.Op() == OpRol {
			g.line("d = (%s)(d << count | d >> (%d - count));", t.unsigned, t.bits)
			g.setFlag(n, "carry", "(d & 1) != 0")
			g.setFlag(n, "overflow", fmt.Sprintf("((d >> %d ^ d) & 1) != 0", t.bits-1))
		} else {
			g.line("d = (%s)(d >> count | d << (%d - count));", t.unsigned, t.bits)
			g.setFlag(n, "carry", fmt.Sprintf("(d >> %d & 1) != 0", t.bits-1))
			g.setFlag(n, "overflow", fmt.Sprintf("((d >> %d ^ d >> %d) & 1) != 0", t.bits-1, t.bits-2))
		}
		g.close()
	default:
		g.line("for (count %%= %d; count; count--)", t.bits+1)
		g.open()
		if n.Op() == OpRcl {
			g.line("bool c = (d & %s) != 0;", t.mask)
			g.line("d = (%s)(d << 1 | flags.carry);", t.unsigned)
		} else {
			g.line("bool c = (d & 1) != 0;")
			g.line("d = (%s)(d >> 1 | (flags.carry ? %s : 0));", t.unsigned, t.mask)
		}
		g.line("flags.carry = c;")
		g.close()
	}
	if err := g.write(dst, "d"); err != nil {
		return err
	}
	g.close()
	return nil
}

func (g *cppProc) repeated(n *InstructionNode) bool {
	return n.Insn.Prefix != nil && n.Insn.Prefix.Op != OpLock
}

func (g *cppProc) movs(n *InstructionNode, size int) error {
	length := fmt.Sprint(size)
	if g.repeated(n) {
		length = "ecx * " + length
	}
	g.line("assert(esi >= kMemStartOfs && esi + %s <= kMemSize && edi >= kMemStartOfs && edi + %s <= kMemSize);", length, length)
	if !g.repeated(n) {
		g.line("memcpy(&g_memByte[edi], &g_memByte[esi], %d);", size)
		g.line("esi += %d;", size)
		g.line("edi += %d;", size)
		return nil
	}
	g.line("for (; ecx; ecx--, esi += %d, edi += %d)", size, size)
	g.indent++
	g.line("memcpy(&g_memByte[edi], &g_memByte[esi], %d);", size)
	g.indent--
	return nil
}

func (g *cppProc) stos(n *InstructionNode, size int) error {
	acc := accumulator(size)
	if !g.repeated(n) {
		g.line("writeMemory(edi, %d, %s);", size, acc)
		g.line("edi += %d;", size)
		return nil
	}
	g.line("assert(edi >= kMemStartOfs && edi + ecx * %d <= kMemSize);", size)
	if size == 1 {
		g.line("memset(&g_memByte[edi], al, ecx);")
		g.line("edi += ecx;")
		g.line("ecx = 0;")
		return nil
	}
	g.line("for (; ecx; ecx--, edi += %d)", size)
	g.indent++
	g.line("writeMemory(edi, %d, %s);", size, acc)
	g.indent--
	return nil
}

// compareString handles cmps and scas, repeated while the zero flag matches the prefix.
func (g *cppProc) compareString(n *InstructionNode, size int) error {
	scan := n.Op() == OpScasb || n.Op() == OpScasw || n.Op() == OpScasd
	dst := fmt.Sprintf("readMemory(esi, %d)", size)
	if scan {
		dst = accumulator(size)
	}
	src := fmt.Sprintf("readMemory(edi, %d)", size)
	step := func() {
		g.open()
		g.compare(n, size, dst, src, false)
		if !scan {
			g.line("esi += %d;", size)
		}
		g.line("edi += %d;", size)
		g.close()
	}
	if !g.repeated(n) {
		step()
		return nil
	}
	g.line("while (ecx)")
	g.open()
	g.line("ecx--;")
	step()
	if n.Insn.Prefix.Op == OpRepnz {
		g.line("if (flags.zero)")
	} else {
		g.line("if (!flags.zero)")
	}
	g.indent++
	g.line("break;")
	g.indent--
	g.close()
	return nil
}

// retnNext reports whether the procedure returns right after the node at index.
func (g *cppProc) retnNext(index int) bool {
	n, ok := lo.Find(g.ir.Nodes[index+1:], func(n *InstructionNode) bool {
		return n.Kind == NodeEndProc || n.Kind == NodeInstruction && !n.Deleted
	})
	switch {
	case !ok:
		return true
	case n.Kind == NodeEndProc:
		return n.Name == ""
	}
	return n.Op().IsReturn()
}

func (g *cppProc) branch(n *InstructionNode, index int) error {
	switch n.Op() {
	case OpRet, OpRetn:
		if len(n.Insn.Operands) > 0 && len(n.Insn.Operands[0].Tokens) > 0 {
			g.line("esp += %s;", cNumber(n.Insn.Operands[0].Tokens[0].ParseInt()))
		}
		g.line("return;")
		return nil
	case OpCall:
		target, err := g.callTarget(n)
		if err != nil {
			return err
		}
		g.line("%s;", target)
		return nil
	}

	jump, err := g.jump(n, index)
	if err != nil {
		return err
	}
	if n.Op() == OpJmp {
		g.line("%s", jump)
		return nil
	}
	if n.Op() == OpJp || n.Op() == OpJnp {
		return fmt.Errorf("parity flag is not emulated")
	}
	cond, ok := branchConditions[n.Op()]
	if !ok {
		return fmt.Errorf("unsupported branch")
	}
	g.line("if (%s)", cond)
	g.indent++
	g.line("%s", jump)
	g.indent--
	return nil
}

// callTarget renders a call, emulating the pushed return address.
func (g *cppProc) callTarget(n *InstructionNode) (string, error) {
	if n.Target == "" {
		if len(n.Operands) == 0 {
			return "", fmt.Errorf("call target unknown")
		}
		return fmt.Sprintf("callIndex(%s)", g.read(&n.Operands[0], 4)), nil
	}
	if ptr := g.pointerTarget(n.Target); ptr != "" {
		return fmt.Sprintf("callIndex(%s)", ptr), nil
	}
	return fmt.Sprintf("call(%s)", strings.TrimSuffix(g.function(n.Target), "()")), nil
}

func (g *cppProc) jump(n *InstructionNode, index int) (string, error) {
	switch {
	case n.StartOverJump:
		return "goto _l_start;", nil
	case n.LocalTarget && n.ReturnJump:
		return "return;", nil
	case n.LocalTarget:
		return "goto " + labelIdent(n.Target) + ";", nil
	}
	var call string
	switch {
	case n.Target == "" && len(n.Operands) > 0:
		call = fmt.Sprintf("invokeProc(%s)", g.read(&n.Operands[0], 4))
	case n.Target == "":
		return "", fmt.Errorf("jump target unknown")
	default:
		if ptr := g.pointerTarget(n.Target); ptr != "" {
			call = fmt.Sprintf("invokeProc(%s)", ptr)
		} else {
			call = g.function(n.Target)
		}
	}
	if g.retnNext(index) {
		return call + ";", nil
	}
	return "{ " + call + "; return; }", nil
}
