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
	"maps"
	"strings"
)

type byteKind uint8

const (
	byteConst byteKind = iota
	// byteColored is byte `index' of an unknown value identified by its color.
	byteColored
	// byteSignOf is 0x00 or 0xff depending on the sign of a colored byte.
	byteSignOf
)

// byteValue is the abstract content of one register or memory byte.
type byteValue struct {
	kind  byteKind
	value uint8
	color int
	index int
}

type regByte struct {
	reg    string
	offset int
}

// valueState maps every tracked byte to its abstract value. Missing bytes are unknown and
// receive a fresh color when first read.
type valueState struct {
	regs map[regByte]byteValue
	mem  map[int]byteValue
	// loads holds the values of dynamic memory locations and address expressions,
	// keyed by their symbolic address.
	loads map[string][]byteValue
}

func newValueState() *valueState {
	return &valueState{
		regs:  make(map[regByte]byteValue),
		mem:   make(map[int]byteValue),
		loads: make(map[string][]byteValue),
	}
}

func (s *valueState) clone() *valueState {
	return &valueState{regs: maps.Clone(s.regs), mem: maps.Clone(s.mem), loads: maps.Clone(s.loads)}
}

// meet keeps only what both states agree on.
func (s *valueState) meet(other *valueState) {
	for k, v := range s.regs {
		if w, ok := other.regs[k]; !ok || w != v {
			delete(s.regs, k)
		}
	}
	for k, v := range s.mem {
		if w, ok := other.mem[k]; !ok || w != v {
			delete(s.mem, k)
		}
	}
	for k, v := range s.loads {
		if w, ok := other.loads[k]; !ok || !sameBytes(v, w) {
			delete(s.loads, k)
		}
	}
}

func sameBytes(a, b []byteValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// valueTracker removes instructions that store a value into a location that already holds it.
type valueTracker struct {
	state   *valueState
	color   int
	saved   map[string]*valueState
	closed  map[string]bool
	changed bool
	// reachable is false after an unconditional jump until the next label.
	reachable bool
}

func removeRedundantInstructions(p *ProcIR) bool {
	t := &valueTracker{
		state:     newValueState(),
		saved:     make(map[string]*valueState),
		closed:    p.closedLabels(),
		reachable: true,
	}
	for _, n := range p.Nodes {
		switch n.Kind {
		case NodeLabel:
			t.processLabel(n.Name)
		case NodeInstruction:
			if n.Deleted {
				continue
			}
			if !t.reachable {
				t.reset()
				t.reachable = true
			}
			t.processInstruction(n)
		}
	}
	return t.changed
}

func (t *valueTracker) reset() {
	t.state = newValueState()
}

func (t *valueTracker) fresh() int {
	t.color++
	return t.color
}

func (t *valueTracker) processLabel(name string) {
	saved, hasSaved := t.saved[name]
	switch {
	case !t.closed[name]:
		t.reset()
	case hasSaved && t.reachable:
		t.state.meet(saved)
	case hasSaved:
		t.state = saved.clone()
	case !t.reachable:
		t.reset()
	}
	t.reachable = true
}

func (t *valueTracker) processInstruction(n *InstructionNode) {
	e := effectsOf(n)
	if e.barrier {
		t.reset()
		return
	}
	if n.Insn.IsBranch() {
		t.processBranch(n, e)
		return
	}
	switch n.Op() {
	case OpMov, OpMovzx, OpMovsx:
		t.processMove(n)
	case OpLea:
		t.processLea(n)
	case OpXchg:
		t.processXchg(n)
	case OpAdd, OpSub, OpAnd, OpOr, OpXor, OpShl, OpSal, OpShr, OpSar, OpInc, OpDec, OpNeg, OpNot:
		t.processArithmetic(n)
	default:
		t.applyWrites(n)
	}
}

func (t *valueTracker) processBranch(n *InstructionNode, e opcodeEffects) {
	for _, r := range e.writes {
		t.trashRegister(registerRef(r))
	}
	if n.LocalTarget && t.closed[n.Target] {
		if saved, ok := t.saved[n.Target]; ok {
			saved.meet(t.state)
		} else {
			t.saved[n.Target] = t.state.clone()
		}
	}
	if n.Op() == OpJmp || n.Op().IsReturn() {
		t.reachable = false
	}
}

// applyWrites gives every location an instruction writes a new unknown value.
func (t *valueTracker) applyWrites(n *InstructionNode) {
	a := accessOf(n)
	for _, r := range a.writes {
		t.trashRegister(r)
	}
	if a.memWrite {
		if a.dstMem != nil && a.dstMem.Kind == OperandFixedMem && !effectsOf(n).memWrite {
			t.trashMemory(a.dstMem.Disp, a.dstMem.MemSize)
		} else {
			t.dynamicMemoryWrite()
		}
	}
}

func (t *valueTracker) trashRegister(r RegRef) {
	color := t.fresh()
	for i := 0; i < r.Size; i++ {
		t.state.regs[regByte{r.Name, r.Offset + i}] = byteValue{kind: byteColored, color: color, index: i}
	}
}

func (t *valueTracker) trashMemory(addr, size int) {
	color := t.fresh()
	for i := 0; i < size; i++ {
		t.state.mem[addr+i] = byteValue{kind: byteColored, color: color, index: i}
	}
	clear(t.state.loads)
}

func (t *valueTracker) dynamicMemoryWrite() {
	clear(t.state.mem)
	clear(t.state.loads)
}

func constBytes(value, size int) []byteValue {
	b := make([]byteValue, size)
	for i := range b {
		b[i] = byteValue{kind: byteConst, value: uint8(value >> (8 * i))}
	}
	return b
}

func freshBytes(color, size int) []byteValue {
	b := make([]byteValue, size)
	for i := range b {
		b[i] = byteValue{kind: byteColored, color: color, index: i}
	}
	return b
}

// registerBytes returns the abstract content of a register part, coloring unknown bytes.
func (t *valueTracker) registerBytes(r RegRef) []byteValue {
	b := make([]byteValue, r.Size)
	var color int
	for i := range b {
		key := regByte{r.Name, r.Offset + i}
		v, ok := t.state.regs[key]
		if !ok {
			if color == 0 {
				color = t.fresh()
			}
			v = byteValue{kind: byteColored, color: color, index: i}
			t.state.regs[key] = v
		}
		b[i] = v
	}
	return b
}

func (t *valueTracker) memoryBytes(addr, size int) []byteValue {
	b := make([]byteValue, size)
	var color int
	for i := range b {
		v, ok := t.state.mem[addr+i]
		if !ok {
			if color == 0 {
				color = t.fresh()
			}
			v = byteValue{kind: byteColored, color: color, index: i}
			t.state.mem[addr+i] = v
		}
		b[i] = v
	}
	return b
}

// addressKey spells a dynamic address by the abstract values of its registers.
func (t *valueTracker) addressKey(prefix string, op *CookedOperand, size int) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, r := range op.Registers() {
		fmt.Fprintf(&sb, "|%s:", r.Name)
		for _, v := range t.registerBytes(r) {
			fmt.Fprintf(&sb, "%d.%d.%d.%d,", v.kind, v.value, v.color, v.index)
		}
	}
	fmt.Fprintf(&sb, "|%d|%d|%d", op.Scale, op.Disp, size)
	return sb.String()
}

// read returns the abstract value of an operand, nil when it cannot be modeled.
func (t *valueTracker) read(op *CookedOperand, size int) []byteValue {
	switch op.Kind {
	case OperandImmediate:
		return constBytes(op.Disp, size)
	case OperandReg:
		return t.registerBytes(op.Base)
	case OperandFixedMem:
		return t.memoryBytes(op.Disp, op.MemSize)
	case OperandDynamicMem:
		key := t.addressKey("mem", op, op.MemSize)
		if v, ok := t.state.loads[key]; ok {
			return v
		}
		v := freshBytes(t.fresh(), op.MemSize)
		t.state.loads[key] = v
		return v
	}
	return nil
}

// current returns what a destination holds without coloring anything.
func (t *valueTracker) current(op *CookedOperand) ([]byteValue, bool) {
	switch op.Kind {
	case OperandReg:
		b := make([]byteValue, op.Base.Size)
		for i := range b {
			v, ok := t.state.regs[regByte{op.Base.Name, op.Base.Offset + i}]
			if !ok {
				return nil, false
			}
			b[i] = v
		}
		return b, true
	case OperandFixedMem:
		b := make([]byteValue, op.MemSize)
		for i := range b {
			v, ok := t.state.mem[op.Disp+i]
			if !ok {
				return nil, false
			}
			b[i] = v
		}
		return b, true
	case OperandDynamicMem:
		v, ok := t.state.loads[t.addressKey("mem", op, op.MemSize)]
		return v, ok
	}
	return nil, false
}

func (t *valueTracker) write(op *CookedOperand, value []byteValue) {
	switch op.Kind {
	case OperandReg:
		for i, v := range value {
			t.state.regs[regByte{op.Base.Name, op.Base.Offset + i}] = v
		}
	case OperandFixedMem:
		clear(t.state.loads)
		for i, v := range value {
			t.state.mem[op.Disp+i] = v
		}
	case OperandDynamicMem:
		key := t.addressKey("mem", op, op.MemSize)
		t.dynamicMemoryWrite()
		t.state.loads[key] = value
	}
}

// assign stores value into dst, deleting n when dst already holds it.
func (t *valueTracker) assign(n *InstructionNode, dst *CookedOperand, value []byteValue) {
	if cur, ok := t.current(dst); ok && sameBytes(cur, value) {
		n.Deleted = true
		t.changed = true
		return
	}
	t.write(dst, value)
}

func (t *valueTracker) processMove(n *InstructionNode) {
	if len(n.Operands) != 2 {
		t.applyWrites(n)
		return
	}
	dst, src := &n.Operands[0], &n.Operands[1]
	size := dst.Size()
	if size == 0 || dst.Kind == OperandImmediate {
		t.applyWrites(n)
		return
	}
	srcSize := src.Size()
	if srcSize == 0 {
		srcSize = size
	}
	value := t.read(src, srcSize)
	if value == nil {
		t.applyWrites(n)
		return
	}
	if len(value) < size {
		value = t.extend(value, size, n.Op() == OpMovsx)
	}
	t.assign(n, dst, value[:size])
}

// extend widens value like movzx or movsx does.
func (t *valueTracker) extend(value []byteValue, size int, signed bool) []byteValue {
	top := value[len(value)-1]
	out := append([]byteValue(nil), value...)
	for len(out) < size {
		switch {
		case !signed:
			out = append(out, byteValue{kind: byteConst})
		case top.kind == byteConst:
			fill := uint8(0)
			if top.value&0x80 != 0 {
				fill = 0xff
			}
			out = append(out, byteValue{kind: byteConst, value: fill})
		case top.kind == byteSignOf:
			out = append(out, top)
		default:
			out = append(out, byteValue{kind: byteSignOf, color: top.color, index: top.index})
		}
	}
	return out
}

func (t *valueTracker) processLea(n *InstructionNode) {
	if len(n.Operands) != 2 || n.Operands[0].Kind != OperandReg {
		t.applyWrites(n)
		return
	}
	dst, src := &n.Operands[0], &n.Operands[1]
	size := dst.Size()
	var value []byteValue
	if src.Kind == OperandFixedMem {
		value = constBytes(src.Disp, size)
	} else {
		key := t.addressKey("lea", src, size)
		v, ok := t.state.loads[key]
		if !ok {
			v = freshBytes(t.fresh(), size)
			t.state.loads[key] = v
		}
		value = v
	}
	t.assign(n, dst, value)
}

func (t *valueTracker) processXchg(n *InstructionNode) {
	if len(n.Operands) != 2 {
		t.applyWrites(n)
		return
	}
	a, b := &n.Operands[0], &n.Operands[1]
	if a.Kind != OperandReg || b.Kind != OperandReg {
		t.applyWrites(n)
		return
	}
	va, vb := t.read(a, a.Size()), t.read(b, b.Size())
	t.write(a, vb)
	t.write(b, va)
}

// processArithmetic folds constants; anything else yields a new unknown value.
func (t *valueTracker) processArithmetic(n *InstructionNode) {
	if len(n.Operands) == 0 || n.Operands[0].Kind != OperandReg {
		t.applyWrites(n)
		return
	}
	dst := &n.Operands[0]
	size := dst.Size()
	if len(n.Operands) == 2 && (n.Op() == OpXor || n.Op() == OpSub) && n.Operands[1].Equal(dst) {
		t.write(dst, constBytes(0, size))
		return
	}
	a, ok := t.constant(t.read(dst, size))
	if !ok {
		t.applyWrites(n)
		return
	}
	b := 0
	if len(n.Operands) == 2 {
		v, ok := t.constant(t.read(&n.Operands[1], max(n.Operands[1].Size(), 1)))
		if !ok {
			t.applyWrites(n)
			return
		}
		b = v
		if n.Operands[1].IsConst() {
			b = n.Operands[1].Disp
		}
	}
	var r int
	switch n.Op() {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpAnd:
		r = a & b
	case OpOr:
		r = a | b
	case OpXor:
		r = a ^ b
	case OpShl, OpSal:
		r = a << (b & 31)
	case OpShr:
		r = int(uint32(a) >> (b & 31))
	case OpSar:
		r = int(signExtend(a, size) >> (b & 31))
	case OpInc:
		r = a + 1
	case OpDec:
		r = a - 1
	case OpNeg:
		r = -a
	case OpNot:
		r = ^a
	}
	t.write(dst, constBytes(r, size))
}

func (t *valueTracker) constant(b []byteValue) (int, bool) {
	if b == nil {
		return 0, false
	}
	v := 0
	for i := len(b) - 1; i >= 0; i-- {
		if b[i].kind != byteConst {
			return 0, false
		}
		v = v<<8 | int(b[i].value)
	}
	return v, true
}

func signExtend(value, size int) int32 {
	switch size {
	case 1:
		return int32(int8(value))
	case 2:
		return int32(int16(value))
	}
	return int32(value)
}
