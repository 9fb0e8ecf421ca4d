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
)

type NodeKind uint8

const (
	NodeProc NodeKind = iota
	NodeInstruction
	NodeLabel
	NodeStackVar
	NodeEndProc
)

// InstructionNode is one element of a lowered procedure. Optimization passes only ever set
// Deleted and the flag suppression bits.
type InstructionNode struct {
	Kind NodeKind
	Item *Item
	Insn *Instruction
	// Name is the procedure, label or stack variable name. For NodeEndProc it is the
	// procedure control falls through to, if any.
	Name     string
	Operands []CookedOperand

	Target      string
	LocalTarget bool
	// FlowChange marks an instruction that a local branch lands on.
	FlowChange bool
	// StartOverJump marks a branch back to the procedure entry.
	StartOverJump bool
	// ReturnJump marks a branch whose target is a return.
	ReturnJump bool

	Deleted          bool
	SuppressOverflow bool
}

func (n *InstructionNode) Op() Opcode {
	if n.Insn == nil {
		return OpNone
	}
	return n.Insn.Op
}

func (n *InstructionNode) live() bool {
	return n.Kind == NodeInstruction && !n.Deleted
}

// ProcIR is a procedure lowered for optimization and C++ generation. Nodes starts with the
// NodeProc and ends with the NodeEndProc.
type ProcIR struct {
	Name            string
	Nodes           []*InstructionNode
	NeedsStartLabel bool
	FallThrough     string

	labels map[string]int
}

// BuildProcIR lowers the procedure opening at items[start]. following names the first
// procedure after the chunk and is used when nothing in items follows. It returns the index
// of the closing ItemEndProc.
func BuildProcIR(items []Item, start int, env *OperandEnv, following string) (*ProcIR, int, error) {
	proc := &items[start]
	p := &ProcIR{Name: proc.Name, labels: make(map[string]int)}
	p.Nodes = append(p.Nodes, &InstructionNode{Kind: NodeProc, Item: proc, Name: proc.Name})

	procEnv := *env
	procEnv.StackVars = make(map[string]*StackVariable)
	end := start + 1
	for ; end < len(items) && items[end].Kind != ItemEndProc; end++ {
		if items[end].Kind == ItemStackVariable {
			procEnv.StackVars[items[end].StackVar.Name] = items[end].StackVar
		}
	}
	if end == len(items) {
		return nil, end, fmt.Errorf("procedure `%s' is not closed", proc.Name)
	}

	var last *Instruction
	for i := start + 1; i < end; i++ {
		item := &items[i]
		switch item.Kind {
		case ItemInstruction:
			insn := item.Insn
			// the listing only has a couple of them and they are never taken
			if insn.Op == OpJo {
				continue
			}
			if insn.Op == OpStd {
				return nil, i, fmt.Errorf("STD instruction not supported")
			}
			node := &InstructionNode{Kind: NodeInstruction, Item: item, Insn: insn}
			if insn.IsBranch() {
				node.Target = insn.BranchTarget()
				if node.Target == "" && len(insn.Operands) > 0 && !insn.Op.IsReturn() {
					ops, err := CookOperands(insn, &procEnv)
					if err != nil {
						return nil, i, fmt.Errorf("%s: %w", insn, err)
					}
					node.Operands = ops
				}
			} else if len(insn.Operands) > 0 && insn.Op != OpIn && insn.Op != OpOut {
				ops, err := CookOperands(insn, &procEnv)
				if err != nil {
					return nil, i, fmt.Errorf("%s: %w", insn, err)
				}
				node.Operands = ops
			}
			p.Nodes = append(p.Nodes, node)
			last = insn
		case ItemLabel:
			p.labels[item.Name] = len(p.Nodes)
			p.Nodes = append(p.Nodes, &InstructionNode{Kind: NodeLabel, Item: item, Name: item.Name})
		case ItemStackVariable:
			p.Nodes = append(p.Nodes, &InstructionNode{Kind: NodeStackVar, Item: item, Name: item.StackVar.Name})
		}
	}

	if last != nil && !last.Op.IsReturn() && (last.Op != OpJmp || last.BranchTarget() == "") {
		p.FallThrough = following
		for j := end + 1; j < len(items); j++ {
			if items[j].Kind == ItemProc {
				p.FallThrough = items[j].Name
				break
			}
		}
	}
	p.Nodes = append(p.Nodes, &InstructionNode{Kind: NodeEndProc, Item: &items[end], Name: p.FallThrough})
	p.markJumpTargets()
	return p, end, nil
}

func (p *ProcIR) markJumpTargets() {
	for _, n := range p.Nodes {
		if n.Kind != NodeInstruction || !n.Insn.IsBranch() || n.Target == "" || n.Op() == OpCall {
			continue
		}
		if n.Target == p.Name {
			n.StartOverJump = true
			p.NeedsStartLabel = true
			continue
		}
		index, ok := p.labels[n.Target]
		if !ok {
			continue
		}
		n.LocalTarget = true
		if target := p.instructionAt(index); target != nil {
			target.FlowChange = true
			if target.Op().IsReturn() {
				n.ReturnJump = true
			}
		}
	}
}

// instructionAt returns the first instruction at or after index, nil at the end of the
// procedure.
func (p *ProcIR) instructionAt(index int) *InstructionNode {
	for ; index < len(p.Nodes); index++ {
		if p.Nodes[index].Kind == NodeInstruction {
			return p.Nodes[index]
		}
	}
	return nil
}

// IsLocalLabel reports whether name is a label of this procedure.
func (p *ProcIR) IsLocalLabel(name string) bool {
	_, ok := p.labels[name]
	return ok
}

// closedLabels returns the labels that can only be reached by falling through or by a
// forward branch inside the procedure.
func (p *ProcIR) closedLabels() map[string]bool {
	closed := make(map[string]bool)
	for _, n := range p.Nodes {
		if n.Kind == NodeInstruction && n.Insn.IsBranch() && n.Op() != OpCall && !n.Op().IsReturn() && n.Target == "" {
			// indirect jump, any label may be a target
			return closed
		}
	}
	for name := range p.labels {
		if strings.HasPrefix(name, "@@") {
			closed[name] = true
		}
	}
	for i, n := range p.Nodes {
		if n.Kind == NodeInstruction && n.LocalTarget && p.labels[n.Target] < i {
			delete(closed, n.Target)
		}
	}
	return closed
}

// Optimize marks redundant instructions and unused overflow flag computations. Running it
// again over an optimized procedure changes nothing.
func (p *ProcIR) Optimize() {
	for removeRedundantInstructions(p) || removeOrphanedAssignmentChains(p) {
	}
	removeUnusedOverflowFlags(p)
}

type operandAccess uint8

const (
	accNone  operandAccess = 0
	accRead  operandAccess = 1
	accWrite operandAccess = 2
	accRW                  = accRead | accWrite
)

// opcodeEffects describes what an instruction does beyond its explicit operands.
type opcodeEffects struct {
	dst, src       operandAccess
	reads          []string
	writes         []string
	memRead        bool
	memWrite       bool
	readsOverflow  bool
	writesOverflow bool
	// killsOverflow is set when the overflow flag is always overwritten.
	killsOverflow bool
	// barrier instructions invalidate every tracked value.
	barrier bool
}

var arithmetic = opcodeEffects{dst: accRW, src: accRead, writesOverflow: true, killsOverflow: true}
var comparison = opcodeEffects{dst: accRead, src: accRead, writesOverflow: true, killsOverflow: true}
var shiftRotate = opcodeEffects{dst: accRW, src: accRead, writesOverflow: true}
var conditional = opcodeEffects{}
var signedConditional = opcodeEffects{readsOverflow: true}

var effectsTable = map[Opcode]opcodeEffects{
	OpMov:   {dst: accWrite, src: accRead},
	OpMovzx: {dst: accWrite, src: accRead},
	OpMovsx: {dst: accWrite, src: accRead},
	OpLea:   {dst: accWrite},
	OpXchg:  {dst: accRW, src: accRW},
	OpAdd:   arithmetic, OpAdc: arithmetic, OpSub: arithmetic, OpSbb: arithmetic,
	OpAnd: arithmetic, OpOr: arithmetic, OpXor: arithmetic,
	OpCmp: comparison, OpTest: comparison,
	OpNot: {dst: accRW},
	OpNeg: {dst: accRW, writesOverflow: true, killsOverflow: true},
	OpInc: {dst: accRW, writesOverflow: true, killsOverflow: true},
	OpDec: {dst: accRW, writesOverflow: true, killsOverflow: true},
	// mul, imul, div and idiv get their implicit registers from the operand size
	OpMul:   {dst: accRead, writesOverflow: true, killsOverflow: true},
	OpImul:  {dst: accRW, src: accRead, writesOverflow: true, killsOverflow: true},
	OpDiv:   {dst: accRead, writesOverflow: true},
	OpIdiv:  {dst: accRead, writesOverflow: true},
	OpPush:  {dst: accRead},
	OpPop:   {dst: accWrite},
	OpPushf: {readsOverflow: true},
	OpPopf:  {writesOverflow: true, killsOverflow: true},
	OpPusha: {reads: []string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp"}},
	OpPopa:  {writes: []string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp"}},
	OpCbw:   {reads: []string{"al"}, writes: []string{"ah"}},
	OpCwd:   {reads: []string{"ax"}, writes: []string{"dx"}},
	OpCwde:  {reads: []string{"ax"}, writes: []string{"eax"}},
	OpCdq:   {reads: []string{"eax"}, writes: []string{"edx"}},
	OpClc:   {}, OpStc: {}, OpCmc: {}, OpCld: {}, OpCli: {}, OpSti: {}, OpNop: {},
	OpInt:   {barrier: true},
	OpIn:    {dst: accWrite, src: accRead},
	OpOut:   {dst: accRead, src: accRead},
	OpMovsb: {reads: []string{"esi", "edi"}, writes: []string{"esi", "edi"}, memRead: true, memWrite: true},
	OpMovsw: {reads: []string{"esi", "edi"}, writes: []string{"esi", "edi"}, memRead: true, memWrite: true},
	OpMovsd: {reads: []string{"esi", "edi"}, writes: []string{"esi", "edi"}, memRead: true, memWrite: true},
	OpLodsb: {reads: []string{"esi"}, writes: []string{"esi", "al"}, memRead: true},
	OpLodsw: {reads: []string{"esi"}, writes: []string{"esi", "ax"}, memRead: true},
	OpLodsd: {reads: []string{"esi"}, writes: []string{"esi", "eax"}, memRead: true},
	OpStosb: {reads: []string{"edi", "al"}, writes: []string{"edi"}, memWrite: true},
	OpStosw: {reads: []string{"edi", "ax"}, writes: []string{"edi"}, memWrite: true},
	OpStosd: {reads: []string{"edi", "eax"}, writes: []string{"edi"}, memWrite: true},
	OpCmpsb: {reads: []string{"esi", "edi"}, writes: []string{"esi", "edi"}, memRead: true, writesOverflow: true, killsOverflow: true},
	OpCmpsw: {reads: []string{"esi", "edi"}, writes: []string{"esi", "edi"}, memRead: true, writesOverflow: true, killsOverflow: true},
	OpCmpsd: {reads: []string{"esi", "edi"}, writes: []string{"esi", "edi"}, memRead: true, writesOverflow: true, killsOverflow: true},
	OpScasb: {reads: []string{"edi", "al"}, writes: []string{"edi"}, memRead: true, writesOverflow: true, killsOverflow: true},
	OpScasw: {reads: []string{"edi", "ax"}, writes: []string{"edi"}, memRead: true, writesOverflow: true, killsOverflow: true},
	OpScasd: {reads: []string{"edi", "eax"}, writes: []string{"edi"}, memRead: true, writesOverflow: true, killsOverflow: true},
	OpSetz:  {dst: accWrite},
	OpSetnz: {dst: accWrite},
	OpSahf:  {reads: []string{"ah"}},
	OpLahf:  {writes: []string{"ah"}},
	OpHlt:   {barrier: true},
	OpIret:  {barrier: true},
	OpLeave: {reads: []string{"ebp"}, writes: []string{"esp", "ebp"}},

	OpShl: shiftRotate, OpSal: shiftRotate, OpShr: shiftRotate, OpSar: shiftRotate,
	OpRol: shiftRotate, OpRor: shiftRotate, OpRcl: shiftRotate, OpRcr: shiftRotate,

	OpJmp:    {},
	OpCall:   {barrier: true},
	OpRetn:   {},
	OpRet:    {},
	OpJo:     signedConditional,
	OpJno:    signedConditional,
	OpJl:     signedConditional,
	OpJge:    signedConditional,
	OpJle:    signedConditional,
	OpJg:     signedConditional,
	OpJb:     conditional, OpJnb: conditional, OpJz: conditional, OpJnz: conditional,
	OpJbe: conditional, OpJa: conditional, OpJs: conditional, OpJns: conditional,
	OpJp: conditional, OpJnp: conditional,
	OpJcxz:   {reads: []string{"cx"}},
	OpJecxz:  {reads: []string{"ecx"}},
	OpLoop:   {reads: []string{"ecx"}, writes: []string{"ecx"}},
	OpLoopz:  {reads: []string{"ecx"}, writes: []string{"ecx"}},
	OpLoopnz: {reads: []string{"ecx"}, writes: []string{"ecx"}},
}

// effectsOf returns the effects of an instruction node. Unknown instructions are barriers
// that also read the overflow flag.
func effectsOf(n *InstructionNode) opcodeEffects {
	e, ok := effectsTable[n.Op()]
	if !ok {
		return opcodeEffects{barrier: true, readsOverflow: true}
	}
	if n.Insn.Prefix != nil && n.Insn.Prefix.Op != OpLock {
		e.reads = append(e.reads[:len(e.reads):len(e.reads)], "ecx")
		e.writes = append(e.writes[:len(e.writes):len(e.writes)], "ecx")
	}
	switch n.Op() {
	case OpMul, OpImul, OpDiv, OpIdiv:
		if n.Op() == OpImul && len(n.Operands) > 1 {
			break
		}
		size := 4
		if len(n.Operands) > 0 && n.Operands[0].Size() > 0 {
			size = n.Operands[0].Size()
		}
		divide := n.Op() == OpDiv || n.Op() == OpIdiv
		switch size {
		case 1:
			e.reads, e.writes = []string{"al"}, []string{"ax"}
			if divide {
				e.reads = []string{"ax"}
			}
		case 2:
			e.reads, e.writes = []string{"ax"}, []string{"ax", "dx"}
			if divide {
				e.reads = []string{"ax", "dx"}
			}
		default:
			e.reads, e.writes = []string{"eax"}, []string{"eax", "edx"}
			if divide {
				e.reads = []string{"eax", "edx"}
			}
		}
	}
	return e
}

// registerRef returns the storage of a register spelling.
func registerRef(name string) RegRef {
	info := registers[name]
	return RegRef{Name: info.reg.String(), Reg: info.reg, Offset: info.offset, Size: info.size}
}

// nodeAccess lists what a node reads and writes in terms of register parts.
type nodeAccess struct {
	reads, writes     []RegRef
	memRead, memWrite bool
	// dstMem and srcMem are the explicit memory operands, nil when absent.
	dstMem, srcMem *CookedOperand
	dstMemRead     bool
}

func accessOf(n *InstructionNode) nodeAccess {
	e := effectsOf(n)
	var a nodeAccess
	for _, name := range e.reads {
		a.reads = append(a.reads, registerRef(name))
	}
	for _, name := range e.writes {
		a.writes = append(a.writes, registerRef(name))
	}
	a.memRead, a.memWrite = e.memRead, e.memWrite
	for i := range n.Operands {
		op := &n.Operands[i]
		acc := e.src
		if i == 0 {
			acc = e.dst
		} else if i == 2 {
			acc = accRead
		}
		if n.Op() == OpImul && len(n.Operands) == 3 && i == 0 {
			acc = accWrite
		}
		switch op.Kind {
		case OperandReg:
			if acc&accRead != 0 {
				a.reads = append(a.reads, op.Base)
			}
			if acc&accWrite != 0 {
				a.writes = append(a.writes, op.Base)
			}
		case OperandFixedMem, OperandDynamicMem:
			a.reads = append(a.reads, op.Registers()...)
			if n.Op() == OpLea {
				continue
			}
			if acc&accRead != 0 {
				a.memRead = true
			}
			if acc&accWrite != 0 {
				a.memWrite = true
			}
			if i == 0 {
				a.dstMem = op
				a.dstMemRead = acc&accRead != 0
			} else {
				a.srcMem = op
			}
		}
	}
	if n.Op() == OpIn || n.Op() == OpOut {
		// port I/O is not emulated, treat it as touching the accumulator
		a.reads = append(a.reads, registerRef("eax"), registerRef("edx"))
		a.writes = append(a.writes, registerRef("eax"))
	}
	return a
}
