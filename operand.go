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

import "fmt"

// OperandKind is the canonical class of an instruction operand.
type OperandKind uint8

const (
	OperandUnknown OperandKind = iota
	OperandReg
	// OperandFixedMem is a memory access at a compile time constant address.
	OperandFixedMem
	// OperandDynamicMem is a memory access whose address depends on registers.
	OperandDynamicMem
	OperandImmediate
)

var operandKindNames = [...]string{"unknown", "register", "fixed memory", "dynamic memory", "immediate"}

func (k OperandKind) String() string {
	return operandKindNames[k]
}

// RegRef is a register or a part of one. Name is the 32-bit storage: a CPU register or
// one of the emulated 68k registers.
type RegRef struct {
	Name   string
	Reg    Register
	Offset int
	Size   int
}

func (r RegRef) Empty() bool {
	return r.Name == ""
}

// Amiga reports whether r is one of the emulated 68k registers.
func (r RegRef) Amiga() bool {
	return r.Name != "" && r.Reg == RegNone
}

// Overlaps reports whether r and other share at least one byte.
func (r RegRef) Overlaps(other RegRef) bool {
	if r.Empty() || r.Name != other.Name {
		return false
	}
	return r.Offset < other.Offset+other.Size && other.Offset < r.Offset+r.Size
}

func (r RegRef) String() string {
	if r.Empty() {
		return ""
	}
	if r.Amiga() {
		if r.Offset == 0 && r.Size == 4 {
			return r.Name
		}
		return fmt.Sprintf("%s+%d:%d", r.Name, r.Offset, r.Size)
	}
	return registerSpelling(r.Reg, r.Offset, r.Size)
}

// registerSpelling returns the listing name of a register part, e.g. ah for eax+1:1.
func registerSpelling(reg Register, offset, size int) string {
	for name, info := range registers {
		if info.reg == reg && info.offset == offset && info.size == size && !info.segment {
			return name
		}
	}
	return fmt.Sprintf("%s+%d:%d", reg, offset, size)
}

// Operand32 is the full register a register part belongs to.
func (r RegRef) Operand32() RegRef {
	return RegRef{Name: r.Name, Reg: r.Reg, Size: 4}
}

// CookedOperand is an operand in canonical form.
type CookedOperand struct {
	Kind OperandKind
	// Base is the register of OperandReg, or the base register of OperandDynamicMem.
	Base  RegRef
	Index RegRef
	// Scale is the index multiplier, 0 when absent.
	Scale int
	// Disp is the value of an immediate, the address of fixed memory or the displacement
	// of dynamic memory.
	Disp     int
	DispText string
	MemSize  int
}

// Size is the operand size in bytes, 0 for immediates.
func (o *CookedOperand) Size() int {
	switch o.Kind {
	case OperandReg:
		return o.Base.Size
	case OperandFixedMem, OperandDynamicMem:
		return o.MemSize
	}
	return 0
}

func (o *CookedOperand) IsMemory() bool {
	return o.Kind == OperandFixedMem || o.Kind == OperandDynamicMem
}

func (o *CookedOperand) IsConst() bool {
	return o.Kind == OperandImmediate
}

// Equal compares two operands by what they denote, ignoring spelling.
func (o *CookedOperand) Equal(other *CookedOperand) bool {
	return o.Kind == other.Kind && o.Base == other.Base && o.Index == other.Index &&
		o.Scale == other.Scale && o.Disp == other.Disp && o.MemSize == other.MemSize
}

// Registers lists the registers the operand reads to form its value or address.
func (o *CookedOperand) Registers() []RegRef {
	var regs []RegRef
	if !o.Base.Empty() {
		regs = append(regs, o.Base)
	}
	if !o.Index.Empty() {
		regs = append(regs, o.Index)
	}
	return regs
}

func (o *CookedOperand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Base.String()
	case OperandImmediate:
		return fmt.Sprint(o.Disp)
	case OperandFixedMem:
		return fmt.Sprintf("%d ptr [%d]", o.MemSize, o.Disp)
	case OperandDynamicMem:
		s := fmt.Sprintf("%d ptr [%s", o.MemSize, o.Base)
		if !o.Index.Empty() {
			if s[len(s)-1] != '[' {
				s += "+"
			}
			s += o.Index.String()
			if o.Scale > 1 {
				s += fmt.Sprintf("*%d", o.Scale)
			}
		}
		if o.Disp != 0 {
			s += fmt.Sprintf("%+d", o.Disp)
		}
		return s + "]"
	}
	return "?"
}
