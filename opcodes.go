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

// Opcode identifies one mnemonic of the recognized instruction set.
type Opcode uint8

const (
	OpNone Opcode = iota
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpXchg
	OpAdd
	OpAdc
	OpSub
	OpSbb
	OpCmp
	OpAnd
	OpOr
	OpXor
	OpTest
	OpNot
	OpNeg
	OpInc
	OpDec
	OpMul
	OpImul
	OpDiv
	OpIdiv
	OpPush
	OpPop
	OpPushf
	OpPopf
	OpPusha
	OpPopa
	OpCbw
	OpCwd
	OpCwde
	OpCdq
	OpClc
	OpStc
	OpCmc
	OpCld
	OpStd
	OpCli
	OpSti
	OpNop
	OpInt
	OpIn
	OpOut
	OpMovsb
	OpMovsw
	OpMovsd
	OpLodsb
	OpLodsw
	OpLodsd
	OpStosb
	OpStosw
	OpStosd
	OpCmpsb
	OpCmpsw
	OpCmpsd
	OpScasb
	OpScasw
	OpScasd
	OpSetz
	OpSetnz
	OpSahf
	OpLahf
	OpHlt
	OpIret
	OpLeave

	// shifts and rotates
	OpShl
	OpSal
	OpShr
	OpSar
	OpRol
	OpRor
	OpRcl
	OpRcr

	// branches
	OpJmp
	OpCall
	OpRetn
	OpRet
	OpJo
	OpJno
	OpJb
	OpJnb
	OpJz
	OpJnz
	OpJbe
	OpJa
	OpJs
	OpJns
	OpJp
	OpJnp
	OpJl
	OpJge
	OpJle
	OpJg
	OpJcxz
	OpJecxz
	OpLoop
	OpLoopz
	OpLoopnz

	// prefixes
	OpRep
	OpRepz
	OpRepnz
	OpLock
)

type opcodeInfo struct {
	op   Opcode
	kind InstructionType
}

// opcodes maps every accepted spelling (including aliases) to its opcode.
var opcodes = map[string]opcodeInfo{
	"mov": {OpMov, GeneralInstruction}, "movzx": {OpMovzx, GeneralInstruction},
	"movsx": {OpMovsx, GeneralInstruction}, "lea": {OpLea, GeneralInstruction},
	"xchg": {OpXchg, GeneralInstruction}, "add": {OpAdd, GeneralInstruction},
	"adc": {OpAdc, GeneralInstruction}, "sub": {OpSub, GeneralInstruction},
	"sbb": {OpSbb, GeneralInstruction}, "cmp": {OpCmp, GeneralInstruction},
	"and": {OpAnd, GeneralInstruction}, "or": {OpOr, GeneralInstruction},
	"xor": {OpXor, GeneralInstruction}, "test": {OpTest, GeneralInstruction},
	"not": {OpNot, GeneralInstruction}, "neg": {OpNeg, GeneralInstruction},
	"inc": {OpInc, GeneralInstruction}, "dec": {OpDec, GeneralInstruction},
	"mul": {OpMul, GeneralInstruction}, "imul": {OpImul, GeneralInstruction},
	"div": {OpDiv, GeneralInstruction}, "idiv": {OpIdiv, GeneralInstruction},
	"push": {OpPush, GeneralInstruction}, "pop": {OpPop, GeneralInstruction},
	"pushf": {OpPushf, GeneralInstruction}, "pushfd": {OpPushf, GeneralInstruction},
	"popf": {OpPopf, GeneralInstruction}, "popfd": {OpPopf, GeneralInstruction},
	"pusha": {OpPusha, GeneralInstruction}, "pushad": {OpPusha, GeneralInstruction},
	"popa": {OpPopa, GeneralInstruction}, "popad": {OpPopa, GeneralInstruction},
	"cbw": {OpCbw, GeneralInstruction}, "cwd": {OpCwd, GeneralInstruction},
	"cwde": {OpCwde, GeneralInstruction}, "cdq": {OpCdq, GeneralInstruction},
	"clc": {OpClc, GeneralInstruction}, "stc": {OpStc, GeneralInstruction},
	"cmc": {OpCmc, GeneralInstruction}, "cld": {OpCld, GeneralInstruction},
	"std": {OpStd, GeneralInstruction}, "cli": {OpCli, GeneralInstruction},
	"sti": {OpSti, GeneralInstruction}, "nop": {OpNop, GeneralInstruction},
	"int": {OpInt, GeneralInstruction}, "in": {OpIn, GeneralInstruction},
	"out": {OpOut, GeneralInstruction},
	"movsb": {OpMovsb, GeneralInstruction}, "movsw": {OpMovsw, GeneralInstruction},
	"movsd": {OpMovsd, GeneralInstruction}, "lodsb": {OpLodsb, GeneralInstruction},
	"lodsw": {OpLodsw, GeneralInstruction}, "lodsd": {OpLodsd, GeneralInstruction},
	"stosb": {OpStosb, GeneralInstruction}, "stosw": {OpStosw, GeneralInstruction},
	"stosd": {OpStosd, GeneralInstruction}, "cmpsb": {OpCmpsb, GeneralInstruction},
	"cmpsw": {OpCmpsw, GeneralInstruction}, "cmpsd": {OpCmpsd, GeneralInstruction},
	"scasb": {OpScasb, GeneralInstruction}, "scasw": {OpScasw, GeneralInstruction},
	"scasd": {OpScasd, GeneralInstruction},
	"setz": {OpSetz, GeneralInstruction}, "sete": {OpSetz, GeneralInstruction},
	"setnz": {OpSetnz, GeneralInstruction}, "setne": {OpSetnz, GeneralInstruction},
	"sahf": {OpSahf, GeneralInstruction}, "lahf": {OpLahf, GeneralInstruction},
	"hlt": {OpHlt, GeneralInstruction}, "iret": {OpIret, GeneralInstruction},
	"leave": {OpLeave, GeneralInstruction},

	"shl": {OpShl, ShiftRotateInstruction}, "sal": {OpSal, ShiftRotateInstruction},
	"shr": {OpShr, ShiftRotateInstruction}, "sar": {OpSar, ShiftRotateInstruction},
	"rol": {OpRol, ShiftRotateInstruction}, "ror": {OpRor, ShiftRotateInstruction},
	"rcl": {OpRcl, ShiftRotateInstruction}, "rcr": {OpRcr, ShiftRotateInstruction},

	"jmp": {OpJmp, BranchInstruction}, "call": {OpCall, BranchInstruction},
	"retn": {OpRetn, BranchInstruction}, "ret": {OpRet, BranchInstruction},
	"jo": {OpJo, BranchInstruction}, "jno": {OpJno, BranchInstruction},
	"jb": {OpJb, BranchInstruction}, "jc": {OpJb, BranchInstruction}, "jnae": {OpJb, BranchInstruction},
	"jnb": {OpJnb, BranchInstruction}, "jnc": {OpJnb, BranchInstruction}, "jae": {OpJnb, BranchInstruction},
	"jz": {OpJz, BranchInstruction}, "je": {OpJz, BranchInstruction},
	"jnz": {OpJnz, BranchInstruction}, "jne": {OpJnz, BranchInstruction},
	"jbe": {OpJbe, BranchInstruction}, "jna": {OpJbe, BranchInstruction},
	"ja": {OpJa, BranchInstruction}, "jnbe": {OpJa, BranchInstruction},
	"js": {OpJs, BranchInstruction}, "jns": {OpJns, BranchInstruction},
	"jp": {OpJp, BranchInstruction}, "jpe": {OpJp, BranchInstruction},
	"jnp": {OpJnp, BranchInstruction}, "jpo": {OpJnp, BranchInstruction},
	"jl": {OpJl, BranchInstruction}, "jnge": {OpJl, BranchInstruction},
	"jge": {OpJge, BranchInstruction}, "jnl": {OpJge, BranchInstruction},
	"jle": {OpJle, BranchInstruction}, "jng": {OpJle, BranchInstruction},
	"jg": {OpJg, BranchInstruction}, "jnle": {OpJg, BranchInstruction},
	"jcxz": {OpJcxz, BranchInstruction}, "jecxz": {OpJecxz, BranchInstruction},
	"loop": {OpLoop, BranchInstruction},
	"loopz": {OpLoopz, BranchInstruction}, "loope": {OpLoopz, BranchInstruction},
	"loopnz": {OpLoopnz, BranchInstruction}, "loopne": {OpLoopnz, BranchInstruction},

	"rep": {OpRep, PrefixInstruction}, "repe": {OpRepz, PrefixInstruction},
	"repz": {OpRepz, PrefixInstruction}, "repne": {OpRepnz, PrefixInstruction},
	"repnz": {OpRepnz, PrefixInstruction}, "lock": {OpLock, PrefixInstruction},
}

// IsConditionalJump reports whether op is a flag-testing branch.
func (op Opcode) IsConditionalJump() bool {
	return op >= OpJo && op <= OpJg
}

// IsJump reports whether op transfers control inside or out of a procedure without
// returning to the next instruction (calls excluded).
func (op Opcode) IsJump() bool {
	return op == OpJmp || (op >= OpJo && op <= OpLoopnz)
}

// IsReturn reports whether op is a procedure return.
func (op Opcode) IsReturn() bool {
	return op == OpRetn || op == OpRet
}

// Register identifies one general or segment register.
type Register uint8

const (
	RegNone Register = iota
	RegEax
	RegEbx
	RegEcx
	RegEdx
	RegEsi
	RegEdi
	RegEbp
	RegEsp
	RegCs
	RegDs
	RegEs
	RegFs
	RegGs
	RegSs
)

type registerInfo struct {
	reg     Register
	offset  int
	size    int
	segment bool
}

// registers maps every register spelling onto its 32-bit parent, the byte offset of the
// spelling inside the parent, and its size.
var registers = map[string]registerInfo{
	"eax": {RegEax, 0, 4, false}, "ax": {RegEax, 0, 2, false}, "al": {RegEax, 0, 1, false}, "ah": {RegEax, 1, 1, false},
	"ebx": {RegEbx, 0, 4, false}, "bx": {RegEbx, 0, 2, false}, "bl": {RegEbx, 0, 1, false}, "bh": {RegEbx, 1, 1, false},
	"ecx": {RegEcx, 0, 4, false}, "cx": {RegEcx, 0, 2, false}, "cl": {RegEcx, 0, 1, false}, "ch": {RegEcx, 1, 1, false},
	"edx": {RegEdx, 0, 4, false}, "dx": {RegEdx, 0, 2, false}, "dl": {RegEdx, 0, 1, false}, "dh": {RegEdx, 1, 1, false},
	"esi": {RegEsi, 0, 4, false}, "si": {RegEsi, 0, 2, false},
	"edi": {RegEdi, 0, 4, false}, "di": {RegEdi, 0, 2, false},
	"ebp": {RegEbp, 0, 4, false}, "bp": {RegEbp, 0, 2, false},
	"esp": {RegEsp, 0, 4, false}, "sp": {RegEsp, 0, 2, false},
	"cs": {RegCs, 0, 2, true}, "ds": {RegDs, 0, 2, true}, "es": {RegEs, 0, 2, true},
	"fs": {RegFs, 0, 2, true}, "gs": {RegGs, 0, 2, true}, "ss": {RegSs, 0, 2, true},
}

var registerNames = map[Register]string{
	RegEax: "eax", RegEbx: "ebx", RegEcx: "ecx", RegEdx: "edx",
	RegEsi: "esi", RegEdi: "edi", RegEbp: "ebp", RegEsp: "esp",
	RegCs: "cs", RegDs: "ds", RegEs: "es", RegFs: "fs", RegGs: "gs", RegSs: "ss",
}

func (r Register) String() string {
	return registerNames[r]
}

const numAmigaRegisters = 15

// amigaRegisters are the emulated 68k registers the listing keeps as named variables.
var amigaRegisters = []string{
	"D0", "D1", "D2", "D3", "D4", "D5", "D6", "D7",
	"A0", "A1", "A2", "A3", "A4", "A5", "A6",
}

// amigaRegisterIndex returns the index of an emulated 68k register name, or -1.
func amigaRegisterIndex(name string) int {
	if len(name) != 2 {
		return -1
	}
	switch name[0] {
	case 'D':
		if name[1] >= '0' && name[1] <= '7' {
			return int(name[1] - '0')
		}
	case 'A':
		if name[1] >= '0' && name[1] <= '6' {
			return 8 + int(name[1]-'0')
		}
	}
	return -1
}

func isAmigaRegister(name string) bool {
	return amigaRegisterIndex(name) >= 0
}
