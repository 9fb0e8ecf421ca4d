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
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

const stackSize = 0x10000

var (
	cpuRegisters     = []string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp"}
	segmentRegisters = []string{"cs", "ds", "es", "fs", "gs", "ss"}
	amigaNames       = []string{"D0", "D1", "D2", "D3", "D4", "D5", "D6", "D7", "A0", "A1", "A2", "A3", "A4", "A5", "A6"}
)

// vmFiles renders vm.h and vm.cpp, the runtime every translated chunk links against.
type vmFiles struct {
	ctx *SharedContext
	// idents maps named variables to their unique C identifiers.
	idents map[string]string
	vars   []*BankVar
}

func newVMFiles(ctx *SharedContext) *vmFiles {
	vm := &vmFiles{ctx: ctx, idents: make(map[string]string), vars: ctx.Bank.Vars()}
	used := make(map[string]bool)
	for _, v := range vm.vars {
		if v.Name == "" {
			continue
		}
		ident := cIdent(v.Name)
		if used[ident] {
			ident = fmt.Sprintf("%s_%x", ident, v.Offset)
		}
		used[ident] = true
		vm.idents[v.Name] = ident
	}
	return vm
}

func (vm *vmFiles) path(name string) string {
	return filepath.Join(vm.ctx.Dir, name)
}

// functions returns the procedures vm.h declares and the ones living in the host.
func (vm *vmFiles) functions() (procs, imports []string) {
	procs = append(procs, vm.ctx.Procs...)
	imports = append(imports, vm.ctx.Symbols.Imports()...)
	for _, p := range vm.ctx.Bank.Procs() {
		if p.Imported {
			imports = append(imports, p.Name)
		} else {
			procs = append(procs, p.Name)
		}
	}
	procs = lo.Filter(sortedUnique(procs), func(name string, _ int) bool { return !vm.ctx.Symbols.IsImport(name) })
	return procs, sortedUnique(imports)
}

func (vm *vmFiles) header() (string, error) {
	var sb strings.Builder
	bank := vm.ctx.Bank
	sb.WriteString(`// Generated by ida2src, do not edit.
#pragma once

#include <assert.h>
#include <stdint.h>
#include <string.h>

typedef uint8_t byte;
typedef uint16_t word;
typedef uint32_t dword;

`)
	fmt.Fprintf(&sb, "constexpr dword kMemStartOfs = %d;\n", zeroRegionSize)
	fmt.Fprintf(&sb, "constexpr dword kDataSize = %d;\n", bank.MemorySize())
	fmt.Fprintf(&sb, "constexpr dword kExtraMemory = %d;\n", vm.ctx.ExtraMemory)
	fmt.Fprintf(&sb, "constexpr dword kStackSize = %d;\n", stackSize)
	sb.WriteString("constexpr dword kMemSize = kDataSize + kExtraMemory + kStackSize;\n\n")

	fmt.Fprintf(&sb, "extern dword %s;\n", strings.Join(cpuRegisters, ", "))
	for _, r := range cpuRegisters[:4] {
		x := r[1:]
		fmt.Fprintf(&sb, "extern word &%s;\nextern byte &%cl, &%ch;\n", x, x[0], x[0])
	}
	for _, r := range cpuRegisters[4:] {
		fmt.Fprintf(&sb, "extern word &%s;\n", r[1:])
	}
	fmt.Fprintf(&sb, "extern word %s;\n", strings.Join(segmentRegisters, ", "))
	fmt.Fprintf(&sb, "extern dword %s;\n\n", strings.Join(amigaNames, ", "))

	sb.WriteString(`struct Flags {
    bool carry;
    bool zero;
    bool sign;
    bool overflow;
};
extern Flags flags;

extern byte g_memByte[kMemSize];
#define g_memWord ((word *)g_memByte)
#define g_memDword ((dword *)g_memByte)

dword readMemory(dword address, int size);
void writeMemory(dword address, int size, dword value);
void push(dword value);
dword pop();
dword packFlags();
void unpackFlags(dword value);
void pusha();
void popa();
void invokeProc(dword index);
void callIndex(dword index);
// interrupt is provided by the host.
void interrupt(int number);

inline void call(void (*proc)())
{
    esp -= 4;
    proc();
    esp += 4;
}

`)
	sb.WriteString(CStructDefinitions(vm.ctx.Structs))
	sb.WriteString(vm.variables())
	sb.WriteString(vm.enums())

	procs, imports := vm.functions()
	for _, name := range procs {
		fmt.Fprintf(&sb, "void %s();\n", cIdent(name))
	}
	if len(imports) > 0 {
		sb.WriteString("\nnamespace Host {\n")
		for _, name := range imports {
			fmt.Fprintf(&sb, "void %s();\n", cIdent(name))
		}
		sb.WriteString("}\n")
	}
	return sb.String(), nil
}

func (vm *vmFiles) fieldName(v *BankVar) string {
	if ident, ok := vm.idents[v.Name]; ok && v.Name != "" {
		return ident
	}
	return fmt.Sprintf("_unnamed_%x", v.Offset)
}

// variables declares the data area as one packed struct overlaying the memory image.
func (vm *vmFiles) variables() string {
	var sb strings.Builder
	sb.WriteString("#pragma pack(push, 1)\nstruct Variables {\n")
	fmt.Fprintf(&sb, "    byte zeroRegion[%d];\n", zeroRegionSize)
	for _, v := range vm.vars {
		if v.Padding > 0 {
			fmt.Fprintf(&sb, "    byte _pad_%x[%d];\n", v.Offset-v.Padding, v.Padding)
		}
		if v.ByteSize() == 0 {
			continue
		}
		name := vm.fieldName(v)
		typ, count := "byte", v.ByteSize()
		switch {
		case v.Type == VarString:
			typ = "char"
		case v.Type == VarStruct:
			typ, count = cIdent(v.StructName), v.Dup
		case cPrimitiveTypes[v.Size] != "":
			typ, count = cPrimitiveTypes[v.Size], v.Dup
		}
		sb.WriteString("    " + cField{typ: typ, name: name, count: count}.String() + "\n")
	}
	sb.WriteString("};\n#pragma pack(pop)\n")
	sb.WriteString("static_assert(sizeof(Variables) == kDataSize, \"variables do not match the memory layout\");\n")
	sb.WriteString("#define g_vars (*(Variables *)g_memByte)\n\n")
	return sb.String()
}

func (vm *vmFiles) enums() string {
	var sb strings.Builder
	sb.WriteString("enum VariableOffset : dword {\n")
	for _, v := range vm.vars {
		if v.Name != "" {
			fmt.Fprintf(&sb, "    ofs_%s = %s,\n", vm.idents[v.Name], cNumber(v.Offset))
		}
	}
	sb.WriteString("};\n\nenum ProcIndex : int32_t {\n")
	for _, p := range vm.ctx.Bank.Procs() {
		fmt.Fprintf(&sb, "    proc_%s = %d,\n", cIdent(p.Name), p.Index)
	}
	sb.WriteString("};\n\n")
	return sb.String()
}

// image returns the initialized part of memory: the zero region and every variable.
func (vm *vmFiles) image() []byte {
	data := make([]byte, vm.ctx.Bank.MemorySize())
	for _, v := range vm.vars {
		chunk := data[v.Offset : v.Offset+v.ByteSize()]
		switch v.Type {
		case VarString:
			copy(chunk, strings.Repeat(unquote(v.Text), v.Dup))
		case VarStruct:
		default:
			var value [8]byte
			binary.LittleEndian.PutUint64(value[:], uint64(int64(v.Value)))
			for i := 0; i < v.Dup; i++ {
				copy(chunk[i*v.Size:(i+1)*v.Size], value[:min(v.Size, 8)])
			}
		}
	}
	return data
}

func (vm *vmFiles) source() string {
	var sb strings.Builder
	sb.WriteString("// Generated by ida2src, do not edit.\n\n#include \"vm.h\"\n\n")
	fmt.Fprintf(&sb, "dword %s = kMemSize;\n", strings.Join(cpuRegisters, ", "))
	for _, r := range cpuRegisters[:4] {
		x := r[1:]
		fmt.Fprintf(&sb, "word &%s = *(word *)&%s;\n", x, r)
		fmt.Fprintf(&sb, "byte &%cl = *(byte *)&%s;\n", x[0], r)
		fmt.Fprintf(&sb, "byte &%ch = *((byte *)&%s + 1);\n", x[0], r)
	}
	for _, r := range cpuRegisters[4:] {
		fmt.Fprintf(&sb, "word &%s = *(word *)&%s;\n", r[1:], r)
	}
	fmt.Fprintf(&sb, "word %s;\n", strings.Join(segmentRegisters, ", "))
	fmt.Fprintf(&sb, "dword %s;\n", strings.Join(amigaNames, ", "))
	sb.WriteString("Flags flags;\n\n")

	sb.WriteString("alignas(4) byte g_memByte[kMemSize] = {\n")
	data := vm.image()
	for start := 0; start < len(data); start += 16 {
		line := lo.Map(data[start:min(start+16, len(data))], func(b byte, _ int) string { return fmt.Sprintf("0x%02x", b) })
		sb.WriteString("    " + strings.Join(line, ", ") + ",\n")
	}
	sb.WriteString("};\n\n")

	_, imports := vm.functions()
	sb.WriteString("static void (*const kProcTable[])() = {\n")
	for _, p := range vm.ctx.Bank.Procs() {
		name := cIdent(p.Name)
		if p.Imported || lo.Contains(imports, p.Name) {
			name = "Host::" + name
		}
		fmt.Fprintf(&sb, "    %s,\n", name)
	}
	sb.WriteString("    nullptr,\n};\n")
	sb.WriteString(vmRuntime)
	return sb.String()
}

const vmRuntime = `
constexpr int kNumProcs = sizeof(kProcTable) / sizeof(kProcTable[0]) - 1;

dword readMemory(dword address, int size)
{
    assert(address >= kMemStartOfs && address + size <= kMemSize);
    dword value = 0;
    for (int i = size - 1; i >= 0; i--)
        value = value << 8 | g_memByte[address + i];
    return value;
}

void writeMemory(dword address, int size, dword value)
{
    assert(address >= kMemStartOfs && address + size <= kMemSize);
    for (int i = 0; i < size; i++, value >>= 8)
        g_memByte[address + i] = (byte)value;
}

void push(dword value)
{
    esp -= 4;
    writeMemory(esp, 4, value);
}

dword pop()
{
    dword value = readMemory(esp, 4);
    esp += 4;
    return value;
}

dword packFlags()
{
    return 2 | flags.carry | flags.zero << 6 | flags.sign << 7 | flags.overflow << 11;
}

void unpackFlags(dword value)
{
    flags.carry = (value & 1) != 0;
    flags.zero = (value & 0x40) != 0;
    flags.sign = (value & 0x80) != 0;
    flags.overflow = (value & 0x800) != 0;
}

void pusha()
{
    dword original = esp;
    push(eax);
    push(ecx);
    push(edx);
    push(ebx);
    push(original);
    push(ebp);
    push(esi);
    push(edi);
}

void popa()
{
    edi = pop();
    esi = pop();
    ebp = pop();
    esp += 4;
    ebx = pop();
    edx = pop();
    ecx = pop();
    eax = pop();
}

void invokeProc(dword index)
{
    int32_t i = -(int32_t)index - 2;
    assert(i >= 0 && i < kNumProcs);
    kProcTable[i]();
}

void callIndex(dword index)
{
    esp -= 4;
    invokeProc(index);
    esp += 4;
}
`
