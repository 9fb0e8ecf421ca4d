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
	"sort"
	"strings"

	"github.com/samber/lo"
)

// zeroRegionSize bytes at address 0 catch null pointer accesses.
const zeroRegionSize = 256

// firstProcIndex is the index of the first procedure; -1 is the null pointer of the
// emulated code.
const firstProcIndex = -2

type VarType uint8

const (
	VarInt VarType = iota
	VarString
	VarOffset
	VarStruct
)

// BankVar is one data element in the flat memory. Only the first element of a data item
// carries the item's name.
type BankVar struct {
	Name string
	Type VarType
	// Size is the element size, Dup the repetition count.
	Size       int
	Dup        int
	Offset     int
	Padding    int
	Value      int
	Text       string
	StructName string

	// offset elements point at OffsetVar (optionally OffsetVar.StructField) plus
	// AdditionalOffset
	OffsetVar        string
	StructField      string
	AdditionalOffset int

	LeadingComments string
	Comment         string
}

// ByteSize is the number of bytes the element occupies.
func (v *BankVar) ByteSize() int {
	return v.Size * v.Dup
}

// BankProc is a procedure that can be called through a pointer.
type BankProc struct {
	Name     string
	Index    int
	Imported bool
}

type offsetRef struct {
	name string
	v    *BankVar
}

// BankRegion is what one chunk contributes to the data bank.
type BankRegion struct {
	vars       []*BankVar
	structVars map[string]string
	offsetRefs []offsetRef
}

// ProcessRegion collects the variables of one chunk, the variables that are accessed as
// structs and the names whose address is taken.
func ProcessRegion(items []Item, structs *StructStream, defines *DefinesMap) (*BankRegion, error) {
	region := &BankRegion{structVars: make(map[string]string)}
	firstMembers := firstMembersStructMap(structs)
	for i := range items {
		item := &items[i]
		switch item.Kind {
		case ItemDataItem:
			if err := region.addVariable(item, structs, defines); err != nil {
				return nil, err
			}
			region.addPotentialStructVar(item.Data, item.Comment, firstMembers)
		case ItemInstruction:
			region.addPotentialFunctionPointer(item.Insn)
		}
	}
	for _, v := range region.vars {
		if v.Type == VarOffset {
			region.offsetRefs = append(region.offsetRefs, offsetRef{name: v.OffsetVar, v: v})
		}
	}
	return region, nil
}

func (r *BankRegion) addVariable(item *Item, structs *StructStream, defines *DefinesMap) error {
	d := item.Data
	if isAmigaRegister(d.Name) {
		return nil
	}
	for i := range d.Elements {
		e := &d.Elements[i]
		v := &BankVar{Size: d.Size, Dup: e.Count(), Text: e.Text}
		if i == 0 {
			v.Name = d.Name
			v.LeadingComments = item.LeadingComments
			v.Comment = item.Comment
		}
		if d.StructName != "" {
			st := structs.Find(d.StructName)
			if st == nil {
				return fmt.Errorf("Unknown structure encountered: `%s', variable: `%s'", d.StructName, d.Name)
			}
			v.Type, v.Size, v.StructName = VarStruct, st.Size(), st.Name
			r.vars = append(r.vars, v)
			continue
		}
		switch e.Type {
		case ElemLabel:
			if def := defines.Get(e.Text); def != nil && !e.IsOffset {
				v.Value = def.Value
				break
			}
			// a bare name in a data item stands for its address
			v.Type = VarOffset
			v.OffsetVar, v.StructField, _ = strings.Cut(e.Text, ".")
			v.AdditionalOffset = e.Offset
		case ElemHex, ElemDec, ElemBin:
			v.Value = e.Value
		case ElemString:
			if d.Size == 1 {
				v.Type = VarString
				v.Size = len(unquote(e.Text))
			} else {
				v.Value = stringConstant(e.Text)
			}
		case ElemStructInit, ElemUninitialized:
		}
		r.vars = append(r.vars, v)
	}
	return nil
}

// addPotentialStructVar records variables accessed through struct fields. Besides struct
// typed items these are items whose comment names the first field of a struct, e.g.
// `; [0].teamNumber'.
func (r *BankRegion) addPotentialStructVar(d *DataItem, comment string, firstMembers map[string]string) {
	if d.Name == "" {
		return
	}
	if d.StructName != "" {
		r.structVars[d.Name] = d.StructName
		return
	}
	_, text, ok := strings.Cut(comment, ";")
	if !ok {
		return
	}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "[") {
		text = strings.TrimLeft(text[1:], "0123456789")
		text = strings.TrimPrefix(text, "]")
		text = strings.TrimPrefix(text, ".")
	}
	if structName, ok := firstMembers[text]; ok && text != "" {
		r.structVars[d.Name] = structName
	}
}

// addPotentialFunctionPointer records `mov x, offset name'.
func (r *BankRegion) addPotentialFunctionPointer(insn *Instruction) {
	if len(insn.Operands) != 2 {
		return
	}
	tokens := insn.Operands[1].Tokens
	if len(tokens) == 2 && tokens[0].Kind == TokOffset && tokens[1].IsID() && !strings.Contains(tokens[1].Text, ".") {
		r.offsetRefs = append(r.offsetRefs, offsetRef{name: tokens[1].Text})
	}
}

// firstMembersStructMap maps the name of each struct's first field to the struct. Field
// names shared by several structs are ambiguous and left out.
func firstMembersStructMap(structs *StructStream) map[string]string {
	result := make(map[string]string)
	ambiguous := make(map[string]bool)
	for _, st := range structs.Structs() {
		if len(st.Fields) == 0 || st.Fields[0].Name == "" {
			continue
		}
		name := st.Fields[0].Name
		if _, ok := result[name]; ok {
			ambiguous[name] = true
		}
		result[name] = st.Name
	}
	for name := range ambiguous {
		delete(result, name)
	}
	return result
}

// stringConstant packs a quoted string into an integer, the first character being the
// most significant byte.
func stringConstant(text string) int {
	value := 0
	for _, c := range []byte(unquote(text)) {
		value = value<<8 | int(c)
	}
	return int(int32(value))
}

// DataBank lays out every variable of the listing in one flat memory block and numbers
// the procedures that are called through pointers.
type DataBank struct {
	symbols *SymbolTable
	types   *CTypes

	regions    [][]*BankVar
	structVars map[string]string
	offsetRefs []offsetRef

	vars       map[string]*BankVar
	procs      map[string]*BankProc
	procList   []*BankProc
	memorySize int
}

func NewDataBank(symbols *SymbolTable, types *CTypes) *DataBank {
	return &DataBank{
		symbols:    symbols,
		types:      types,
		structVars: make(map[string]string),
		vars:       make(map[string]*BankVar),
		procs:      make(map[string]*BankProc),
	}
}

// AddRegion appends the variables of the next chunk.
func (b *DataBank) AddRegion(r *BankRegion) {
	b.regions = append(b.regions, r.vars)
	for name, structName := range r.structVars {
		b.structVars[name] = structName
	}
	b.offsetRefs = append(b.offsetRefs, r.offsetRefs...)
}

// Consolidate assigns every variable its address in declaration order. Exported
// variables with a declared C type are aligned the way a C compiler expects them.
func (b *DataBank) Consolidate(structs *StructStream, defines *DefinesMap) error {
	b.memorySize = zeroRegionSize
	for _, region := range b.regions {
		for _, v := range region {
			if v.Name != "" {
				padding, err := b.alignVar(v, b.memorySize, structs)
				if err != nil {
					return err
				}
				v.Padding = padding
				b.memorySize += padding
				b.vars[v.Name] = v
			}
			v.Offset = b.memorySize
			b.memorySize += v.ByteSize()
		}
	}
	if err := b.assignProcIndices(); err != nil {
		return err
	}
	return b.fixupOffsetVars(structs, defines)
}

func (b *DataBank) alignVar(v *BankVar, address int, structs *StructStream) (int, error) {
	decl, ok := b.symbols.DeclaredType(v.Name)
	if !ok || v.Type == VarString {
		return 0, nil
	}
	size, align, known := b.types.Lookup(decl.CType)
	if !known {
		return 0, fmt.Errorf("Unknown structure encountered: `%s', variable: `%s'", decl.CType, v.Name)
	}
	alignment := min(align, 4)
	if v.Type == VarStruct || structs.Find(decl.CType) != nil {
		alignment = 4
	} else if size != v.Size && v.Type == VarInt && v.Value == 0 {
		total := v.ByteSize()
		switch {
		case decl.ArraySize > 1 && size*decl.ArraySize == total:
			v.Size, v.Dup = size, decl.ArraySize
		case decl.ArraySize <= 1 && v.Dup > 1 && size > v.Size && total%size == 0:
			v.Size, v.Dup = size, total/size
		}
	}
	alignment = max(alignment, 1)
	return (alignment - address%alignment) % alignment, nil
}

// assignProcIndices numbers every address-taken name that is not a variable plus every
// exported procedure, in name order.
func (b *DataBank) assignProcIndices() error {
	var names []string
	for _, ref := range b.offsetRefs {
		if !b.IsVariable(ref.name) {
			names = append(names, ref.name)
		}
	}
	for _, e := range b.symbols.Exports() {
		if e.Function || (e.CType == "" && !b.IsVariable(e.Name)) {
			names = append(names, e.Name)
		}
	}
	names = lo.Uniq(names)
	sort.Strings(names)

	idents := make(map[string]string, len(names))
	for i, name := range names {
		ident := cIdent(name)
		if other, ok := idents[ident]; ok {
			return fmt.Errorf("procedures `%s' and `%s' map to the same identifier", other, name)
		}
		idents[ident] = name
		proc := &BankProc{Name: name, Index: firstProcIndex - i, Imported: b.symbols.IsImport(name)}
		b.procs[name] = proc
		b.procList = append(b.procList, proc)
	}
	return nil
}

// fixupOffsetVars turns pointers to procedures into proc indices and resolves pointers to
// variables into addresses.
func (b *DataBank) fixupOffsetVars(structs *StructStream, defines *DefinesMap) error {
	structMap := NewStructMap(structs)
	for _, region := range b.regions {
		for _, v := range region {
			if v.Type != VarOffset {
				continue
			}
			if proc, ok := b.procs[v.OffsetVar]; ok && v.StructField == "" {
				v.Type = VarInt
				v.Value = proc.Index
				continue
			}
			target, ok := b.vars[v.OffsetVar]
			if !ok {
				if member, ok := structMap.Get(v.OffsetVar + "." + v.StructField); ok && v.StructField != "" {
					// offset Struct.field is a plain number
					v.Type, v.Value = VarInt, member.Offset+v.AdditionalOffset
					continue
				}
				if def := defines.Get(v.OffsetVar); def != nil {
					v.Type, v.Value = VarInt, def.Value+v.AdditionalOffset
					continue
				}
				return fmt.Errorf("variable `%s' missing, check for invalid ranges", v.OffsetVar)
			}
			v.Value = target.Offset + v.AdditionalOffset
			if v.StructField != "" {
				structName, ok := b.StructNameFromVar(v.OffsetVar)
				if !ok {
					return fmt.Errorf("variable `%s' is not a struct", v.OffsetVar)
				}
				member, ok := structMap.Get(structName + "." + v.StructField)
				if !ok {
					return fmt.Errorf("struct `%s' has no field `%s'", structName, v.StructField)
				}
				v.Value += member.Offset
			}
		}
	}
	return nil
}

// MemorySize is the size of the laid out memory, zero region included.
func (b *DataBank) MemorySize() int {
	return b.memorySize
}

// VarOffset returns the address of a variable.
func (b *DataBank) VarOffset(name string) (int, error) {
	v, ok := b.vars[name]
	if !ok {
		return 0, fmt.Errorf("variable `%s' missing, check for invalid ranges", name)
	}
	return v.Offset, nil
}

func (b *DataBank) Var(name string) (*BankVar, bool) {
	v, ok := b.vars[name]
	return v, ok
}

func (b *DataBank) IsVariable(name string) bool {
	_, ok := b.vars[name]
	return ok
}

// ProcIndex returns the index of a procedure called through a pointer, or -1.
func (b *DataBank) ProcIndex(name string) int {
	if proc, ok := b.procs[name]; ok {
		return proc.Index
	}
	return -1
}

// Procs returns the numbered procedures, highest index first.
func (b *DataBank) Procs() []*BankProc {
	return b.procList
}

// StructNameFromVar returns the struct a variable is accessed as.
func (b *DataBank) StructNameFromVar(name string) (string, bool) {
	structName, ok := b.structVars[name]
	return structName, ok
}

// Vars returns every variable in memory order.
func (b *DataBank) Vars() []*BankVar {
	return lo.Flatten(b.regions)
}
