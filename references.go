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
	"strings"

	"github.com/samber/lo"
)

type ReferenceType uint8

const (
	RefNone ReferenceType = iota
	RefNear
	RefProc
	RefByte
	RefWord
	RefDword
	RefQword
	RefTbyte
	RefUser
	RefIgnore
)

var referenceTypeNames = [...]string{"none", "near", "proc", "byte", "word", "dword", "qword", "tbyte", "user", "ignore"}

func (t ReferenceType) String() string {
	return referenceTypeNames[t]
}

// Size returns the byte size of data reference types, 0 otherwise.
func (t ReferenceType) Size() int {
	switch t {
	case RefByte:
		return 1
	case RefWord:
		return 2
	case RefDword:
		return 4
	case RefQword:
		return 8
	case RefTbyte:
		return 10
	}
	return 0
}

func referenceTypeForSize(size int) (ReferenceType, bool) {
	switch size {
	case 0:
		return RefUser, true
	case 1:
		return RefByte, true
	case 2:
		return RefWord, true
	case 4:
		return RefDword, true
	case 8:
		return RefQword, true
	case 10:
		return RefTbyte, true
	}
	return RefNone, false
}

type refHolder struct {
	Type       ReferenceType
	StructName string
	Public     bool
}

// Extern is an unresolved or cross chunk name a chunk uses.
type Extern struct {
	Name       string
	Type       ReferenceType
	StructName string
}

// References is the per chunk table of defined names (labels) and used names
// (references).
type References struct {
	labels     map[string]*refHolder
	labelOrder []string
	refs       map[string]*refHolder
	refOrder   []string
	amigaRegs  [numAmigaRegisters]bool
}

func NewReferences() *References {
	return &References{
		labels: make(map[string]*refHolder),
		refs:   make(map[string]*refHolder),
	}
}

func (r *References) addLabel(name string, h *refHolder) {
	if _, ok := r.labels[name]; ok {
		return
	}
	r.labels[name] = h
	r.labelOrder = append(r.labelOrder, name)
}

// AddVariable records a data definition; size 0 means a struct typed variable.
func (r *References) AddVariable(name string, size int, structName string) {
	if structName == "" {
		if idx := amigaRegisterIndex(name); idx >= 0 {
			r.amigaRegs[idx] = true
			return
		}
	}
	typ, _ := referenceTypeForSize(size)
	if structName != "" {
		typ = RefUser
	}
	r.addLabel(name, &refHolder{Type: typ, StructName: structName})
}

func (r *References) AddProc(name string) {
	r.addLabel(name, &refHolder{Type: RefProc})
}

func (r *References) AddLabel(name string) {
	r.addLabel(strings.TrimSuffix(name, ":"), &refHolder{Type: RefNear})
}

func (r *References) AddReference(name string) {
	if !isReference(name) {
		return
	}
	if _, ok := r.refs[name]; ok {
		return
	}
	r.refs[name] = &refHolder{}
	r.refOrder = append(r.refOrder, name)
}

func isReference(name string) bool {
	return name != "" && name != "$" && name != ")" && !strings.Contains(name, ":") &&
		name != "st" && name != "offset" && amigaRegisterIndex(name) < 0
}

func (r *References) MarkImport(name string) {
	if ref, ok := r.refs[name]; ok {
		ref.Type = RefNear
	}
}

func (r *References) MarkExport(name string) {
	if label, ok := r.labels[name]; ok {
		label.Public = true
	}
}

// HasReference reports whether name is used here with a resolved type.
func (r *References) HasReference(name string) bool {
	ref, ok := r.refs[name]
	return ok && ref.Type != RefIgnore && ref.Type != RefNone
}

func (r *References) HasPublic(name string) bool {
	label, ok := r.labels[name]
	return ok && label.Public
}

func (r *References) HasLabel(name string) bool {
	_, ok := r.labels[name]
	return ok
}

// Label returns the type of a name defined in this chunk.
func (r *References) Label(name string) (ReferenceType, string, bool) {
	label, ok := r.labels[name]
	if !ok {
		return RefNone, "", false
	}
	return label.Type, label.StructName, true
}

// Type returns the resolved type of a used name.
func (r *References) Type(name string) (ReferenceType, string) {
	if ref, ok := r.refs[name]; ok {
		return ref.Type, ref.StructName
	}
	return RefNone, ""
}

func (r *References) SetIgnored(name string) {
	if ref, ok := r.refs[name]; ok {
		ref.Type = RefIgnore
	}
}

func (r *References) Clear() {
	clear(r.labels)
	clear(r.refs)
	r.labelOrder = r.labelOrder[:0]
	r.refOrder = r.refOrder[:0]
	r.amigaRegs = [numAmigaRegisters]bool{}
}

// ResolveLocal marks every reference defined in this chunk as ignored.
func (r *References) ResolveLocal() {
	for _, name := range r.refOrder {
		ref := r.refs[name]
		if ref.Type == RefNone {
			if _, ok := r.labels[name]; ok {
				ref.Type = RefIgnore
			}
		}
	}
}

// Resolve types still unknown references against another chunk's labels. other is only
// read.
func (r *References) Resolve(other *References) {
	for _, name := range r.refOrder {
		ref := r.refs[name]
		if ref.Type != RefNone {
			continue
		}
		if label, ok := other.labels[name]; ok {
			ref.Type = label.Type
			ref.StructName = label.StructName
		}
	}
}

// PublishResolved marks labels of r that other chunks reference as public. It must run
// after every chunk finished Resolve.
func (r *References) PublishResolved(others []*References) {
	for _, name := range r.labelOrder {
		label := r.labels[name]
		if label.Public {
			continue
		}
		label.Public = lo.ContainsBy(others, func(o *References) bool {
			if o == r {
				return false
			}
			ref, ok := o.refs[name]
			return ok && ref.Type != RefIgnore
		})
	}
}

func (r *References) ResolveSegments(segments *SegmentSet) {
	for _, name := range r.refOrder {
		if segments.IsSegment(name) {
			r.refs[name].Type = RefIgnore
		}
	}
}

// Unresolved lists references that still have no type.
func (r *References) Unresolved() []string {
	return lo.Filter(r.refOrder, func(name string, _ int) bool {
		return r.refs[name].Type == RefNone
	})
}

func (r *References) Publics() []string {
	result := make([]string, 0, len(r.labelOrder))
	for i, defined := range r.amigaRegs {
		if defined {
			result = append(result, amigaRegisters[i])
		}
	}
	for _, name := range r.labelOrder {
		if r.labels[name].Public {
			result = append(result, name)
		}
	}
	return result
}

// Externs lists every non ignored reference. Emulated registers are always imported unless
// this chunk defines them.
func (r *References) Externs() []Extern {
	result := make([]Extern, 0, len(r.refOrder)+len(amigaRegisters))
	for i, defined := range r.amigaRegs {
		if !defined {
			result = append(result, Extern{Name: amigaRegisters[i], Type: RefDword})
		}
	}
	for _, name := range r.refOrder {
		ref := r.refs[name]
		if ref.Type != RefIgnore {
			result = append(result, Extern{Name: name, Type: ref.Type, StructName: ref.StructName})
		}
	}
	return result
}

func (r *References) References() []string {
	return r.refOrder
}
