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

// StructMember is a struct or a (possibly nested) field reachable through a dotted path.
type StructMember struct {
	Offset int
	// Size is the element size: a repeated field reports the size of one element.
	Size int
	// Type is the struct type of the member, empty for primitive fields.
	Type string
}

// StructMap resolves `S', `S.f' and `S.f.g' to offsets inside S.
type StructMap map[string]StructMember

// NewStructMap flattens a sealed struct catalog.
func NewStructMap(structs *StructStream) StructMap {
	m := make(StructMap)
	for _, st := range structs.Structs() {
		m[st.Name] = StructMember{Size: st.Size(), Type: st.Name}
		m.addFields(structs, st, st.Name, 0)
	}
	return m
}

func (m StructMap) addFields(structs *StructStream, st *Struct, prefix string, base int) {
	for i := range st.Fields {
		f := &st.Fields[i]
		if f.Name == "" {
			continue
		}
		offset, size, fieldType, _ := structs.FieldOffset(st, f.Name)
		path := prefix + "." + f.Name
		if _, ok := m[path]; ok {
			continue
		}
		m[path] = StructMember{Offset: base + offset, Size: size, Type: fieldType}
		if nested := structs.Find(fieldType); nested != nil {
			m.addFields(structs, nested, path, base+offset)
		}
	}
}

// Get looks up a dotted path.
func (m StructMap) Get(path string) (StructMember, bool) {
	member, ok := m[path]
	return member, ok
}
