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

// StructField is one member of a recovered struct. Exactly one of ElementSize and Type is
// set: primitive members carry their element size, struct typed members their type name.
type StructField struct {
	Name        string
	ElementSize int
	Type        string
	Dup         string
	Comment     string
}

// Count is the repetition count of the field.
func (f *StructField) Count() int {
	if f.Dup == "" {
		return 1
	}
	var tok Token
	tok.Text = f.Dup
	tok.Kind = numberKind(f.Dup)
	return tok.ParseInt()
}

func numberKind(text string) TokenKind {
	if text == "" {
		return TokNumber
	}
	switch text[len(text)-1] | 0x20 {
	case 'h':
		return TokHex
	case 'b':
		if isBinDigits(text[:len(text)-1]) {
			return TokBin
		}
		return TokHex
	}
	return TokNumber
}

type Struct struct {
	Name            string
	LeadingComments string
	Comment         string
	IsUnion         bool
	Fields          []StructField
	// NoDup is set when a nested struct member is repeated, such structs cannot be
	// instantiated with dup.
	NoDup bool

	size int
}

// Size is the byte size of the struct, available after StructStream.Seal.
func (s *Struct) Size() int {
	return s.size
}

// StructStream is the catalog of recovered structs. It is filled by the header parse and
// read-only afterwards.
type StructStream struct {
	structs []*Struct
	byName  map[string]*Struct
	order   []*Struct
}

func NewStructStream() *StructStream {
	return &StructStream{byName: make(map[string]*Struct)}
}

func (s *StructStream) Len() int { return len(s.structs) }

func (s *StructStream) Add(st *Struct) error {
	if _, ok := s.byName[st.Name]; ok {
		return fmt.Errorf("duplicate struct `%s'", st.Name)
	}
	s.structs = append(s.structs, st)
	s.byName[st.Name] = st
	return nil
}

func (s *StructStream) Find(name string) *Struct {
	return s.byName[name]
}

// Structs returns the structs in declaration order.
func (s *StructStream) Structs() []*Struct {
	return s.structs
}

// Ordered returns the structs so that every struct comes after the structs it contains.
// It is valid after Seal.
func (s *StructStream) Ordered() []*Struct {
	return s.order
}

// Seal computes struct sizes and the dependency order.
func (s *StructStream) Seal() error {
	s.order = s.order[:0]
	visiting := make(map[string]bool)
	done := make(map[string]bool)
	var visit func(st *Struct) (int, error)
	visit = func(st *Struct) (int, error) {
		if done[st.Name] {
			return st.size, nil
		}
		if visiting[st.Name] {
			return 0, fmt.Errorf("struct `%s' contains itself", st.Name)
		}
		visiting[st.Name] = true
		size := 0
		for i := range st.Fields {
			f := &st.Fields[i]
			fieldSize := f.ElementSize
			if f.Type != "" {
				nested := s.byName[f.Type]
				if nested == nil {
					return 0, fmt.Errorf("unknown struct type `%s' in struct `%s'", f.Type, st.Name)
				}
				var err error
				if fieldSize, err = visit(nested); err != nil {
					return 0, err
				}
			}
			fieldSize *= f.Count()
			if st.IsUnion {
				size = max(size, fieldSize)
			} else {
				size += fieldSize
			}
		}
		st.size = size
		done[st.Name] = true
		s.order = append(s.order, st)
		return size, nil
	}
	for _, st := range s.structs {
		if _, err := visit(st); err != nil {
			return err
		}
	}
	return nil
}

// FieldOffset returns the byte offset and size of a field inside struct st.
func (s *StructStream) FieldOffset(st *Struct, field string) (offset, size int, fieldType string, ok bool) {
	for i := range st.Fields {
		f := &st.Fields[i]
		fieldSize := f.ElementSize
		if f.Type != "" {
			if nested := s.byName[f.Type]; nested != nil {
				fieldSize = nested.Size()
			}
		}
		if f.Name == field {
			return offset, fieldSize, f.Type, true
		}
		if !st.IsUnion {
			offset += fieldSize * f.Count()
		}
	}
	return 0, 0, "", false
}
