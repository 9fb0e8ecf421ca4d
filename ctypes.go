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

	"modernc.org/cc/v4"
)

// cPrologue provides the fixed width integer types declarations refer to. System headers
// are never read.
const cPrologue = `typedef signed char int8_t;
typedef short int16_t;
typedef int int32_t;
typedef long long int64_t;
typedef unsigned char uint8_t;
typedef unsigned short uint16_t;
typedef unsigned int uint32_t;
typedef unsigned long long uint64_t;
typedef unsigned int size_t;
typedef uint8_t byte;
typedef uint16_t word;
typedef uint32_t dword;
`

// cBuiltinTypes are the single word type names the C parser knows without a declaration.
var cBuiltinTypes = map[string]bool{
	"char": true, "short": true, "int": true, "long": true, "signed": true, "unsigned": true,
	"float": true, "double": true, "void": true, "_Bool": true,
	"int8_t": true, "int16_t": true, "int32_t": true, "int64_t": true,
	"uint8_t": true, "uint16_t": true, "uint32_t": true, "uint64_t": true,
	"size_t": true, "byte": true, "word": true, "dword": true,
}

var cKeywords = map[string]bool{
	"auto": true, "break": true, "case": true, "char": true, "const": true, "continue": true,
	"default": true, "do": true, "double": true, "else": true, "enum": true, "extern": true,
	"float": true, "for": true, "goto": true, "if": true, "inline": true, "int": true, "long": true,
	"register": true, "restrict": true, "return": true, "short": true, "signed": true,
	"sizeof": true, "static": true, "struct": true, "switch": true, "typedef": true,
	"union": true, "unsigned": true, "void": true, "volatile": true, "while": true,
	"bool": true, "class": true, "delete": true, "new": true, "namespace": true,
	"private": true, "protected": true, "public": true, "template": true, "this": true,
	"throw": true, "try": true, "catch": true, "virtual": true, "operator": true,
	"friend": true, "true": true, "false": true, "and": true, "or": true, "not": true,
	"xor": true, "byte": true, "word": true, "dword": true, "flags": true, "stack": true,
}

// cIdent turns a listing name into a valid C and C++ identifier.
func cIdent(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			sb.WriteByte(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte('_')
		}
	}
	ident := sb.String()
	if cKeywords[ident] {
		ident += "_"
	}
	return ident
}

type cTypeInfo struct {
	size  int
	align int
}

// CTypes knows the size and alignment of the C types exports are declared with, as laid
// out by a 32-bit x86 C compiler.
type CTypes struct {
	types map[string]cTypeInfo
}

// NewCTypes resolves every declared export type. Listing structs count as 4 byte aligned.
func NewCTypes(structs *StructStream, exports []ExportEntry) (*CTypes, error) {
	c := &CTypes{types: make(map[string]cTypeInfo)}
	var probes strings.Builder
	probeTypes := make(map[string]string)
	for _, e := range exports {
		if e.CType == "" {
			continue
		}
		if _, ok := c.types[e.CType]; ok {
			continue
		}
		if st := structs.Find(e.CType); st != nil {
			c.types[e.CType] = cTypeInfo{size: st.Size(), align: 4}
			continue
		}
		if !isCTypeSpelling(e.CType) {
			return nil, fmt.Errorf("Unknown structure encountered: `%s', variable: `%s'", e.CType, e.Name)
		}
		if _, ok := probeTypes[e.CType]; ok {
			continue
		}
		probe := fmt.Sprintf("__probe%d", len(probeTypes))
		probeTypes[e.CType] = probe
		fmt.Fprintf(&probes, "%s %s;\n", e.CType, probe)
	}
	if len(probeTypes) == 0 {
		return c, nil
	}

	ast, err := translateC("<exports>", probes.String())
	if err != nil {
		return nil, fmt.Errorf("invalid export declaration: %w", err)
	}
	sizes := declaredTypes(ast, "<exports>")
	for ctype, probe := range probeTypes {
		info, ok := sizes[probe]
		if !ok || info.size <= 0 {
			return nil, fmt.Errorf("cannot determine size of `%s'", ctype)
		}
		c.types[ctype] = info
	}
	return c, nil
}

// Lookup returns the element size and alignment of a declared type.
func (c *CTypes) Lookup(ctype string) (size, align int, ok bool) {
	info, ok := c.types[ctype]
	return info.size, info.align, ok
}

// isCTypeSpelling rejects single word types the C parser would not know, those must be
// listing structs.
func isCTypeSpelling(ctype string) bool {
	if strings.ContainsAny(ctype, " *") {
		return true
	}
	return cBuiltinTypes[ctype]
}

func translateC(name, src string) (*cc.AST, error) {
	abi, err := cc.NewABI("linux", "386")
	if err != nil {
		return nil, err
	}
	cfg := &cc.Config{ABI: abi}
	return cc.Translate(cfg, []cc.Source{
		{Name: "<prologue>", Value: cPrologue},
		{Name: name, Value: src},
	})
}

// declaredTypes collects the declarators of file with their sizes.
func declaredTypes(ast *cc.AST, file string) map[string]cTypeInfo {
	result := make(map[string]cTypeInfo)
	for tu := ast.TranslationUnit; tu != nil; tu = tu.TranslationUnit {
		externalDeclaration := tu.ExternalDeclaration
		if externalDeclaration.Case != cc.ExternalDeclarationDecl || externalDeclaration.Position().Filename != file {
			continue
		}
		for list := externalDeclaration.Declaration.InitDeclaratorList; list != nil; list = list.InitDeclaratorList {
			declarator := list.InitDeclarator.Declarator
			typ := declarator.Type()
			result[declarator.Name()] = cTypeInfo{size: int(typ.Size()), align: typ.Align()}
		}
	}
	return result
}

// cField is one member of a struct as C spells it.
type cField struct {
	typ   string
	name  string
	count int
}

func (f cField) String() string {
	if f.count > 1 {
		return fmt.Sprintf("%s %s[%d];", f.typ, f.name, f.count)
	}
	return fmt.Sprintf("%s %s;", f.typ, f.name)
}

var cPrimitiveTypes = map[int]string{1: "byte", 2: "word", 4: "dword"}

// cStructLayout renders the members of st so that the C layout matches the listing
// without packing pragmas: members the compiler would pad are written as byte arrays.
func cStructLayout(st *Struct, structs *StructStream, aligns map[string]int) ([]cField, int) {
	render := func(typed bool) ([]cField, int) {
		var fields []cField
		offset, align := 0, 1
		for i := range st.Fields {
			f := &st.Fields[i]
			name := cIdent(f.Name)
			if f.Name == "" {
				name = fmt.Sprintf("_pad%d", i)
			}
			count := f.Count()
			size := f.ElementSize
			typ, fieldAlign := cPrimitiveTypes[size], size
			if f.Type != "" {
				nested := structs.Find(f.Type)
				size, typ, fieldAlign = nested.Size(), cIdent(nested.Name), aligns[nested.Name]
			}
			if !typed || typ == "" || size == 0 || offset%fieldAlign != 0 {
				typ, fieldAlign, count = "byte", 1, size*count
			}
			if count > 0 {
				fields = append(fields, cField{typ: typ, name: name, count: count})
			}
			align = max(align, fieldAlign)
			if !st.IsUnion {
				offset += size * f.Count()
			}
		}
		return fields, align
	}
	fields, align := render(true)
	if st.Size()%align != 0 {
		fields, align = render(false)
	}
	return fields, align
}

// CStructDefinitions renders every listing struct as a C typedef, dependencies first.
func CStructDefinitions(structs *StructStream) string {
	var sb strings.Builder
	aligns := make(map[string]int)
	for _, st := range structs.Ordered() {
		fields, align := cStructLayout(st, structs, aligns)
		aligns[st.Name] = align
		kind := "struct"
		if st.IsUnion {
			kind = "union"
		}
		name := cIdent(st.Name)
		fmt.Fprintf(&sb, "typedef %s %s {\n", kind, name)
		if len(fields) == 0 {
			sb.WriteString("    byte _unused;\n")
		}
		for _, f := range fields {
			sb.WriteString("    ")
			sb.WriteString(f.String())
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "} %s;\n\n", name)
	}
	return sb.String()
}

const headerPreamble = `// Generated by ida2src, do not edit.
#pragma once

#include <stdint.h>

typedef uint8_t byte;
typedef uint16_t word;
typedef uint32_t dword;

`

// GenerateHeader declares every export for C code. Variables use their declared type, or
// the listing type when the symbol file gives none.
func GenerateHeader(structs *StructStream, symbols *SymbolTable, labelType func(name string) (ReferenceType, string, bool)) (string, error) {
	var body strings.Builder
	body.WriteString(CStructDefinitions(structs))

	exports := append([]ExportEntry(nil), symbols.Exports()...)
	sort.SliceStable(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	for _, e := range exports {
		name := cIdent(e.Name)
		ctype := e.CType
		if ctype == "" && !e.Function {
			typ, structName, ok := labelType(e.Name)
			switch {
			case !ok || typ == RefNear || typ == RefProc:
			case typ == RefUser:
				ctype = cIdent(structName)
			default:
				ctype = cPrimitiveTypes[typ.Size()]
				if ctype == "" {
					ctype = "byte"
				}
			}
		} else if structs.Find(ctype) != nil {
			ctype = cIdent(ctype)
		}
		switch {
		case ctype == "":
			fmt.Fprintf(&body, "void %s(void);\n", name)
		case e.ArraySize > 0:
			fmt.Fprintf(&body, "extern %s %s[%d];\n", ctype, name, e.ArraySize)
		default:
			fmt.Fprintf(&body, "extern %s %s;\n", ctype, name)
		}
	}

	if err := validateHeader(body.String(), structs); err != nil {
		return "", err
	}
	return headerPreamble + body.String(), nil
}

// validateHeader compiles the header and checks every struct came out with the listing's
// size.
func validateHeader(body string, structs *StructStream) error {
	ast, err := translateC("<header>", body)
	if err != nil {
		return fmt.Errorf("generated header does not compile: %w", err)
	}
	sizes := declaredTypes(ast, "<header>")
	for _, st := range structs.Structs() {
		info, ok := sizes[cIdent(st.Name)]
		if !ok || st.Size() == 0 {
			continue
		}
		if info.size != st.Size() {
			return fmt.Errorf("struct `%s' is %d bytes in C but %d bytes in the listing", st.Name, info.size, st.Size())
		}
	}
	return nil
}
