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
	"io"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

const definesFile = "defs.inc"

func init() {
	RegisterWriter("verbatim", &asmWriter{name: "verbatim"})
	RegisterWriter("masm", &asmWriter{name: "masm", masm: true})
}

// asmWriter re-emits the recovered listing as assembly. The verbatim dialect reproduces
// the listing as closely as possible, the masm dialect makes it assemble with MASM.
type asmWriter struct {
	name string
	masm bool
}

func (a *asmWriter) Name() string {
	return a.name
}

func (a *asmWriter) Extension() string {
	return ".asm"
}

func (a *asmWriter) NeedsDataBank() bool {
	return false
}

func (a *asmWriter) SegmentDirective(tokens []Token) string {
	return strings.Join(lo.Map(tokens, func(t Token, _ int) string { return t.Text }), " ")
}

func (a *asmWriter) EndSegmentDirective(name string) string {
	return name + " ends"
}

func (a *asmWriter) Output(w io.Writer, ctx *OutputContext, flags OutputFlags) error {
	cw := &columnWriter{}
	cw.write(ctx.Prefix)
	if a.masm {
		cw.write(".model flat\noption casemap:none\n")
	}
	cw.write("include " + definesFile + "\n\n")

	if flags&OutputExterns != 0 && a.masm {
		externs := ctx.References.Externs()
		for _, e := range externs {
			cw.write("extrn " + e.Name + ":" + externType(e) + "\n")
		}
		if len(externs) > 0 {
			cw.newLine()
		}
	}
	if flags&OutputPublics != 0 && a.masm {
		publics := ctx.References.Publics()
		for _, name := range publics {
			cw.write("public " + name + "\n")
		}
		if len(publics) > 0 {
			cw.newLine()
		}
	}

	if flags&OutputDisassembly != 0 {
		cw.write(ctx.DisassemblyPrefix)
		inProc := false
		for i := range ctx.Items {
			item := &ctx.Items[i]
			if err := a.item(cw, item, inProc); err != nil {
				return fmt.Errorf("%s: %w", item.Kind, err)
			}
			switch item.Kind {
			case ItemProc:
				inProc = true
			case ItemEndProc:
				inProc = false
			}
		}
		if open := a.segmentAtEnd(ctx); open != "" {
			cw.write(a.EndSegmentDirective(open) + "\n")
		}
	}
	cw.write("end\n")
	_, err := io.WriteString(w, cw.String())
	return err
}

// segmentAtEnd returns the segment the chunk leaves open.
func (a *asmWriter) segmentAtEnd(ctx *OutputContext) string {
	open := ctx.OpenSegment
	for _, item := range ctx.Items {
		if item.Kind != ItemSegment {
			continue
		}
		if isSegmentOpening(item.Segment) {
			open = item.Segment[0].Text
		} else {
			open = ""
		}
	}
	return open
}

func externType(e Extern) string {
	switch e.Type {
	case RefUser:
		return e.StructName
	case RefProc, RefNear:
		return "near"
	}
	return e.Type.String()
}

func (a *asmWriter) item(cw *columnWriter, item *Item, inProc bool) error {
	cw.write(item.LeadingComments)
	switch item.Kind {
	case ItemInstruction:
		if inProc {
			cw.write(strings.Repeat(" ", 8))
		}
		cw.write(instructionText(item.Insn))
	case ItemDataItem:
		cw.write(dataItemText(item.Data))
	case ItemProc:
		cw.write(item.Name + " proc near")
	case ItemEndProc:
		cw.write(item.Name + " endp")
	case ItemLabel:
		if a.masm && inProc && !strings.HasPrefix(item.Name, "@@") {
			cw.write(item.Name + "::")
		} else {
			cw.write(item.Name + ":")
		}
	case ItemStackVariable:
		v := item.StackVar
		cw.write(fmt.Sprintf("%s= %s ptr %s", v.Name, v.SizeText, v.OffsetText))
	case ItemDirective:
		cw.write(directiveText(item.Directive))
	case ItemSegment:
		words := lo.FilterMap(item.Segment, func(t Token, _ int) (string, bool) {
			return t.Text, !strings.EqualFold(t.Text, "use32")
		})
		cw.write(strings.Join(words, " "))
	case ItemTrailingComment:
	default:
		return fmt.Errorf("unknown item")
	}
	cw.write(item.Comment)
	if item.Kind != ItemTrailingComment || item.Comment != "" {
		cw.newLine()
	}
	return nil
}

func instructionText(insn *Instruction) string {
	var sb strings.Builder
	if insn.Prefix != nil {
		sb.WriteString(insn.Prefix.Text + " ")
	}
	sb.WriteString(insn.Text)
	ops := lo.FilterMap(insn.Operands, func(op Operand, _ int) (string, bool) {
		return op.Text(), !op.Empty()
	})
	if len(ops) > 0 {
		sb.WriteString(strings.Repeat(" ", 5-min(len(insn.Text), 4)))
		sb.WriteString(strings.Join(ops, ", "))
	}
	return sb.String()
}

var dataSizeKeywords = map[int]string{1: "db", 2: "dw", 4: "dd", 8: "dq", 10: "dt"}

func dataItemText(d *DataItem) string {
	var sb strings.Builder
	if d.Name != "" {
		sb.WriteString(d.Name + " ")
	}
	if d.StructName != "" {
		sb.WriteString(d.StructName)
	} else {
		sb.WriteString(dataSizeKeywords[d.Size])
	}
	sb.WriteByte(' ')
	for i := range d.Elements {
		e := &d.Elements[i]
		if i > 0 {
			sb.WriteByte(',')
			if e.Type != ElemString && d.Elements[i-1].Type != ElemString {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(elementText(e))
	}
	return sb.String()
}

func elementText(e *DataElement) string {
	text := e.Text
	if e.IsOffset {
		text = "offset " + text
		if e.Offset != 0 {
			text += fmt.Sprintf("+%d", e.Offset)
		}
	}
	if e.Dup > 0 {
		return fmt.Sprintf("%d dup(%s)", e.Dup, text)
	}
	return text
}

func directiveText(d *Directive) string {
	var sb strings.Builder
	sb.WriteString(d.Text)
	for _, p := range d.Params {
		if p.Text != "," {
			sb.WriteByte(' ')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (a *asmWriter) SharedFiles(ctx *SharedContext) ([]OutputFile, error) {
	cw := &columnWriter{}
	if a.masm {
		cw.write("option casemap:none\n\n")
	}
	for _, st := range ctx.Structs.Ordered() {
		cw.write(st.LeadingComments)
		keyword := "struc"
		switch {
		case st.IsUnion:
			keyword = "union"
		case a.masm:
			keyword = "struct"
		}
		cw.write(st.Name + " " + keyword)
		cw.write(st.Comment)
		cw.newLine()
		for _, f := range st.Fields {
			typ := f.Type
			if typ == "" {
				typ = dataSizeKeywords[f.ElementSize]
			}
			value := "?"
			if f.Dup != "" {
				value = f.Dup + " dup(?)"
			}
			cw.write("    " + f.Name + " " + typ + " " + value)
			cw.write(f.Comment)
			cw.newLine()
		}
		cw.write(st.Name + " ends\n\n")
	}
	for _, d := range ctx.Defines.Defines() {
		cw.write(d.LeadingComments)
		value := d.ValueText
		if d.Inverted {
			value = "not " + value
		}
		cw.write(d.Name + " = " + value)
		cw.write(d.Comment)
		cw.newLine()
	}
	return []OutputFile{{Name: filepath.Join(ctx.Dir, definesFile), Data: []byte(cw.String())}}, nil
}
