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
	"sort"
	"strings"

	"github.com/samber/lo"
)

func init() {
	RegisterWriter("cpp", &cppWriter{})
}

// cppWriter translates procedures into C++ functions operating on an emulated CPU and a
// flat memory image.
type cppWriter struct{}

func (c *cppWriter) Name() string {
	return "cpp"
}

func (c *cppWriter) Extension() string {
	return ".cpp"
}

func (c *cppWriter) NeedsDataBank() bool {
	return true
}

// Segments do not exist in the flat memory.
func (c *cppWriter) SegmentDirective(tokens []Token) string {
	return ""
}

func (c *cppWriter) EndSegmentDirective(name string) string {
	return ""
}

func (c *cppWriter) Output(w io.Writer, ctx *OutputContext, flags OutputFlags) error {
	if ctx.Bank == nil {
		return fmt.Errorf("memory layout missing")
	}
	env := &OperandEnv{
		Structs:    ctx.Structs,
		StructMap:  NewStructMap(ctx.Structs),
		Defines:    ctx.Defines,
		References: ctx.References,
		Bank:       ctx.Bank,
	}
	procs := lo.SliceToMap(ctx.Procs, func(name string) (string, bool) { return name, true })
	undeclared := make(map[string]bool)

	var body strings.Builder
	if flags&OutputDisassembly != 0 {
		for i := 0; i < len(ctx.Items); i++ {
			if ctx.Items[i].Kind != ItemProc {
				continue
			}
			proc, end, err := BuildProcIR(ctx.Items, i, env, ctx.FollowingProc)
			if err != nil {
				return fmt.Errorf("%s: %w", ctx.Items[i].Name, err)
			}
			if !ctx.DisableOptimizations {
				proc.Optimize()
			}
			g := &cppProc{ir: proc, bank: ctx.Bank, symbols: ctx.Symbols, procs: procs, undeclared: undeclared}
			text, err := g.render()
			if err != nil {
				return fmt.Errorf("%s: %w", proc.Name, err)
			}
			body.WriteString(text)
			i = end
		}
	}

	var sb strings.Builder
	sb.WriteString("// Generated by ida2src, do not edit.\n\n#include \"vm.h\"\n\n")
	if len(undeclared) > 0 {
		names := lo.Keys(undeclared)
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "void %s();\n", cIdent(name))
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(body.String())
	_, err := io.WriteString(w, sb.String())
	return err
}

func (c *cppWriter) SharedFiles(ctx *SharedContext) ([]OutputFile, error) {
	if ctx.Bank == nil {
		return nil, fmt.Errorf("memory layout missing")
	}
	vm := newVMFiles(ctx)
	header, err := vm.header()
	if err != nil {
		return nil, err
	}
	return []OutputFile{
		{Name: vm.path("vm.h"), Data: []byte(header)},
		{Name: vm.path("vm.cpp"), Data: []byte(vm.source())},
	}, nil
}
