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
	"bytes"
	"errors"
	"fmt"
	"os"
)

// Worker owns one chunk from lexing to output. Between phases only the coordinator reads
// its state.
type Worker struct {
	index  int
	path   string
	data   []byte
	limits chunkLimits

	symbols *SymbolTable
	structs *StructStream
	defines *DefinesMap
	tokens  *TokenStream
	parser  *Parser

	limitsError string
	continued   bool
	overflow    bool
	// skipped chunks lie completely inside a removal range
	skipped bool
}

func newWorker(index int, path string, data []byte, limits chunkLimits, symbols *SymbolTable) *Worker {
	return &Worker{
		index:   index,
		path:    path,
		data:    data,
		limits:  limits,
		symbols: symbols.Clone(),
		structs: NewStructStream(),
		defines: NewDefinesMap(),
	}
}

// Parse lexes the chunk, trims it to whole procedures and parses it. Parse errors stay in
// the parser so every chunk runs to completion.
func (w *Worker) Parse() {
	l := w.limits
	w.tokens = Tokenize(w.data[l.from:l.hard], l.soft-l.from, l.hard-l.from)
	w.limitsError, w.continued, w.overflow = w.tokens.DetermineBlockLimits()
	if verbose {
		fmt.Fprintf(os.Stderr, "Chunk %d: bytes %d-%d (look-ahead %d), tokens %d-%d\n",
			w.index+1, l.from, l.soft, l.hard, w.tokens.Begin(), w.tokens.End())
	}
	w.parser = NewParser(w.tokens, w.symbols, w.structs, w.defines)
	_ = w.parser.Parse()
}

// lineOffset returns the number of input lines in front of the first parsed token.
func (w *Worker) lineOffset() int {
	n := bytes.Count(w.data[:w.limits.from], []byte{'\n'})
	for i := 0; i < w.tokens.Begin(); i++ {
		if w.tokens.At(i).IsNewLine() {
			n++
		}
	}
	return n
}

// ParseError returns the chunk's parse error with the line number counted from the top of
// the input.
func (w *Worker) ParseError(inputPath string) error {
	var pe *ParseError
	if !errors.As(w.parser.Err(), &pe) {
		return nil
	}
	return fmt.Errorf("%s(%d): %s.", inputPath, w.lineOffset()+pe.Line, pe.Message)
}

// Process resolves what the chunk defines itself.
func (w *Worker) Process() {
	refs := w.parser.References()
	refs.ResolveLocal()
	for _, name := range w.symbols.Imports() {
		refs.MarkImport(name)
	}
}

// Resolve types the remaining references against the shared catalogs and every other
// chunk. Other workers are only read.
func (w *Worker) Resolve(others []*Worker, segments *SegmentSet, structs *StructStream, defines *DefinesMap) {
	refs := w.parser.References()
	refs.ResolveSegments(segments)
	for _, st := range structs.Structs() {
		refs.SetIgnored(st.Name)
	}
	for _, d := range defines.Defines() {
		refs.SetIgnored(d.Name)
	}
	for _, other := range others {
		if other != w && !other.skipped {
			refs.Resolve(other.parser.References())
		}
	}
	// removed procs are expected to be provided by the host
	for _, name := range refs.Unresolved() {
		if w.symbols.IsRemoved(name) {
			refs.MarkImport(name)
		}
	}
}

// Publish marks labels other chunks use as public.
func (w *Worker) Publish(others []*References) {
	w.parser.References().PublishResolved(others)
}

func (w *Worker) Items() []Item {
	return w.parser.Items().Items()
}

func (w *Worker) References() *References {
	return w.parser.References()
}
