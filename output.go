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
	"sort"
	"strings"
)

// OutputFlags selects the parts of a chunk a writer emits.
type OutputFlags uint8

const (
	OutputStructs OutputFlags = 1 << iota
	OutputDefines
	OutputDisassembly
	OutputExterns
	OutputPublics

	OutputFullDisassembly = OutputDisassembly | OutputExterns | OutputPublics
)

// OutputContext is the read-only view of one chunk handed to a writer.
type OutputContext struct {
	Index      int
	Path       string
	Items      []Item
	References *References
	Structs    *StructStream
	Defines    *DefinesMap
	Segments   *SegmentSet
	Symbols    *SymbolTable
	// Bank is only set for writers that need the flat memory layout.
	Bank *DataBank

	// Prefix is written in front of everything else, DisassemblyPrefix right before the
	// first item.
	Prefix            string
	DisassemblyPrefix string
	OpenSegment       string
	// FollowingProc is the first procedure of the chunks after this one.
	FollowingProc string
	// Procs names every procedure of every chunk.
	Procs []string

	DisableOptimizations bool
}

// SharedContext is what writers get for the files shared by every chunk.
type SharedContext struct {
	Dir         string
	Structs     *StructStream
	Defines     *DefinesMap
	Symbols     *SymbolTable
	Bank        *DataBank
	Procs       []string
	ExtraMemory int
}

// OutputFile is a generated file that is not tied to a chunk.
type OutputFile struct {
	Name string
	Data []byte
}

// OutputWriter renders recovered items in one target format.
type OutputWriter interface {
	// Name returns the format name used on the command line (e.g., "masm", "cpp")
	Name() string

	// Extension returns the default file extension of chunk outputs
	Extension() string

	// NeedsDataBank reports whether Output reads OutputContext.Bank
	NeedsDataBank() bool

	// SegmentDirective renders the opening line of a segment
	SegmentDirective(tokens []Token) string

	// EndSegmentDirective renders the closing line of the named segment
	EndSegmentDirective(name string) string

	// Output writes one chunk.
	Output(w io.Writer, ctx *OutputContext, flags OutputFlags) error

	// SharedFiles renders the files all chunks include.
	SharedFiles(ctx *SharedContext) ([]OutputFile, error)
}

// writers holds the registered output formats
var writers = map[string]OutputWriter{}

// RegisterWriter registers an output format
func RegisterWriter(format string, w OutputWriter) {
	writers[strings.ToLower(format)] = w
}

// GetWriter returns the writer for the given format, ignoring case
func GetWriter(format string) (OutputWriter, error) {
	if w, ok := writers[strings.ToLower(format)]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("Unsupported format: %s, supported formats: %s", format, strings.Join(ListFormats(), ", "))
}

// ListFormats returns the registered format names in sorted order
func ListFormats() []string {
	formats := make([]string, 0, len(writers))
	for format := range writers {
		formats = append(formats, format)
	}
	sort.Strings(formats)
	return formats
}

// ChunkOutputPath inserts a two digit chunk index in front of the extension:
// out/swos.asm becomes out/swos-01.asm.
func ChunkOutputPath(path string, index int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%02d%s", strings.TrimSuffix(path, ext), index, ext)
}

// ChunkError is a generation failure of one output file.
type ChunkError struct {
	File string
	Err  error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("Error in output file %s:\n%v", e.File, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// columnWriter tracks the output column so comments can be expanded like the listing
// shows them.
type columnWriter struct {
	sb     strings.Builder
	column int
}

const tabSize = 4

func (w *columnWriter) write(s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			w.sb.WriteByte(c)
			w.column = 0
		case '\t':
			n := tabSize - w.column%tabSize
			w.sb.WriteString(strings.Repeat(" ", n))
			w.column += n
		default:
			w.sb.WriteByte(c)
			w.column++
		}
	}
}

func (w *columnWriter) newLine() {
	w.write("\n")
}

func (w *columnWriter) String() string {
	return w.sb.String()
}
