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
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBoundary = ".586"
	maxChunks       = 20
)

// Config is one conversion run as given on the command line.
type Config struct {
	InputPath   string
	OutputPath  string
	SymbolsPath string
	HeaderPath  string
	Format      string
	Chunks      int
	// ExtraMemory is added to the end of the flat memory of the C++ output.
	ExtraMemory          int
	DisableOptimizations bool
	Boundary             string
}

// Converter drives the workers through the conversion phases. Every phase ends with a
// barrier, the steps in between run on the calling goroutine.
type Converter struct {
	config Config
	writer OutputWriter

	data      []byte
	bodyStart int
	prefix    string

	symbols  *SymbolTable
	structs  *StructStream
	defines  *DefinesMap
	segments *SegmentSet
	bank     *DataBank

	workers  []*Worker
	active   []*Worker
	warnings []string
}

func NewConverter(config Config) (*Converter, error) {
	writer, err := GetWriter(config.Format)
	if err != nil {
		return nil, err
	}
	if config.Chunks <= 0 {
		config.Chunks = 1
	}
	if config.Chunks > maxChunks {
		return nil, fmt.Errorf("Too many output files given, it should be at most %d files.", maxChunks)
	}
	if config.Boundary == "" {
		config.Boundary = defaultBoundary
	}
	if filepath.Ext(config.OutputPath) == "" {
		config.OutputPath += writer.Extension()
	}
	return &Converter{
		config:   config,
		writer:   writer,
		structs:  NewStructStream(),
		defines:  NewDefinesMap(),
		segments: &SegmentSet{},
	}, nil
}

// Convert runs the whole conversion. Output files are only replaced when every chunk
// converted successfully.
func (c *Converter) Convert() error {
	start := time.Now()
	if err := c.convert(); err != nil {
		errs := lo.Map(c.warnings, func(w string, _ int) error { return errors.New(w) })
		return errors.Join(append(errs, err)...)
	}
	for _, w := range c.warnings {
		fmt.Fprintln(os.Stderr, w)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Done. Elapsed time: %d ms.\n", time.Since(start).Milliseconds())
	}
	return nil
}

func (c *Converter) convert() error {
	if err := c.load(); err != nil {
		return err
	}
	if err := c.parse(); err != nil {
		return err
	}
	if err := c.mergeCatalogs(); err != nil {
		return err
	}
	if err := c.checkLimits(); err != nil {
		return err
	}
	if err := c.resolve(); err != nil {
		return err
	}
	if err := c.checkUnusedSymbols(); err != nil {
		return err
	}
	if c.writer.NeedsDataBank() {
		if err := c.layoutData(); err != nil {
			return err
		}
	}
	return c.generate()
}

func (c *Converter) load() error {
	data, err := os.ReadFile(c.config.InputPath)
	if err != nil {
		return err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("Could not process file %s, it seems to be empty", c.config.InputPath)
	}
	if data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	c.data = data

	if c.bodyStart, c.prefix, err = findBodyStart(data, c.config.Boundary); err != nil {
		return fmt.Errorf("%s: %w", c.config.InputPath, err)
	}

	if c.config.SymbolsPath != "" {
		if c.symbols, err = LoadSymbolFile(c.config.SymbolsPath); err != nil {
			return err
		}
	} else {
		c.symbols = NewSymbolTable()
	}
	return nil
}

// parse runs the workers while the header is parsed here, then stitches removal ranges
// and reports parse errors of every chunk that takes part in the output.
func (c *Converter) parse() error {
	n := c.config.Chunks
	c.workers = make([]*Worker, n)
	for i := range c.workers {
		limits := findLimits(c.data, c.bodyStart, i, n)
		c.workers[i] = newWorker(i, ChunkOutputPath(c.config.OutputPath, i+1), c.data, limits, c.symbols)
	}

	var g errgroup.Group
	for _, w := range c.workers {
		g.Go(func() error {
			w.Parse()
			return nil
		})
	}
	headerErr := c.parseHeader()
	_ = g.Wait()

	var errs []error
	if headerErr != nil {
		errs = append(errs, headerErr)
	}
	if err := c.connectRanges(); err != nil {
		errs = append(errs, err)
	}
	for _, w := range c.workers {
		if w.skipped {
			continue
		}
		if err := w.ParseError(c.config.InputPath); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.active = lo.Filter(c.workers, func(w *Worker, _ int) bool { return !w.skipped })
	return nil
}

// parseHeader collects the structs, defines and segments declared in front of the body.
func (c *Converter) parseHeader() error {
	tokens := Tokenize(c.data[:c.bodyStart], c.bodyStart, c.bodyStart)
	parser := NewParser(tokens, c.symbols.Clone(), c.structs, c.defines)
	if err := parser.Parse(); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return fmt.Errorf("%s(%d): %s.", c.config.InputPath, pe.Line, pe.Message)
		}
		return err
	}
	for _, seg := range parser.Segments().Segments() {
		c.segments.Add(seg)
	}
	return nil
}

// connectRanges walks the chunks in order with the removal range end symbol still to be
// met. It is either outstanding, when no chunk found it yet, or crossed, when an earlier
// chunk found it in its look-ahead. Chunks lying wholly inside a range are skipped.
func (c *Converter) connectRanges() error {
	outstanding, crossed := "", ""
	for _, w := range c.workers {
		if w.parser == nil {
			continue
		}
		if found := w.parser.FoundEndRangeSymbol(); found != "" {
			switch {
			case found == outstanding:
				outstanding = ""
			case found == crossed:
				crossed = ""
			case outstanding != "":
				return fmt.Errorf("Encountered unmatched end range symbol `%s' while already looking for end range symbol `%s'", found, outstanding)
			default:
				return fmt.Errorf("Encountered unmatched end range symbol `%s'", found)
			}
		} else if outstanding != "" || crossed != "" {
			w.skipped = true
			continue
		}
		if missing := w.parser.MissingEndRangeSymbol(); missing != "" {
			outstanding = missing
		}
		if sym := w.parser.CrossedEndRangeSymbol(); sym != "" {
			crossed = sym
		}
	}
	if outstanding != "" && outstanding != EndMarker {
		return fmt.Errorf("End range symbol `%s' is missing", outstanding)
	}
	return nil
}

// mergeCatalogs moves the structs and defines found in chunks into the shared catalogs
// and collects the segments every output has to declare.
func (c *Converter) mergeCatalogs() error {
	for _, w := range c.active {
		for _, st := range w.structs.Structs() {
			if err := c.structs.Add(st); err != nil {
				return err
			}
		}
		for _, d := range w.defines.Defines() {
			c.defines.Add(d)
		}
		for _, item := range w.Items() {
			if item.Kind == ItemSegment && isSegmentOpening(item.Segment) && !c.segments.IsSegment(item.Segment[0].Text) {
				c.segments.Add(item.Segment)
			}
		}
	}
	return c.structs.Seal()
}

func isSegmentOpening(tokens []Token) bool {
	return len(tokens) > 1 && tokens[1].Kind == TokSegment
}

// checkLimits fails on chunks the look-ahead could not close and on no-break regions the
// adjacent chunks disagree about.
func (c *Converter) checkLimits() error {
	for i, w := range c.active {
		if w.limitsError != "" {
			return fmt.Errorf("Check limits of file %s! Possible loss of data at beginning and/or end: %s", w.path, w.limitsError)
		}
		if w.limits.hard < len(c.data) && w.tokens.End() >= w.tokens.Len()-1 && w.limits.hard > w.limits.soft {
			c.warnings = append(c.warnings, fmt.Sprintf("Check limits of file %s! Possible loss of data at beginning and/or end: look-ahead exhausted", w.path))
		}
		if i+1 == len(c.active) {
			break
		}
		next := c.active[i+1]
		if next.index != w.index+1 {
			continue
		}
		switch {
		case w.overflow && !next.continued:
			return fmt.Errorf("Unterminated no break tag found in %s!", w.path)
		case !w.overflow && next.continued:
			return fmt.Errorf("Unexpected closing no break tag found in %s!", next.path)
		}
	}
	return nil
}

// runPhase runs fn for every active worker and waits for all of them.
func (c *Converter) runPhase(fn func(w *Worker) error) error {
	var g errgroup.Group
	for _, w := range c.active {
		g.Go(func() error { return fn(w) })
	}
	return g.Wait()
}

// resolve types every reference. Each phase only reads the other workers' state.
func (c *Converter) resolve() error {
	_ = c.runPhase(func(w *Worker) error {
		w.Process()
		return nil
	})
	_ = c.runPhase(func(w *Worker) error {
		w.Resolve(c.active, c.segments, c.structs, c.defines)
		return nil
	})
	refs := lo.Map(c.active, func(w *Worker, _ int) *References { return w.References() })
	_ = c.runPhase(func(w *Worker) error {
		w.Publish(refs)
		return nil
	})

	var undefined []string
	for _, w := range c.active {
		undefined = append(undefined, w.References().Unresolved()...)
	}
	if len(undefined) > 0 {
		return fmt.Errorf("Undefined symbol(s) found: %s", strings.Join(sortedUnique(undefined), ", "))
	}
	return nil
}

// checkUnusedSymbols reports symbol file entries no chunk ever met.
func (c *Converter) checkUnusedSymbols() error {
	for _, w := range c.active {
		c.symbols.Merge(w.symbols)
	}
	unused := c.symbols.UnusedSymbols(^ActionNone)
	for _, name := range c.symbols.ExportNames() {
		used := lo.ContainsBy(c.active, func(w *Worker) bool {
			return w.References().HasReference(name) || w.References().HasPublic(name)
		})
		if !used {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		return fmt.Errorf("Unknown symbol(s) found: %s", strings.Join(sortedUnique(unused), ", "))
	}
	return nil
}

func sortedUnique(names []string) []string {
	names = lo.Uniq(names)
	sort.Strings(names)
	return names
}

// layoutData builds the flat memory image: regions are collected concurrently, the layout
// is computed in chunk order.
func (c *Converter) layoutData() error {
	types, err := NewCTypes(c.structs, c.symbols.Exports())
	if err != nil {
		return err
	}
	c.bank = NewDataBank(c.symbols, types)
	regions := make([]*BankRegion, len(c.active))
	var g errgroup.Group
	for i, w := range c.active {
		g.Go(func() error {
			region, err := ProcessRegion(w.Items(), c.structs, c.defines)
			regions[i] = region
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, region := range regions {
		c.bank.AddRegion(region)
	}
	return c.bank.Consolidate(c.structs, c.defines)
}

// openSegments returns, per active chunk, the segment left open by the chunks in front
// of it.
func (c *Converter) openSegments() []string {
	result := make([]string, len(c.active))
	open := ""
	for i, w := range c.active {
		result[i] = open
		for _, item := range w.Items() {
			if item.Kind != ItemSegment {
				continue
			}
			if isSegmentOpening(item.Segment) {
				open = item.Segment[0].Text
			} else {
				open = ""
			}
		}
	}
	return result
}

// followingProcs returns, per active chunk, the first procedure opened by a later chunk.
func (c *Converter) followingProcs() []string {
	result := make([]string, len(c.active))
	next := ""
	for i := len(c.active) - 1; i >= 0; i-- {
		result[i] = next
		if proc, ok := lo.Find(c.active[i].Items(), func(item Item) bool { return item.Kind == ItemProc }); ok {
			next = proc.Name
		}
	}
	return result
}

// procNames returns every procedure name of the active chunks, sorted.
func (c *Converter) procNames() []string {
	var names []string
	for _, w := range c.active {
		for _, item := range w.Items() {
			if item.Kind == ItemProc {
				names = append(names, item.Name)
			}
		}
	}
	return sortedUnique(names)
}

// segmentPrologue declares every segment so all outputs agree on their order, then
// reopens the segment the chunk starts in.
func (c *Converter) segmentPrologue(open string) string {
	var sb strings.Builder
	writeLine := func(s string) {
		if s != "" {
			sb.WriteString(s)
			sb.WriteByte('\n')
		}
	}
	for _, seg := range c.segments.Segments() {
		name := seg[0].Text
		if name == open {
			continue
		}
		writeLine(c.writer.SegmentDirective(seg))
		writeLine(c.writer.EndSegmentDirective(name))
	}
	if open != "" {
		writeLine(c.writer.SegmentDirective(c.segments.Segment(open)))
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	return sb.String()
}

// generate renders every chunk concurrently. Failures are collected per chunk and no file
// is touched unless all chunks succeed.
func (c *Converter) generate() error {
	open := c.openSegments()
	following := c.followingProcs()
	procs := c.procNames()
	outputs := make([]OutputFile, len(c.active))
	errs := make([]error, len(c.active))
	_ = c.runPhase(func(w *Worker) error {
		i := lo.IndexOf(c.active, w)
		ctx := &OutputContext{
			Index:                w.index,
			Path:                 w.path,
			Items:                w.Items(),
			References:           w.References(),
			Structs:              c.structs,
			Defines:              c.defines,
			Segments:             c.segments,
			Symbols:              c.symbols,
			Bank:                 c.bank,
			Prefix:               c.prefix,
			DisassemblyPrefix:    c.segmentPrologue(open[i]),
			OpenSegment:          open[i],
			FollowingProc:        following[i],
			Procs:                procs,
			DisableOptimizations: c.config.DisableOptimizations,
		}
		var buf bytes.Buffer
		if err := c.writer.Output(&buf, ctx, OutputFullDisassembly); err != nil {
			errs[i] = &ChunkError{File: w.path, Err: err}
			return nil
		}
		outputs[i] = OutputFile{Name: w.path, Data: buf.Bytes()}
		return nil
	})
	if err := errors.Join(errs...); err != nil {
		return err
	}

	shared, err := c.writer.SharedFiles(&SharedContext{
		Dir:         filepath.Dir(c.config.OutputPath),
		Structs:     c.structs,
		Defines:     c.defines,
		Symbols:     c.symbols,
		Bank:        c.bank,
		Procs:       procs,
		ExtraMemory: c.config.ExtraMemory,
	})
	if err != nil {
		return err
	}
	outputs = append(outputs, shared...)

	if c.config.HeaderPath != "" {
		header, err := GenerateHeader(c.structs, c.symbols, c.labelType)
		if err != nil {
			return fmt.Errorf("%s: %w", c.config.HeaderPath, err)
		}
		outputs = append(outputs, OutputFile{Name: c.config.HeaderPath, Data: []byte(header)})
	}
	return writeFiles(outputs)
}

// labelType looks up the type of a name defined in any chunk.
func (c *Converter) labelType(name string) (ReferenceType, string, bool) {
	for _, w := range c.active {
		if typ, structName, ok := w.References().Label(name); ok {
			return typ, structName, true
		}
	}
	return RefNone, "", false
}

// writeFiles writes every file next to its destination first and renames them into place
// once all writes succeeded.
func writeFiles(files []OutputFile) error {
	temps := make([]string, 0, len(files))
	cleanup := func() {
		for _, name := range temps {
			_ = os.Remove(name)
		}
	}
	for _, file := range files {
		dir := filepath.Dir(file.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			return err
		}
		f, err := os.CreateTemp(dir, filepath.Base(file.Name)+".*.tmp")
		if err != nil {
			cleanup()
			return err
		}
		temps = append(temps, f.Name())
		_, err = f.Write(file.Data)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			cleanup()
			return &ChunkError{File: file.Name, Err: err}
		}
	}
	for i, file := range files {
		if err := os.Rename(temps[i], file.Name); err != nil {
			cleanup()
			return &ChunkError{File: file.Name, Err: err}
		}
	}
	return nil
}
