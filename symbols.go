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
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// SymbolAction is a bit set of directives attached to a symbol.
type SymbolAction uint16

const (
	ActionNone   SymbolAction = 0
	ActionRemove SymbolAction = 1 << (iota - 1)
	ActionNull
	ActionExport
	ActionImport
	ActionSaveCppRegisters
	ActionOnEnter
	ActionReplace
	ActionInsertCall
	// ActionRemoveEndRange marks the symbol that ends a removal range.
	ActionRemoveEndRange
	// ActionRemoveSolo removes only the symbol's own item.
	ActionRemoveSolo
)

// EndMarker as a removal range end means "until the end of the input".
const EndMarker = "@end"

const onEnterSuffix = "_OnEnter"

// ProcHook is one call insertion point, Line lines after the proc header. An empty Name
// drops the line instead.
type ProcHook struct {
	Line int
	Name string
}

// ExportEntry is a symbol the generated code makes visible to C, with its declared type.
type ExportEntry struct {
	Name      string
	CType     string
	ArraySize int
	Function  bool
}

type symbolHolder struct {
	action    SymbolAction
	endSymbol string
}

// SymbolTable answers which actions apply to a name. Actions are consumed as they are
// looked up, so each chunk works on its own Clone.
type SymbolTable struct {
	holders map[string][]*symbolHolder
	order   []string

	hooks        map[string][]ProcHook
	replacements map[string]string
	exports      []ExportEntry
	exportIndex  map[string]int
	imports      []string
	removed      map[string]bool
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		holders:      make(map[string][]*symbolHolder),
		hooks:        make(map[string][]ProcHook),
		replacements: make(map[string]string),
		exportIndex:  make(map[string]int),
		removed:      make(map[string]bool),
	}
}

func (t *SymbolTable) AddAction(name string, action SymbolAction, endSymbol string) {
	if _, ok := t.holders[name]; !ok {
		t.order = append(t.order, name)
	}
	t.holders[name] = append(t.holders[name], &symbolHolder{action: action, endSymbol: endSymbol})
}

// AddRemoval registers removal of name, up to endSymbol when it is not empty.
func (t *SymbolTable) AddRemoval(name, endSymbol string) {
	t.removed[name] = true
	if endSymbol == "" {
		t.AddAction(name, ActionRemove|ActionRemoveSolo, "")
		return
	}
	t.AddAction(name, ActionRemove, endSymbol)
	if endSymbol != EndMarker {
		t.AddAction(endSymbol, ActionRemoveEndRange, "")
	}
}

func (t *SymbolTable) AddHook(proc string, hook ProcHook) {
	if len(t.hooks[proc]) == 0 {
		t.AddAction(proc, ActionInsertCall, "")
	}
	hooks := append(t.hooks[proc], hook)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Line < hooks[j].Line })
	t.hooks[proc] = hooks
}

func (t *SymbolTable) AddReplacement(name, replacement string) {
	t.replacements[name] = replacement
}

func (t *SymbolTable) AddExport(e ExportEntry) {
	if i, ok := t.exportIndex[e.Name]; ok {
		t.exports[i] = e
		return
	}
	t.exportIndex[e.Name] = len(t.exports)
	t.exports = append(t.exports, e)
}

func (t *SymbolTable) AddImport(name string) {
	if !lo.Contains(t.imports, name) {
		t.imports = append(t.imports, name)
	}
}

// Lookup ORs the actions of every holder of name and returns the removal range end
// symbol, if any. Bits outside keepMask are consumed.
func (t *SymbolTable) Lookup(name string, keepMask SymbolAction) (SymbolAction, string) {
	var result SymbolAction
	var endSymbol string
	for _, h := range t.holders[name] {
		if h.action == ActionNone {
			continue
		}
		result |= h.action
		if h.endSymbol != "" {
			endSymbol = h.endSymbol
		}
		h.action &= keepMask
	}
	return result, endSymbol
}

// Pending reports the actions of name that are still unconsumed, without consuming them.
func (t *SymbolTable) Pending(name string) SymbolAction {
	action, _ := t.Lookup(name, ^ActionNone)
	return action
}

// IsRemoved reports whether the symbol file asks for name to be removed.
func (t *SymbolTable) IsRemoved(name string) bool {
	return t.removed[name]
}

// ClearAction keeps only the bits in keepMask for every holder of name.
func (t *SymbolTable) ClearAction(name string, keepMask SymbolAction) {
	for _, h := range t.holders[name] {
		h.action &= keepMask
	}
}

func (t *SymbolTable) Hooks(proc string) []ProcHook {
	return t.hooks[proc]
}

func (t *SymbolTable) Replacement(name string) (string, bool) {
	r, ok := t.replacements[name]
	return r, ok
}

func (t *SymbolTable) Exports() []ExportEntry {
	return t.exports
}

func (t *SymbolTable) ExportNames() []string {
	return lo.Map(t.exports, func(e ExportEntry, _ int) string { return e.Name })
}

// DeclaredType returns the C type an export was declared with.
func (t *SymbolTable) DeclaredType(name string) (ExportEntry, bool) {
	if i, ok := t.exportIndex[name]; ok && t.exports[i].CType != "" {
		return t.exports[i], true
	}
	return ExportEntry{}, false
}

func (t *SymbolTable) Imports() []string {
	return t.imports
}

func (t *SymbolTable) IsImport(name string) bool {
	return lo.Contains(t.imports, name)
}

// Clone copies the consumable state; hooks, exports, imports and replacements are shared
// read-only.
func (t *SymbolTable) Clone() *SymbolTable {
	clone := *t
	clone.holders = make(map[string][]*symbolHolder, len(t.holders))
	for name, holders := range t.holders {
		clone.holders[name] = lo.Map(holders, func(h *symbolHolder, _ int) *symbolHolder {
			copied := *h
			return &copied
		})
	}
	return &clone
}

// Merge clears every action that other has fully consumed. Both tables must be clones of
// the same original.
func (t *SymbolTable) Merge(other *SymbolTable) {
	for name, holders := range t.holders {
		otherHolders := other.holders[name]
		for i, h := range holders {
			if i < len(otherHolders) && otherHolders[i].action == ActionNone {
				h.action = ActionNone
			}
		}
	}
}

// UnusedSymbols lists names with actions in mask nobody consumed.
func (t *SymbolTable) UnusedSymbols(mask SymbolAction) []string {
	return lo.Filter(t.order, func(name string, _ int) bool {
		return lo.ContainsBy(t.holders[name], func(h *symbolHolder) bool {
			return h.action&mask != 0
		})
	})
}

var symbolSections = map[string]SymbolAction{
	"remove":      ActionRemove,
	"null":        ActionNull,
	"export":      ActionExport,
	"import":      ActionImport,
	"save-regs":   ActionSaveCppRegisters,
	"on-enter":    ActionOnEnter,
	"insert-call": ActionInsertCall,
	"replace":     ActionReplace,
}

// LoadSymbolFile reads a symbol file from path.
func LoadSymbolFile(path string) (*SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	table, err := ParseSymbols(f)
	if err != nil {
		return nil, fmt.Errorf("%s%w", path, err)
	}
	return table, nil
}

// ParseSymbols parses the line oriented symbol file format: `[section]' headers followed
// by one symbol per line, `#' starts a comment. Errors are prefixed with "(line): ".
func ParseSymbols(r io.Reader) (*SymbolTable, error) {
	table := NewSymbolTable()
	scanner := bufio.NewScanner(r)
	section := ActionNone
	type definition struct {
		section SymbolAction
		name    string
	}
	definedAt := make(map[definition]int)
	lineNo := 0
	fail := func(format string, args ...any) error {
		return fmt.Errorf("(%d): %s", lineNo, fmt.Sprintf(format, args...))
	}
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "[") {
			name := strings.TrimSuffix(strings.TrimPrefix(strings.Join(fields, ""), "["), "]")
			action, ok := symbolSections[name]
			if !ok {
				return nil, fail("unknown section `%s'", name)
			}
			section = action
			continue
		}
		if section == ActionNone {
			return nil, fail("symbol `%s' outside of a section", fields[0])
		}
		name := fields[0]
		key := definition{section, name}
		if section == ActionInsertCall && len(fields) > 1 {
			key.name += " " + fields[1]
		}
		if prev, ok := definedAt[key]; ok {
			return nil, fail("symbol `%s' already defined at line %d", name, prev)
		}
		definedAt[key] = lineNo

		switch section {
		case ActionRemove:
			if len(fields) > 2 {
				return nil, fail("too many fields for `%s'", name)
			}
			endSymbol := ""
			if len(fields) == 2 {
				endSymbol = fields[1]
			}
			table.AddRemoval(name, endSymbol)
		case ActionNull, ActionSaveCppRegisters, ActionOnEnter:
			if len(fields) != 1 {
				return nil, fail("unexpected text after `%s'", name)
			}
			table.AddAction(name, section, "")
		case ActionImport:
			if len(fields) != 1 {
				return nil, fail("unexpected text after `%s'", name)
			}
			table.AddImport(name)
		case ActionReplace:
			if len(fields) != 2 {
				return nil, fail("expecting replacement for `%s'", name)
			}
			table.AddReplacement(name, fields[1])
		case ActionInsertCall:
			if len(fields) < 2 || len(fields) > 3 {
				return nil, fail("expecting `proc line [hook]' for `%s'", name)
			}
			line, err := strconv.Atoi(fields[1])
			if err != nil || line <= 0 {
				return nil, fail("invalid line offset `%s' for `%s'", fields[1], name)
			}
			hook := ProcHook{Line: line, Name: name + "_" + fields[1]}
			if len(fields) == 3 {
				hook.Name = fields[2]
				if hook.Name == "-" {
					hook.Name = ""
				}
			}
			table.AddHook(name, hook)
		case ActionExport:
			entry, err := parseExportEntry(fields)
			if err != nil {
				return nil, fail("%v", err)
			}
			table.AddExport(entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// parseExportEntry parses `name', `name proc' and `name ctype[N]' (the C type may span
// several words, e.g. `unsigned char').
func parseExportEntry(fields []string) (ExportEntry, error) {
	entry := ExportEntry{Name: fields[0]}
	if len(fields) == 1 {
		return entry, nil
	}
	if len(fields) == 2 && fields[1] == "proc" {
		entry.Function = true
		return entry, nil
	}
	ctype := strings.Join(fields[1:], " ")
	if i := strings.IndexByte(ctype, '['); i >= 0 {
		if !strings.HasSuffix(ctype, "]") {
			return entry, fmt.Errorf("unterminated array size for `%s'", entry.Name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(ctype[i+1 : len(ctype)-1]))
		if err != nil || n <= 0 {
			return entry, fmt.Errorf("invalid array size for `%s'", entry.Name)
		}
		entry.ArraySize = n
		ctype = strings.TrimSpace(ctype[:i])
	}
	entry.CType = ctype
	return entry, nil
}
