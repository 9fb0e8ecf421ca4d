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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testListing = `.586
.model flat

; data
counter dd 0
msg db 'ok',0
; code
Update proc near
mov eax, counter
call Helper
inc eax
mov counter, eax
retn
Update endp
Helper proc near
xor eax, eax
retn
Helper endp
`

// rangeListing has one 8 byte line per variable, so three chunks hold three lines each.
const rangeListing = `.586
v1 db 1
v2 db 1
v3 db 1
v4 db 1
v5 db 1
v6 db 1
v7 db 1
v8 db 1
v9 db 1
`

func convert(t *testing.T, listing, format string, chunks int) (string, error) {
	t.Helper()
	return convertWithSymbols(t, listing, "", format, chunks)
}

func convertWithSymbols(t *testing.T, listing, symbols, format string, chunks int) (string, error) {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "game.lst")
	require.NoError(t, os.WriteFile(input, []byte(listing), 0o644))
	config := Config{
		InputPath:  input,
		OutputPath: filepath.Join(dir, "out", "game"),
		Format:     format,
		Chunks:     chunks,
	}
	if symbols != "" {
		config.SymbolsPath = filepath.Join(dir, "game.sym")
		require.NoError(t, os.WriteFile(config.SymbolsPath, []byte(symbols), 0o644))
	}
	converter, err := NewConverter(config)
	require.NoError(t, err)
	return filepath.Join(dir, "out"), converter.Convert()
}

func readOutput(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestConvertVerbatim(t *testing.T) {
	dir, err := convert(t, testListing, "verbatim", 1)
	require.NoError(t, err)
	text := readOutput(t, dir, "game-01.asm")
	assert.Contains(t, text, ".586\n.model flat\ninclude defs.inc\n")
	assert.Contains(t, text, "; data\ncounter dd 0\nmsg db 'ok',0\n")
	assert.Contains(t, text, "Update proc near\n        mov  eax, counter\n        call Helper\n")
	assert.Contains(t, text, "Helper endp\n")
	assert.Regexp(t, "end\n$", text)
	assert.FileExists(t, filepath.Join(dir, "defs.inc"))
}

func TestConvertSplit(t *testing.T) {
	dir, err := convert(t, testListing, "verbatim", 2)
	require.NoError(t, err)
	first := readOutput(t, dir, "game-01.asm")
	second := readOutput(t, dir, "game-02.asm")
	assert.Contains(t, first, "Update endp\n")
	assert.NotContains(t, first, "Helper proc near")
	assert.Contains(t, second, "Helper proc near\n")
	assert.NotContains(t, second, "Update")
}

func TestConvertCpp(t *testing.T) {
	dir, err := convert(t, testListing, "cpp", 1)
	require.NoError(t, err)
	code := readOutput(t, dir, "game-01.cpp")
	assert.Contains(t, code, "#include \"vm.h\"\n")
	assert.Contains(t, code, "void Update()\n{\n")
	assert.Contains(t, code, "    eax = g_memDword[0x40];\n")
	assert.Contains(t, code, "    call(Helper);\n")
	assert.Contains(t, code, "void Helper()\n{\n")

	header := readOutput(t, dir, "vm.h")
	assert.Contains(t, header, "constexpr dword kDataSize = 263;\n")
	assert.Contains(t, header, "    dword counter;\n")
	assert.Contains(t, header, "    char msg[2];\n")
	assert.Contains(t, header, "void Helper();\nvoid Update();\n")
	assert.Contains(t, readOutput(t, dir, "vm.cpp"), "alignas(4) byte g_memByte[kMemSize]")

	splitDir, err := convert(t, testListing, "cpp", 2)
	require.NoError(t, err)
	assert.Equal(t, header, readOutput(t, splitDir, "vm.h"))
	assert.Contains(t, readOutput(t, splitDir, "game-02.cpp"), "void Helper()\n{\n")
}

func TestConvertErrors(t *testing.T) {
	dir, err := convert(t, "main proc near\nretn\nmain endp\n", "verbatim", 1)
	assert.ErrorContains(t, err, "boundary directive `.586' not found")
	assert.NoDirExists(t, dir)

	dir, err = convert(t, ".586\n; code\nmain proc near\ncall Missing\nretn\nmain endp\n", "cpp", 1)
	assert.ErrorContains(t, err, "Undefined symbol(s) found: Missing")
	assert.NoDirExists(t, dir)

	_, err = NewConverter(Config{Format: "verbatim", Chunks: maxChunks + 1})
	assert.EqualError(t, err, "Too many output files given, it should be at most 20 files.")
}

func TestConvertRangeAcrossChunks(t *testing.T) {
	dir, err := convertWithSymbols(t, rangeListing, "[remove]\nv3 v8\n", "verbatim", 3)
	require.NoError(t, err)
	first := readOutput(t, dir, "game-01.asm")
	assert.Contains(t, first, "v1 db 1\nv2 db 1\n")
	assert.NotContains(t, first, "v3")
	// the second chunk lies wholly inside the range
	assert.NoFileExists(t, filepath.Join(dir, "game-02.asm"))
	third := readOutput(t, dir, "game-03.asm")
	assert.Contains(t, third, "v8 db 1\nv9 db 1\n")
	assert.NotContains(t, third, "v7")
}

func TestConvertSymbolErrors(t *testing.T) {
	tests := []struct {
		name    string
		symbols string
		chunks  int
		err     string
	}{
		{"missing end", "[remove]\nv2 nowhere\n", 1, "End range symbol `nowhere' is missing"},
		{"missing end split", "[remove]\nv2 nowhere\n", 3, "End range symbol `nowhere' is missing"},
		{"end before start", "[remove]\nv5 v2\n", 1, "Encountered unmatched end range symbol `v2'"},
		{"end of another range", "[remove]\nv2 nowhere\nv9 v5\n", 3, "Encountered unmatched end range symbol `v5' while already looking for end range symbol `nowhere'"},
		{"unknown export", "[export]\nnope\n", 1, "Unknown symbol(s) found: nope"},
		{"unknown export split", "[export]\nnope\n", 2, "Unknown symbol(s) found: nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := convertWithSymbols(t, rangeListing, tt.symbols, "verbatim", tt.chunks)
			assert.ErrorContains(t, err, tt.err)
			assert.NoDirExists(t, dir)
		})
	}
}

func TestConvertNoBreakAcrossChunks(t *testing.T) {
	tests := []struct {
		name    string
		listing string
		chunks  int
		err     string
		file    string
	}{
		{
			name:    "unterminated",
			listing: ".586\n; data\nv1 db 1\n; $no-break{\nv2 db 1\nv3 db 1\nv4 db 1\nv5 db 1\nv6 db 1\nv7 db 1\n; $no-break}\nv8 db 1\nv9 db 1\n",
			chunks:  3,
			err:     "Unterminated no break tag found in ",
			file:    "game-01.asm!",
		},
		{
			name:    "unexpected closing",
			listing: ".586\n; data\nv1 db 1\nv2 db 1\nv3 db 1\nv4 db 1\n; $no-break}\nv5 db 1\nv6 db 1\n",
			chunks:  2,
			err:     "Unexpected closing no break tag found in ",
			file:    "game-02.asm!",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := convert(t, tt.listing, "verbatim", tt.chunks)
			assert.ErrorContains(t, err, tt.err)
			assert.ErrorContains(t, err, tt.file)
			assert.NoDirExists(t, dir)
		})
	}
}
