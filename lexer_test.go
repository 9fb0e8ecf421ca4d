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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenize(text string) *TokenStream {
	return Tokenize([]byte(text), len(text), len(text))
}

func tokenKinds(s *TokenStream) []TokenKind {
	kinds := make([]TokenKind, s.Len())
	for i := range kinds {
		kinds[i] = s.At(i).Kind
	}
	return kinds
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kinds []TokenKind
	}{
		{"instruction", "mov eax, 10h\n", []TokenKind{TokInstruction, TokRegister, TokComma, TokHex, TokNewLine, TokEOF}},
		{"memory operand", "mov byte ptr [esi+4], al\n", []TokenKind{TokInstruction, TokByte, TokPtr, TokLBracket, TokRegister, TokPlus, TokNumber, TokRBracket, TokComma, TokRegister, TokNewLine, TokEOF}},
		{"label", "@@loop:\n", []TokenKind{TokID, TokNewLine, TokEOF}},
		{"data", "table dw 1, 2\n", []TokenKind{TokID, TokDw, TokNumber, TokComma, TokNumber, TokNewLine, TokEOF}},
		{"dup", "buf db 10 dup(?)\n", []TokenKind{TokID, TokDb, TokNumber, TokDup, TokNewLine, TokEOF}},
		{"string", "msg db 'it''s', 0\n", []TokenKind{TokID, TokDb, TokString, TokComma, TokNumber, TokNewLine, TokEOF}},
		{"segment prefix", "mov ax, es:[di]\n", []TokenKind{TokInstruction, TokRegister, TokComma, TokSegPrefix, TokLBracket, TokRegister, TokRBracket, TokNewLine, TokEOF}},
		{"comment", "nop ; nothing\n", []TokenKind{TokInstruction, TokComment, TokNewLine, TokEOF}},
		{"crlf", "nop\r\n", []TokenKind{TokInstruction, TokNewLine, TokEOF}},
		{"stack variable", "var_4= dword ptr -4\n", []TokenKind{TokID, TokDword, TokPtr, TokNumber, TokNewLine, TokEOF}},
		{"proc", "main proc near\n", []TokenKind{TokID, TokProc, TokNear, TokNewLine, TokEOF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kinds, tokenKinds(tokenize(tt.input)))
		})
	}
}

func TestTokenText(t *testing.T) {
	s := tokenize("lea esi, [ebx-8] ; comment\nx db 'a''b'\n")
	assert.Equal(t, OpLea, s.At(0).Op)
	assert.Equal(t, "-8", s.At(5).Text)
	assert.Equal(t, TokNumber, s.At(5).Kind)
	assert.Equal(t, -8, s.At(5).ParseInt())
	assert.Equal(t, " ; comment", s.At(7).Text)
	assert.Equal(t, "'a''b'", s.At(11).Text)
	assert.Equal(t, "a'b", unquote(s.At(11).Text))
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		text  string
		value int
	}{
		{"10", 10},
		{"10h", 16},
		{"0FFh", 255},
		{"1010b", 10},
		{"-20h", -32},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			s := tokenize(tt.text + "\n")
			require.True(t, s.At(0).IsNumber())
			assert.Equal(t, tt.value, s.At(0).ParseInt())
		})
	}
}

func TestDupValue(t *testing.T) {
	s := tokenize("x dd 4 dup( 0FFh )\n")
	require.Equal(t, TokDup, s.At(3).Kind)
	assert.Equal(t, "0FFh", s.At(3).DupValue())
}

func TestTokenizeSoftLimit(t *testing.T) {
	data := []byte("nop\nretn\n")
	s := Tokenize(data, 4, len(data))
	assert.Equal(t, 2, s.SoftLimit())
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, OpRetn, s.At(2).Op)
}

func TestNoBreakMarker(t *testing.T) {
	s := tokenize("; $no-break{\nnop\n  ; $no-break}\n; $no-breaks\n")
	assert.Equal(t, StartNoBreak, s.At(0).NoBreak)
	assert.Equal(t, EndNoBreak, s.At(4).NoBreak)
	assert.Equal(t, NoBreakNotPresent, s.At(6).NoBreak)
}

func TestDetermineBlockLimits(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		soft      int
		err       string
		continued bool
		overflow  bool
	}{
		{
			name:  "closed procedure",
			input: "f proc near\nretn\nf endp\n",
		},
		{
			name:  "procedure extends into look-ahead",
			input: "f proc near\nnop\nretn\nf endp\n",
			soft:  len("f proc near\nnop\n"),
		},
		{
			name:  "unterminated procedure",
			input: "f proc near\nnop\n",
			soft:  len("f proc near\n"),
			err:   "unterminated procedure encountered",
		},
		{
			name:     "no-break overflow",
			input:    "; $no-break{\nx db 1\n; $no-break}\n",
			soft:     len("; $no-break{\nx db 1\n"),
			overflow: true,
		},
		{
			name:      "no-break continued",
			input:     "x db 1\n; $no-break}\ny db 2\n",
			continued: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			soft := tt.soft
			if soft == 0 {
				soft = len(tt.input)
			}
			s := Tokenize([]byte(tt.input), soft, len(tt.input))
			err, continued, overflow := s.DetermineBlockLimits()
			assert.Equal(t, tt.err, err)
			assert.Equal(t, tt.continued, continued)
			assert.Equal(t, tt.overflow, overflow)
			assert.LessOrEqual(t, s.Begin(), s.End())
		})
	}
}
