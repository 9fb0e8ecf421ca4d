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
	"strconv"
	"strings"
)

// TokenKind identifies a token. Instructions and registers share one kind each and are
// further identified by Op and Reg.
type TokenKind uint16

const (
	TokNone TokenKind = iota
	TokNewLine
	TokComment
	TokID
	TokString
	TokNumber
	TokHex
	TokBin
	TokDup
	TokSegPrefix
	TokComma
	TokLBracket
	TokRBracket
	TokLParen
	TokRParen
	TokPlus
	TokMinus
	TokMult
	TokEquals
	TokInstruction
	TokRegister

	// size keywords
	TokByte
	TokWord
	TokDword
	TokFword
	TokQword
	TokTbyte

	// data size keywords
	TokDb
	TokDw
	TokDd
	TokDf
	TokDq
	TokDt

	TokPtr
	TokOffset
	TokShort
	TokNear
	TokFar
	TokProc
	TokEndp
	TokSegment
	TokEnds
	TokStruc
	TokUnion
	TokSize
	TokNot
	TokAlign
	TokAssume
	TokSmall
	TokLarge
	TokSeg
	TokPara
	TokPage
	TokIgnored

	TokEOF
)

var tokenKindNames = map[TokenKind]string{
	TokNone: "none", TokNewLine: "new line", TokComment: "comment", TokID: "identifier",
	TokString: "string", TokNumber: "number", TokHex: "hex number", TokBin: "binary number",
	TokDup: "dup", TokSegPrefix: "segment prefix", TokComma: "`,'", TokLBracket: "`['",
	TokRBracket: "`]'", TokLParen: "`('", TokRParen: "`)'", TokPlus: "`+'", TokMinus: "`-'",
	TokMult: "`*'", TokEquals: "`='", TokInstruction: "instruction", TokRegister: "register",
	TokByte: "byte", TokWord: "word", TokDword: "dword", TokFword: "fword", TokQword: "qword",
	TokTbyte: "tbyte", TokDb: "db", TokDw: "dw", TokDd: "dd", TokDf: "df", TokDq: "dq", TokDt: "dt",
	TokPtr: "ptr", TokOffset: "offset", TokShort: "short", TokNear: "near", TokFar: "far",
	TokProc: "proc", TokEndp: "endp", TokSegment: "segment", TokEnds: "ends", TokStruc: "struc",
	TokUnion: "union", TokSize: "size", TokNot: "not", TokAlign: "align", TokAssume: "assume",
	TokSmall: "small", TokLarge: "large", TokSeg: "seg", TokPara: "para", TokPage: "page",
	TokIgnored: "ignored directive", TokEOF: "end of file",
}

func (k TokenKind) String() string {
	if name, ok := tokenKindNames[k]; ok {
		return name
	}
	return "token(" + strconv.Itoa(int(k)) + ")"
}

// Category is the coarse class used for dispatch.
type Category uint8

const (
	CatWhitespace Category = iota
	CatInstruction
	CatRegister
	CatDup
	CatIgnore
	CatKeyword
	CatOperator
	CatNumber
	CatID
	CatEOF
)

type InstructionType uint8

const (
	GeneralInstruction InstructionType = iota
	BranchInstruction
	PrefixInstruction
	ShiftRotateInstruction
)

type KeywordType uint8

const (
	GeneralKeyword KeywordType = iota
	StructUnionKeyword
	SizeSpecifier
	DataSizeSpecifier
)

type NoBreakStatus uint8

const (
	NoBreakNotPresent NoBreakStatus = iota
	StartNoBreak
	EndNoBreak
)

// Token is a fixed-size lexical record. Text is a view into the chunk's input.
type Token struct {
	Kind     TokenKind
	Category Category
	InsnType InstructionType
	KwType   KeywordType
	NoBreak  NoBreakStatus
	Op       Opcode
	Reg      Register
	RegSize  int
	Hash     uint32
	Text     string
}

func (t *Token) IsID() bool      { return t.Kind == TokID }
func (t *Token) IsNewLine() bool { return t.Kind == TokNewLine }
func (t *Token) IsComment() bool { return t.Kind == TokComment }
func (t *Token) IsEOF() bool     { return t.Kind == TokEOF }

// IsText reports whether the token is word-like (identifier, keyword, register or instruction).
func (t *Token) IsText() bool {
	switch t.Category {
	case CatID, CatKeyword, CatRegister, CatInstruction, CatIgnore:
		return t.Kind != TokString && t.Kind != TokSegPrefix
	}
	return false
}

func (t *Token) IsNumber() bool {
	return t.Kind == TokNumber || t.Kind == TokHex || t.Kind == TokBin
}

func (t *Token) IsLocalLabel() bool {
	return t.IsText() && len(t.Text) > 2 && strings.HasPrefix(t.Text, "@@")
}

func (t *Token) IsDataSizeSpecifier() bool {
	return t.Category == CatKeyword && t.KwType == DataSizeSpecifier
}

func (t *Token) LastChar() byte {
	if t.Text == "" {
		return 0
	}
	return t.Text[len(t.Text)-1]
}

// Is compares the token text against a keyword or identifier spelling.
// ParseInt parses a numeric token (decimal, `h' suffixed hex or `b' suffixed binary).
func (t *Token) ParseInt() int {
	text := t.Text
	neg := false
	if text != "" && (text[0] == '+' || text[0] == '-') {
		neg = text[0] == '-'
		text = text[1:]
	}
	var value int
	switch t.Kind {
	case TokHex:
		for _, c := range text[:len(text)-1] {
			var d int
			switch {
			case c >= '0' && c <= '9':
				d = int(c - '0')
			default:
				d = 10 + int((c|0x20)-'a')
			}
			value = value*16 + d
		}
	case TokBin:
		for _, c := range text[:len(text)-1] {
			value = value*2 + int(c-'0')
		}
	default:
		for _, c := range text {
			value = value*10 + int(c-'0')
		}
	}
	if neg {
		return -value
	}
	return value
}

// DataSize returns the byte size of a size or data size keyword, or -1.
func (t *Token) DataSize() int {
	switch t.Kind {
	case TokByte, TokDb:
		return 1
	case TokWord, TokDw:
		return 2
	case TokDword, TokDd:
		return 4
	case TokFword, TokDf:
		return 6
	case TokQword, TokDq:
		return 8
	case TokTbyte, TokDt:
		return 10
	case TokPara:
		return 16
	case TokPage:
		return 256
	default:
		return -1
	}
}

// DupValue returns the text inside `dup(...)'.
func (t *Token) DupValue() string {
	if t.Kind != TokDup {
		return ""
	}
	inner := strings.TrimPrefix(t.Text, "dup")
	inner = strings.TrimSpace(inner)
	inner = strings.TrimPrefix(inner, "(")
	inner = strings.TrimSuffix(inner, ")")
	return strings.TrimSpace(inner)
}

// Describe renders the token for diagnostics.
func (t *Token) Describe() string {
	desc := t.Kind.String()
	if t.Kind == TokInstruction || t.Kind == TokRegister || t.IsID() || t.Kind == TokString || t.Category == CatNumber {
		desc += " `" + t.Text + "'"
	}
	return desc
}

func hashText(text string) uint32 {
	// FNV-1a
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	return h
}

// TokenStream is the token arena produced for one chunk. Tokens are addressed by index.
type TokenStream struct {
	tokens    []Token
	softLimit int
	start     int
	end       int
}

func (s *TokenStream) At(i int) *Token { return &s.tokens[i] }
func (s *TokenStream) Len() int        { return len(s.tokens) }

// Begin is the first token the parser should consume.
func (s *TokenStream) Begin() int { return s.start }

// End is one past the last token the parser should consume.
func (s *TokenStream) End() int { return s.end }

// SoftLimit is the first token past the nominal chunk range.
func (s *TokenStream) SoftLimit() int { return s.softLimit }

func (s *TokenStream) skipUntilNewLine(i int) int {
	for !s.tokens[i].IsNewLine() && !s.tokens[i].IsEOF() {
		i++
	}
	return i
}

// isDataItemLine reports whether the line starting at i declares data, and returns the
// index of its terminating newline.
func (s *TokenStream) isDataItemLine(i int) (bool, int) {
	result := false
	for ; !s.tokens[i].IsNewLine() && !s.tokens[i].IsEOF(); i++ {
		t := &s.tokens[i]
		if t.IsDataSizeSpecifier() || t.Category == CatDup || t.Text == "<>" {
			result = true
		}
	}
	return result, i
}

// DetermineBlockLimits trims the stream to whole procedures and no-break regions. The
// start moves past anything that belongs to the previous chunk and the end extends into
// the hard range until open constructs close. It reports an error description when a
// construct is still open at the hard limit, whether the chunk begins inside a no-break
// region closed here (continued) and whether it leaves one open at the soft limit
// (overflow).
func (s *TokenStream) DetermineBlockLimits() (string, bool, bool) {
	var inProc, inNoBreak int
	seenCheckpoint := false
	noBreakContinued := false
	s.start = 0

	for i := 0; i < s.softLimit; i++ {
		t := &s.tokens[i]
		switch {
		case t.IsEOF():
			i = s.softLimit
		case t.IsID():
			next := &s.tokens[i+1]
			switch next.Kind {
			case TokSegment:
				seenCheckpoint = true
			case TokProc:
				inProc++
				seenCheckpoint = true
			case TokEndp:
				if inProc == 0 {
					s.start = s.skipUntilNewLine(i+1) + 1
				} else {
					inProc--
				}
				seenCheckpoint = true
			default:
				var isData bool
				isData, i = s.isDataItemLine(i)
				if isData {
					seenCheckpoint = true
				}
			}
			i = s.skipUntilNewLine(i)
		case t.Category == CatWhitespace:
			if starting, ok := noBreakMarker(t); ok {
				if starting {
					inNoBreak++
				} else if inNoBreak == 0 {
					s.start = s.skipUntilNewLine(i+1) + 1
					noBreakContinued = true
				} else {
					inNoBreak--
				}
			}
		default:
			if !seenCheckpoint {
				isInstruction := t.Category == CatInstruction
				isData := false
				if !isInstruction {
					isData, i = s.isDataItemLine(i)
				}
				i = s.skipUntilNewLine(i)
				if isData || isInstruction {
					s.start = i + 1
				}
			} else {
				i = s.skipUntilNewLine(i)
			}
		}
	}

	s.end = s.softLimit
	seenCheckpoint = false
	noBreakOverflow := inNoBreak != 0

	for i := s.softLimit; i < len(s.tokens); i++ {
		if inProc == 0 && inNoBreak == 0 && seenCheckpoint {
			break
		}
		t := &s.tokens[i]
		switch {
		case t.IsEOF():
			i = len(s.tokens)
		case t.IsID():
			next := &s.tokens[i+1]
			switch next.Kind {
			case TokProc:
				inProc++
				seenCheckpoint = true
			case TokEndp:
				inProc--
				if inProc <= 0 {
					inProc = 0
					s.end = s.skipUntilNewLine(i+1) + 1
				}
				seenCheckpoint = true
			default:
				var isData bool
				isData, i = s.isDataItemLine(i)
				if isData {
					seenCheckpoint = true
				}
			}
			i = s.skipUntilNewLine(i)
		case t.Category == CatWhitespace:
			if starting, ok := noBreakMarker(t); ok {
				if starting {
					inNoBreak++
				} else {
					inNoBreak--
					if inNoBreak <= 0 {
						inNoBreak = 0
						s.end = s.skipUntilNewLine(i+1) + 1
					}
				}
			}
		default:
			if !seenCheckpoint {
				isInstruction := t.Category == CatInstruction
				isData := false
				if !isInstruction {
					isData, i = s.isDataItemLine(i)
				}
				i = s.skipUntilNewLine(i)
				if isData || isInstruction {
					s.end = i + 1
				}
			} else {
				i = s.skipUntilNewLine(i)
			}
		}
	}

	if s.start > s.end {
		s.start = s.end
	}

	var errorDesc string
	switch {
	case inProc != 0:
		errorDesc = "unterminated procedure encountered"
	case inNoBreak != 0:
		errorDesc = "unterminated no-break tag encountered"
	}
	return errorDesc, noBreakContinued, noBreakOverflow
}

const noBreakMarkerText = "; $no-break"

// noBreakMarker recognizes `; $no-break{' and `; $no-break}' comments.
func noBreakMarker(t *Token) (starting bool, ok bool) {
	if !t.IsComment() {
		return false, false
	}
	text := t.Text
	if idx := strings.IndexByte(text, ';'); idx >= 0 {
		text = text[idx:]
	}
	if len(text) != len(noBreakMarkerText)+1 || !strings.HasPrefix(text, noBreakMarkerText) {
		return false, false
	}
	switch text[len(text)-1] {
	case '{':
		return true, true
	case '}':
		return false, true
	}
	return false, false
}
