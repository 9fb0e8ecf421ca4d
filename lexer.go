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

import "strings"

type keywordInfo struct {
	kind     TokenKind
	category Category
	kwType   KeywordType
}

var keywords = map[string]keywordInfo{
	"byte": {TokByte, CatKeyword, SizeSpecifier}, "word": {TokWord, CatKeyword, SizeSpecifier},
	"dword": {TokDword, CatKeyword, SizeSpecifier}, "fword": {TokFword, CatKeyword, SizeSpecifier},
	"qword": {TokQword, CatKeyword, SizeSpecifier}, "tbyte": {TokTbyte, CatKeyword, SizeSpecifier},
	"db": {TokDb, CatKeyword, DataSizeSpecifier}, "dw": {TokDw, CatKeyword, DataSizeSpecifier},
	"dd": {TokDd, CatKeyword, DataSizeSpecifier}, "df": {TokDf, CatKeyword, DataSizeSpecifier},
	"dq": {TokDq, CatKeyword, DataSizeSpecifier}, "dt": {TokDt, CatKeyword, DataSizeSpecifier},
	"struc": {TokStruc, CatKeyword, StructUnionKeyword}, "union": {TokUnion, CatKeyword, StructUnionKeyword},
	"ptr": {TokPtr, CatKeyword, GeneralKeyword}, "offset": {TokOffset, CatKeyword, GeneralKeyword},
	"short": {TokShort, CatKeyword, GeneralKeyword}, "near": {TokNear, CatKeyword, GeneralKeyword},
	"far": {TokFar, CatKeyword, GeneralKeyword}, "proc": {TokProc, CatKeyword, GeneralKeyword},
	"endp": {TokEndp, CatKeyword, GeneralKeyword}, "segment": {TokSegment, CatKeyword, GeneralKeyword},
	"ends": {TokEnds, CatKeyword, GeneralKeyword}, "size": {TokSize, CatKeyword, GeneralKeyword},
	"not": {TokNot, CatKeyword, GeneralKeyword}, "align": {TokAlign, CatKeyword, GeneralKeyword},
	"assume": {TokAssume, CatKeyword, GeneralKeyword}, "small": {TokSmall, CatKeyword, GeneralKeyword},
	"large": {TokLarge, CatKeyword, GeneralKeyword}, "seg": {TokSeg, CatKeyword, GeneralKeyword},
	"para": {TokPara, CatKeyword, GeneralKeyword}, "page": {TokPage, CatKeyword, GeneralKeyword},
	"public": {TokIgnored, CatIgnore, GeneralKeyword}, "extrn": {TokIgnored, CatIgnore, GeneralKeyword},
	"end": {TokIgnored, CatIgnore, GeneralKeyword}, "includelib": {TokIgnored, CatIgnore, GeneralKeyword},
}

// Tokenize lexes data[:soft] and then, without revisiting it, data[soft:hard]. The input
// must end each range with a newline. A negative hard means no look-ahead range.
func Tokenize(data []byte, soft, hard int) *TokenStream {
	if hard < soft {
		hard = soft
	}
	text := string(data[:hard])
	l := &lexer{input: text}
	// a token needs at least two bytes on average
	l.tokens = make([]Token, 0, hard/2+2)
	for l.pos < soft {
		l.next()
	}
	softLimit := len(l.tokens)
	for l.pos < hard {
		l.next()
	}
	l.tokens = append(l.tokens, Token{Kind: TokEOF, Category: CatEOF})
	return &TokenStream{tokens: l.tokens, softLimit: softLimit, start: 0, end: softLimit}
}

type lexer struct {
	input  string
	pos    int
	tokens []Token
}

func isIDStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '@' || c == '$' || c == '?' || c == '.'
}

func isIDChar(c byte) bool {
	return isIDStart(c) || c >= '0' && c <= '9'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (l *lexer) emit(t Token) {
	l.tokens = append(l.tokens, t)
}

// next lexes one token starting at l.pos, skipping leading blanks (which stay attached
// to comments so their placement survives).
func (l *lexer) next() {
	start := l.pos
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return
	}
	c := l.input[l.pos]
	switch {
	case c == '\r' && l.pos+1 < len(l.input) && l.input[l.pos+1] == '\n':
		l.emit(Token{Kind: TokNewLine, Category: CatWhitespace, Text: "\r\n"})
		l.pos += 2
	case c == '\n':
		l.emit(Token{Kind: TokNewLine, Category: CatWhitespace, Text: "\n"})
		l.pos++
	case c == ';':
		end := l.lineEnd()
		t := Token{Kind: TokComment, Category: CatWhitespace, Text: l.input[start:end]}
		if starting, ok := noBreakMarker(&t); ok {
			t.NoBreak = EndNoBreak
			if starting {
				t.NoBreak = StartNoBreak
			}
		}
		l.emit(t)
		l.pos = end
	case c == '\'' || c == '"':
		l.lexString(c)
	case isDigit(c):
		l.lexNumber(l.pos)
	case (c == '-' || c == '+') && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1]) && l.signAllowed():
		l.lexNumber(l.pos)
	case c == '<':
		end := strings.IndexByte(l.input[l.pos:], '>')
		if end < 0 || strings.ContainsRune(l.input[l.pos:l.pos+end], '\n') {
			l.emitOperator(TokNone)
			return
		}
		text := l.input[l.pos : l.pos+end+1]
		l.emit(Token{Kind: TokID, Category: CatID, Text: text, Hash: hashText(text)})
		l.pos += end + 1
	case isIDStart(c):
		l.lexWord()
	default:
		kind := TokNone
		switch c {
		case ',':
			kind = TokComma
		case '[':
			kind = TokLBracket
		case ']':
			kind = TokRBracket
		case '(':
			kind = TokLParen
		case ')':
			kind = TokRParen
		case '+':
			kind = TokPlus
		case '-':
			kind = TokMinus
		case '*':
			kind = TokMult
		case '=':
			kind = TokEquals
		}
		l.emitOperator(kind)
	}
}

func (l *lexer) emitOperator(kind TokenKind) {
	category := CatOperator
	if kind == TokNone {
		category = CatID
		kind = TokID
	}
	text := l.input[l.pos : l.pos+1]
	l.emit(Token{Kind: kind, Category: category, Text: text, Hash: hashText(text)})
	l.pos++
}

// signAllowed reports whether a sign at the current position starts a number rather
// than being a binary operator.
func (l *lexer) signAllowed() bool {
	if len(l.tokens) == 0 {
		return true
	}
	prev := &l.tokens[len(l.tokens)-1]
	if l.input[l.pos] == '+' {
		return false
	}
	switch prev.Category {
	case CatNumber:
		return false
	case CatID:
		return prev.Kind == TokString
	case CatOperator:
		return prev.Kind != TokRParen && prev.Kind != TokRBracket
	}
	return true
}

func (l *lexer) lineEnd() int {
	end := strings.IndexByte(l.input[l.pos:], '\n')
	if end < 0 {
		return len(l.input)
	}
	end += l.pos
	if end > l.pos && l.input[end-1] == '\r' {
		end--
	}
	return end
}

func (l *lexer) lexString(quote byte) {
	i := l.pos + 1
	for i < len(l.input) && l.input[i] != '\n' {
		if l.input[i] == quote {
			if i+1 < len(l.input) && l.input[i+1] == quote {
				i += 2
				continue
			}
			i++
			break
		}
		i++
	}
	text := l.input[l.pos:i]
	l.emit(Token{Kind: TokString, Category: CatID, Text: text, Hash: hashText(text)})
	l.pos = i
}

func (l *lexer) lexNumber(start int) {
	i := start
	if l.input[i] == '-' || l.input[i] == '+' {
		i++
	}
	for i < len(l.input) && isIDChar(l.input[i]) {
		i++
	}
	text := l.input[start:i]
	digits := strings.TrimLeft(text, "+-")
	kind := TokNumber
	switch last := digits[len(digits)-1] | 0x20; {
	case last == 'h' && isHexDigits(digits[:len(digits)-1]):
		kind = TokHex
	case allDigits(digits):
		kind = TokNumber
	case last == 'b' && isBinDigits(digits[:len(digits)-1]):
		kind = TokBin
	default:
		l.emit(Token{Kind: TokID, Category: CatID, Text: text, Hash: hashText(text)})
		l.pos = i
		return
	}
	l.emit(Token{Kind: kind, Category: CatNumber, Text: text})
	l.pos = i
}

func isHexDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if !isDigit(s[i]) && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return s != ""
}

func isBinDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' && s[i] != '1' {
			return false
		}
	}
	return s != ""
}

func (l *lexer) lexWord() {
	i := l.pos
	for i < len(l.input) && isIDChar(l.input[i]) {
		i++
	}
	word := l.input[l.pos:i]
	lower := strings.ToLower(word)

	// dup(...) is one token
	if lower == "dup" {
		j := i
		for j < len(l.input) && l.input[j] == ' ' {
			j++
		}
		if j < len(l.input) && l.input[j] == '(' {
			depth := 0
			for j < len(l.input) && l.input[j] != '\n' {
				if l.input[j] == '(' {
					depth++
				} else if l.input[j] == ')' {
					depth--
					if depth == 0 {
						j++
						break
					}
				}
				j++
			}
			l.emit(Token{Kind: TokDup, Category: CatDup, Text: l.input[l.pos:j]})
			l.pos = j
			return
		}
	}

	if i < len(l.input) {
		switch l.input[i] {
		case ':':
			if info, ok := registers[lower]; ok && info.segment {
				l.emit(Token{Kind: TokSegPrefix, Category: CatRegister, Reg: info.reg, RegSize: info.size, Text: l.input[l.pos : i+1]})
				l.pos = i + 1
				return
			}
			text := l.input[l.pos : i+1]
			l.emit(Token{Kind: TokID, Category: CatID, Text: text, Hash: hashText(text)})
			l.pos = i + 1
			return
		case '=':
			if i+1 >= len(l.input) || l.input[i+1] != '=' {
				text := l.input[l.pos : i+1]
				l.emit(Token{Kind: TokID, Category: CatID, Text: text, Hash: hashText(text)})
				l.pos = i + 1
				return
			}
		}
	}

	l.pos = i
	if info, ok := opcodes[lower]; ok {
		l.emit(Token{Kind: TokInstruction, Category: CatInstruction, Op: info.op, InsnType: info.kind, Text: word})
		return
	}
	if info, ok := registers[lower]; ok {
		l.emit(Token{Kind: TokRegister, Category: CatRegister, Reg: info.reg, RegSize: info.size, Text: word})
		return
	}
	if info, ok := keywords[lower]; ok {
		l.emit(Token{Kind: info.kind, Category: info.category, KwType: info.kwType, Text: word, Hash: hashText(word)})
		return
	}
	l.emit(Token{Kind: TokID, Category: CatID, Text: word, Hash: hashText(word)})
}
