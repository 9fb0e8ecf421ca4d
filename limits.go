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
	"fmt"
)

// lookAheadLength is how far past its nominal end a chunk may read to close a procedure
// or a no-break region.
const lookAheadLength = 50000

// chunkLimits are byte offsets into the whole input: the chunk owns [from, soft) and may
// look ahead up to hard.
type chunkLimits struct {
	from int
	soft int
	hard int
}

// findLimits splits data[bodyStart:] into count ranges and returns the one at index.
// Both ends sit on line starts and move up over the comment lines in front of them, so
// the end of one chunk is always the start of the next.
func findLimits(data []byte, bodyStart, index, count int) chunkLimits {
	blockSize := (len(data) - bodyStart) / count
	boundary := func(n int) int {
		pos := lineStart(data, bodyStart+n*blockSize)
		return extendOverComments(data, pos, bodyStart)
	}

	limits := chunkLimits{from: bodyStart, soft: len(data), hard: len(data)}
	if index > 0 {
		limits.from = boundary(index)
	}
	if index < count-1 {
		limits.soft = max(boundary(index+1), limits.from)
		limits.hard = lineStart(data, min(len(data), limits.soft+lookAheadLength))
	}
	return limits
}

// lineStart returns pos when it starts a line, otherwise the start of the next line.
func lineStart(data []byte, pos int) int {
	if pos >= len(data) {
		return len(data)
	}
	if pos == 0 || data[pos-1] == '\n' {
		return pos
	}
	if i := bytes.IndexByte(data[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(data)
}

// extendOverComments moves the line start pos up while the line above is a comment or
// empty line, never going above limit.
func extendOverComments(data []byte, pos, limit int) int {
	for pos > limit {
		prev := previousLine(data, pos)
		if prev < limit || !isLineComment(data, prev) {
			break
		}
		pos = prev
	}
	return pos
}

// previousLine returns the start of the line before the one starting at pos.
func previousLine(data []byte, pos int) int {
	if pos <= 0 {
		return 0
	}
	i := pos - 1
	for i > 0 && data[i-1] != '\n' {
		i--
	}
	return i
}

func isLineComment(data []byte, pos int) bool {
	for ; pos < len(data); pos++ {
		switch data[pos] {
		case ' ', '\t', '\r':
		case '\n', ';':
			return true
		default:
			return false
		}
	}
	return false
}

// findBodyStart locates the boundary directive. The header, everything in front of the
// body, is parsed for structs and defines; prefix is the run of directive lines right
// after the boundary and is repeated at the top of every output file.
func findBodyStart(data []byte, boundary string) (bodyStart int, prefix string, err error) {
	start := bytes.Index(data, []byte(boundary))
	if start < 0 {
		return 0, "", fmt.Errorf("boundary directive `%s' not found", boundary)
	}
	start = lineStartBefore(data, start)

	comment := bytes.IndexByte(data[start:], ';')
	if comment < 0 {
		bodyStart = lineStart(data, start+1)
	} else {
		bodyStart = lineStartBefore(data, start+comment)
	}

	prefixEnd := bodyStart
	for prefixEnd > start {
		prev := previousLine(data, prefixEnd)
		if len(bytes.TrimSpace(data[prev:prefixEnd])) != 0 {
			break
		}
		prefixEnd = prev
	}
	if prefixEnd > start {
		prefix = string(bytes.ReplaceAll(data[start:prefixEnd], []byte("\r\n"), []byte("\n")))
	}
	return bodyStart, prefix, nil
}

func lineStartBefore(data []byte, pos int) int {
	for pos > 0 && data[pos-1] != '\n' {
		pos--
	}
	return pos
}
