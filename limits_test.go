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

func TestFindBodyStart(t *testing.T) {
	data := []byte("Point struc\nxpos dw ?\nPoint ends\n.586\n.model flat\n\n; code\nmain proc near\n")
	bodyStart, prefix, err := findBodyStart(data, ".586")
	require.NoError(t, err)
	assert.Equal(t, ".586\n.model flat\n", prefix)
	assert.Equal(t, "; code\nmain proc near\n", string(data[bodyStart:]))

	_, _, err = findBodyStart([]byte("main proc near\n"), ".586")
	assert.EqualError(t, err, "boundary directive `.586' not found")
}

func TestFindLimits(t *testing.T) {
	data := []byte("h\nx db 1\n; c\ny db 2\n")
	assert.Equal(t, chunkLimits{from: 2, soft: 20, hard: 20}, findLimits(data, 2, 0, 1))
	assert.Equal(t, chunkLimits{from: 2, soft: 9, hard: 20}, findLimits(data, 2, 0, 2))
	assert.Equal(t, chunkLimits{from: 9, soft: 20, hard: 20}, findLimits(data, 2, 1, 2))
}

func TestLineStart(t *testing.T) {
	data := []byte("ab\ncd\n")
	assert.Equal(t, 0, lineStart(data, 0))
	assert.Equal(t, 3, lineStart(data, 1))
	assert.Equal(t, 3, lineStart(data, 3))
	assert.Equal(t, 6, lineStart(data, 4))
	assert.Equal(t, 6, lineStart(data, 10))
}

func TestChunkOutputPath(t *testing.T) {
	assert.Equal(t, "out/swos-01.asm", ChunkOutputPath("out/swos.asm", 1))
	assert.Equal(t, "swos-12.cpp", ChunkOutputPath("swos.cpp", 12))
	assert.Equal(t, "out/swos-03", ChunkOutputPath("out/swos", 3))
}
