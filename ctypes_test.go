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

func TestCIdent(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"main", "main"},
		{"@@x", "__x"},
		{"1abc", "_1abc"},
		{"byte", "byte_"},
		{"a.b", "a_b"},
		{"flags", "flags_"},
		{"loc_12AB", "loc_12AB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cIdent(tt.name))
		})
	}
}

func TestCStructDefinitions(t *testing.T) {
	p, err := parse(t, `Point struc
xpos dw ?
ypos dw ?
Point ends
Pair struc
lo db ?
hi dw ?
Pair ends
Odd struc
count dw ?
tag db ?
Odd ends
`, nil)
	require.NoError(t, err)
	require.NoError(t, p.Structs().Seal())
	assert.Equal(t, `typedef struct Point {
    word xpos;
    word ypos;
} Point;

typedef struct Pair {
    byte lo;
    byte hi[2];
} Pair;

typedef struct Odd {
    byte count[2];
    byte tag;
} Odd;

`, CStructDefinitions(p.Structs()))
}

func TestNewCTypesStructs(t *testing.T) {
	p, err := parse(t, "Point struc\nxpos dw ?\nypos dw ?\nPoint ends\n", nil)
	require.NoError(t, err)
	require.NoError(t, p.Structs().Seal())

	types, err := NewCTypes(p.Structs(), []ExportEntry{{Name: "origin", CType: "Point"}, {Name: "main", Function: true}})
	require.NoError(t, err)
	size, align, ok := types.Lookup("Point")
	assert.True(t, ok)
	assert.Equal(t, 4, size)
	assert.Equal(t, 4, align)

	_, err = NewCTypes(p.Structs(), []ExportEntry{{Name: "v", CType: "Vector"}})
	assert.EqualError(t, err, "Unknown structure encountered: `Vector', variable: `v'")
}
