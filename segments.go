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

import "github.com/samber/lo"

// SegmentSet is the ordered list of open segments, each kept as its opening line tokens.
type SegmentSet struct {
	segments [][]Token
}

func (s *SegmentSet) Add(tokens []Token) {
	s.segments = append(s.segments, tokens)
}

func (s *SegmentSet) Remove(name string) {
	s.segments = lo.Reject(s.segments, func(seg []Token, _ int) bool {
		return seg[0].Text == name
	})
}

func (s *SegmentSet) IsSegment(name string) bool {
	return lo.ContainsBy(s.segments, func(seg []Token) bool {
		return seg[0].Text == name
	})
}

// Segment returns the opening line of the named segment.
func (s *SegmentSet) Segment(name string) []Token {
	seg, _ := lo.Find(s.segments, func(seg []Token) bool {
		return seg[0].Text == name
	})
	return seg
}

func (s *SegmentSet) Segments() [][]Token {
	return s.segments
}

func (s *SegmentSet) Clear() {
	s.segments = nil
}
