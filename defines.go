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

// Define is a `name = [not] value' numeric constant.
type Define struct {
	Name            string
	ValueText       string
	Value           int
	Inverted        bool
	LeadingComments string
	Comment         string
}

// DefinesMap keeps defines in declaration order with lookup by name.
type DefinesMap struct {
	defines []*Define
	byName  map[string]*Define
}

func NewDefinesMap() *DefinesMap {
	return &DefinesMap{byName: make(map[string]*Define)}
}

func (m *DefinesMap) Add(d *Define) {
	if d.Inverted {
		d.Value = ^d.Value
	}
	if old, ok := m.byName[d.Name]; ok {
		*old = *d
		return
	}
	m.defines = append(m.defines, d)
	m.byName[d.Name] = d
}

func (m *DefinesMap) Get(name string) *Define {
	return m.byName[name]
}

func (m *DefinesMap) Defines() []*Define {
	return m.defines
}

func (m *DefinesMap) Len() int {
	return len(m.defines)
}

func (m *DefinesMap) Clear() {
	m.defines = m.defines[:0]
	clear(m.byName)
}
