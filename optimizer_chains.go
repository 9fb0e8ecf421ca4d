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

// chainLink is a register assignment whose value may still be read. refs counts the
// register bytes holding the value plus the assignments copying it.
type chainLink struct {
	node   *InstructionNode
	refs   int
	deps   []*chainLink
	pinned bool
}

func (c *chainLink) pin() {
	if c.pinned {
		return
	}
	c.pinned = true
	for _, dep := range c.deps {
		dep.pin()
	}
}

// chainRemover deletes register assignments that are overwritten before anything reads them,
// including chains of copies that only feed each other.
type chainRemover struct {
	roots   map[regByte][]*chainLink
	changed bool
}

func removeOrphanedAssignmentChains(p *ProcIR) bool {
	r := &chainRemover{roots: make(map[regByte][]*chainLink)}
	for _, n := range p.Nodes {
		switch n.Kind {
		case NodeLabel, NodeProc, NodeEndProc:
			r.flush()
		case NodeInstruction:
			if !n.Deleted {
				r.processInstruction(n)
			}
		}
	}
	return r.changed
}

// flush keeps every pending assignment, the next instruction may be reached from anywhere.
func (r *chainRemover) flush() {
	for _, links := range r.roots {
		for _, c := range links {
			c.pin()
		}
	}
	clear(r.roots)
}

func isChainCandidate(n *InstructionNode) bool {
	switch n.Op() {
	case OpMov, OpMovzx, OpMovsx, OpLea:
		return len(n.Operands) == 2 && n.Operands[0].Kind == OperandReg
	}
	return false
}

func (r *chainRemover) processInstruction(n *InstructionNode) {
	if effectsOf(n).barrier || n.Insn.IsBranch() {
		r.flush()
		return
	}
	a := accessOf(n)
	if !isChainCandidate(n) {
		for _, reg := range a.reads {
			r.forEachByte(reg, func(key regByte) {
				for _, c := range r.roots[key] {
					c.pin()
				}
			})
		}
		for _, reg := range a.writes {
			r.forEachByte(reg, func(key regByte) {
				r.release(r.roots[key])
				delete(r.roots, key)
			})
		}
		return
	}

	link := &chainLink{node: n}
	seen := make(map[*chainLink]bool)
	for _, reg := range a.reads {
		r.forEachByte(reg, func(key regByte) {
			for _, c := range r.roots[key] {
				if !seen[c] {
					seen[c] = true
					c.refs++
					link.deps = append(link.deps, c)
				}
			}
		})
	}
	r.forEachByte(n.Operands[0].Base, func(key regByte) {
		r.release(r.roots[key])
		r.roots[key] = []*chainLink{link}
		link.refs++
	})
}

func (r *chainRemover) forEachByte(reg RegRef, f func(regByte)) {
	for i := 0; i < reg.Size; i++ {
		f(regByte{reg.Name, reg.Offset + i})
	}
}

func (r *chainRemover) release(links []*chainLink) {
	for _, c := range links {
		c.refs--
		if c.refs == 0 && !c.pinned && !c.node.Deleted {
			c.node.Deleted = true
			r.changed = true
			r.release(c.deps)
		}
	}
}
