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

// removeUnusedOverflowFlags suppresses overflow computations nothing tests. Carry, sign and
// zero are left alone since procedures return values in them.
func removeUnusedOverflowFlags(p *ProcIR) bool {
	tested := false
	for _, n := range p.Nodes {
		if n.live() && effectsOf(n).readsOverflow {
			tested = true
			break
		}
	}
	changed := false
	for i, n := range p.Nodes {
		if !n.live() || n.SuppressOverflow || !effectsOf(n).writesOverflow {
			continue
		}
		if !tested || !overflowLiveAfter(p, i) {
			n.SuppressOverflow = true
			changed = true
		}
	}
	return changed
}

// overflowLiveAfter scans forward from the writer at index until the flag is read or
// overwritten. Branches end the scan conservatively; returns and calls discard the flag.
func overflowLiveAfter(p *ProcIR, index int) bool {
	for _, n := range p.Nodes[index+1:] {
		switch n.Kind {
		case NodeEndProc:
			return n.Name != ""
		case NodeInstruction:
			if n.Deleted {
				continue
			}
			e := effectsOf(n)
			switch {
			case e.readsOverflow:
				return true
			case n.Op().IsReturn() || n.Op() == OpCall:
				return false
			case n.Insn.IsBranch():
				return true
			case e.killsOverflow:
				return false
			}
		}
	}
	return false
}
