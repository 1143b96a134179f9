package thread

import "meli.sh/mailcore"

// rootsLocked returns every node currently without a parent.
func (f *Forest) rootsLocked() []mailcore.ThreadNodeHash {
	var roots []mailcore.ThreadNodeHash
	for id, n := range f.nodes {
		if n.ParentID == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// removeChild deletes childID from parent's Children slice.
func (f *Forest) removeChild(parentID, childID mailcore.ThreadNodeHash) {
	parent := f.nodes[parentID]
	if parent == nil {
		return
	}
	out := parent.Children[:0]
	for _, c := range parent.Children {
		if c != childID {
			out = append(out, c)
		}
	}
	parent.Children = out
}

// pruneVirtualLocked implements spec.md §4.8 step 3: a virtual node
// (no envelope) with no children is deleted outright; a virtual node
// with exactly one child is spliced out, promoting that child to the
// virtual node's own parent (its grandparent, from the child's
// perspective) — the "promote their children to their grandparent"
// case. A virtual node with two or more children is a genuine subject
// container (siblings that reference a common, never-arrived
// ancestor) and is kept. Runs to a fixed point since a promotion can
// expose a new childless-or-single-child virtual parent.
func (f *Forest) pruneVirtualLocked() {
	for {
		changed := false
		for id, n := range f.nodes {
			if n.HasEnvelope {
				continue
			}
			switch len(n.Children) {
			case 0:
				if n.ParentID != 0 {
					f.removeChild(n.ParentID, id)
				}
				delete(f.nodes, id)
				delete(f.byMessageID, n.MessageID)
				changed = true
			case 1:
				child := f.nodes[n.Children[0]]
				child.ParentID = n.ParentID
				if n.ParentID != 0 {
					parent := f.nodes[n.ParentID]
					f.removeChild(n.ParentID, id)
					parent.Children = append(parent.Children, child.ID)
				}
				delete(f.nodes, id)
				delete(f.byMessageID, n.MessageID)
				changed = true
			}
			if changed {
				break // map mutated mid-range; restart the scan
			}
		}
		if !changed {
			return
		}
	}
}

// representativeSubject walks down from root to the first node
// carrying an envelope, returning its normalized subject. Virtual
// roots have no subject of their own; the first real descendant's
// subject stands in for the group.
func (f *Forest) representativeSubject(rootID mailcore.ThreadNodeHash) (string, bool) {
	queue := []mailcore.ThreadNodeHash{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := f.nodes[id]
		if n.HasEnvelope {
			if env, ok := f.envelopes[n.EnvelopeHash]; ok {
				return env.SubjectNormalized, true
			}
		}
		queue = append(queue, n.Children...)
	}
	return "", false
}

// groupBySubjectLocked implements spec.md §4.8 step 4: roots sharing a
// normalized subject are merged under one synthetic virtual root (or,
// if one of them is already virtual, reused in place of minting a new
// one). Recomputed from scratch against the current root set each
// call, since the cost is bounded by the number of roots rather than
// the number of envelopes.
func (f *Forest) groupBySubjectLocked() {
	bySubject := make(map[string][]mailcore.ThreadNodeHash)
	for _, id := range f.rootsLocked() {
		subj, ok := f.representativeSubject(id)
		if !ok || subj == "" {
			continue
		}
		bySubject[subj] = append(bySubject[subj], id)
	}

	for _, ids := range bySubject {
		if len(ids) < 2 {
			continue
		}
		// Reuse an existing virtual root among ids as the merge point
		// if one exists, so repeated calls are idempotent instead of
		// minting a fresh synthetic node every time.
		var virtualRoot mailcore.ThreadNodeHash
		for _, id := range ids {
			if !f.nodes[id].HasEnvelope {
				virtualRoot = id
				break
			}
		}
		if virtualRoot == 0 {
			subj, _ := f.representativeSubject(ids[0])
			virtualID := mailcore.HashThreadNode("subject-root:" + subj)
			if _, exists := f.nodes[virtualID]; !exists {
				f.nodes[virtualID] = &Node{ID: virtualID, MessageID: "subject-root:" + subj}
			}
			virtualRoot = virtualID
		}
		for _, id := range ids {
			if id == virtualRoot {
				continue
			}
			f.linkParentChild(virtualRoot, id)
		}
	}

	f.rebuildGroupsLocked()
}

// rebuildGroupsLocked derives the current Group set from the current
// root list, preserving Snoozed across a regroup when the root's hash
// is unchanged and defaulting new roots to not snoozed.
func (f *Forest) rebuildGroupsLocked() {
	next := make(map[mailcore.ThreadHash]*Group)
	for _, id := range f.rootsLocked() {
		n := f.nodes[id]
		hash := mailcore.HashThread(n.MessageID)
		g := &Group{Hash: hash, RootID: id}
		if prev, ok := f.groups[hash]; ok {
			g.Snoozed = prev.Snoozed
		}
		next[hash] = g
	}
	f.groups = next
}

// recomputeDerivedLocked recomputes ShowSubject and HasUnseen for
// every node, and Count/UnseenCount/Latest for every Group, via one
// post-order walk per tree.
func (f *Forest) recomputeDerivedLocked() {
	for _, id := range f.rootsLocked() {
		f.deriveSubtree(id, "")
	}
	for hash, g := range f.groups {
		root := f.nodes[g.RootID]
		count, unseen, latest := 0, 0, int64(0)
		f.aggregate(root.ID, &count, &unseen, &latest)
		g.Count = count
		g.UnseenCount = unseen
		g.Latest = latest
		f.groups[hash] = g
	}
}

func (f *Forest) deriveSubtree(id mailcore.ThreadNodeHash, parentSubject string) {
	n := f.nodes[id]
	subject := parentSubject
	if n.HasEnvelope {
		if env, ok := f.envelopes[n.EnvelopeHash]; ok {
			n.ShowSubject = env.SubjectNormalized != parentSubject
			subject = env.SubjectNormalized
		}
	} else {
		n.ShowSubject = false
	}
	unseen := 0
	if n.HasEnvelope {
		if env, ok := f.envelopes[n.EnvelopeHash]; ok && env.Unseen {
			unseen = 1
		}
	}
	for _, c := range n.Children {
		f.deriveSubtree(c, subject)
		unseen += f.nodes[c].HasUnseen
	}
	n.HasUnseen = unseen
}

func (f *Forest) aggregate(id mailcore.ThreadNodeHash, count, unseen *int, latest *int64) {
	n := f.nodes[id]
	if n.HasEnvelope {
		if env, ok := f.envelopes[n.EnvelopeHash]; ok {
			*count++
			if env.Unseen {
				*unseen++
			}
			if env.Date > *latest {
				*latest = env.Date
			}
		}
	}
	for _, c := range n.Children {
		f.aggregate(c, count, unseen, latest)
	}
}

// GroupBySubject runs spec.md §4.8 step 4 on demand, for a caller that
// has been using InsertIncremental and wants to fold the batch's new
// roots into existing subject groups without paying for a full Insert
// pipeline on every envelope.
func (f *Forest) GroupBySubject() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneVirtualLocked()
	f.groupBySubjectLocked()
	f.recomputeDerivedLocked()
}
