package conversation

// RootForkKey is the fork key of the top-level fork between root messages.
const RootForkKey = "root"

// ForkKey returns the selection key for the fork below parentID.
func ForkKey(parentID NodeID) string {
	if parentID == NullNode {
		return RootForkKey
	}
	return string(parentID)
}

// Selections maps a fork key to the child chosen as the active continuation.
//
// Forks without an entry resolve to their earliest-created child.
type Selections map[string]NodeID

func (s Selections) Select(forkKey string, childID NodeID) {
	s[forkKey] = childID
}

// RewriteID replaces oldID with newID both as a fork key and as a selected child.
func (s Selections) RewriteID(oldID, newID NodeID) {
	if oldID == newID {
		return
	}
	if v, ok := s[string(oldID)]; ok {
		delete(s, string(oldID))
		s[string(newID)] = v
	}
	for k, v := range s {
		if v == oldID {
			s[k] = newID
		}
	}
}

func (s Selections) Clone() Selections {
	ret := make(Selections, len(s))
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// pick resolves the active child among candidates for forkKey. A missing or stale
// entry falls back to the earliest-created candidate, which is then recorded so later
// resolutions stay stable.
func (s Selections) pick(forkKey string, candidates []*Message) *Message {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	if selected, ok := s[forkKey]; ok {
		for _, c := range candidates {
			if c.ID == selected {
				return c
			}
		}
	}
	earliest := SortByCreated(append([]*Message(nil), candidates...))[0]
	if s != nil {
		s[forkKey] = earliest.ID
	}
	return earliest
}

// BuildChain resolves the tree into the single chain that is displayed and sent to
// the model, from the selected root down to a leaf.
//
// selections may be updated with defaults for forks that had no valid entry.
func BuildChain(tree *Tree, selections Selections) Conversation {
	if tree == nil {
		return nil
	}
	cur := selections.pick(RootForkKey, tree.Roots())
	var chain Conversation
	seen := map[NodeID]bool{}
	for cur != nil && !seen[cur.ID] {
		seen[cur.ID] = true
		chain = append(chain, cur)
		cur = selections.pick(ForkKey(cur.ID), tree.ChildrenOf(cur.ID))
	}
	return chain
}

// SiblingsOf returns the messages sharing the parent and role of id, ordered by
// creation time, plus the index of id among them. Returns -1 if id is unknown.
//
// Role is part of the match on purpose: an edited user message and the assistant
// answers below it live at different levels of the tree.
func SiblingsOf(tree *Tree, id NodeID) ([]*Message, int) {
	msg, ok := tree.Get(id)
	if !ok {
		return nil, -1
	}
	var siblings []*Message
	for _, c := range tree.ChildrenOf(msg.ParentID) {
		if c.Role == msg.Role {
			siblings = append(siblings, c)
		}
	}
	SortByCreated(siblings)
	for i, s := range siblings {
		if s.ID == id {
			return siblings, i
		}
	}
	return siblings, -1
}
