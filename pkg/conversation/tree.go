package conversation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/huandu/go-clone"
)

var (
	ErrEmptyRole     = errors.New("message has no role")
	ErrEmptyID       = errors.New("message has no id")
	ErrDuplicateID   = errors.New("message id already exists")
	ErrSelfParent    = errors.New("message cannot be its own parent")
	ErrMessageNil    = errors.New("message is nil")
	ErrDanglingEdge  = errors.New("message parent does not exist")
	ErrCycleDetected = errors.New("message is its own ancestor")
)

// Tree stores every message ever created in a conversation, linked by parent ids.
//
// The tree is independent of which path is displayed; see BuildChain for that.
// Children are indexed by parent id (NullNode for roots) in insertion order.
//
// A Tree is not safe for concurrent use. Store serializes access to it.
type Tree struct {
	nodes    map[NodeID]*Message
	order    []NodeID
	children map[NodeID][]NodeID
}

func NewTree() *Tree {
	return &Tree{
		nodes:    make(map[NodeID]*Message),
		children: make(map[NodeID][]NodeID),
	}
}

// NewTreeFromMessages builds a tree from persisted messages, which may arrive in any order.
func NewTreeFromMessages(msgs ...*Message) (*Tree, error) {
	t := NewTree()
	if err := t.Insert(msgs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Insert adds messages to the tree. Either all messages are added or none.
//
// The parent of a message is not required to exist yet: a user message and its
// assistant placeholder are inserted before the server has confirmed anything, and
// persisted messages are not guaranteed to arrive parent first.
func (t *Tree) Insert(msgs ...*Message) error {
	if err := t.checkInsert(msgs); err != nil {
		return err
	}
	for _, msg := range msgs {
		t.nodes[msg.ID] = msg
		t.order = append(t.order, msg.ID)
		t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
	}
	return nil
}

func (t *Tree) checkInsert(msgs []*Message) error {
	batch := make(map[NodeID]bool, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			return ErrMessageNil
		}
		if msg.Role == "" {
			return ErrEmptyRole
		}
		if msg.ID == NullNode {
			return ErrEmptyID
		}
		if msg.ParentID == msg.ID {
			return fmt.Errorf("%w: %s", ErrSelfParent, msg.ID)
		}
		if _, exists := t.nodes[msg.ID]; exists || batch[msg.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
		}
		batch[msg.ID] = true
	}
	return nil
}

func (t *Tree) Get(id NodeID) (*Message, bool) {
	ret, ok := t.nodes[id]
	return ret, ok
}

func (t *Tree) Has(id NodeID) bool {
	_, ok := t.nodes[id]
	return ok
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

// Messages returns all messages in insertion order.
func (t *Tree) Messages() []*Message {
	ret := make([]*Message, 0, len(t.order))
	for _, id := range t.order {
		ret = append(ret, t.nodes[id])
	}
	return ret
}

// ChildrenOf returns the messages whose parent is id, in insertion order.
func (t *Tree) ChildrenOf(id NodeID) []*Message {
	ids := t.children[id]
	ret := make([]*Message, 0, len(ids))
	for _, childID := range ids {
		if child, ok := t.nodes[childID]; ok {
			ret = append(ret, child)
		}
	}
	return ret
}

// Roots returns all messages without a parent, in insertion order.
func (t *Tree) Roots() []*Message {
	return t.ChildrenOf(NullNode)
}

// ReplaceID rewrites the message oldID to carry newID, and points all of its
// children at newID.
//
// Returns false without error if oldID is not in the tree, which makes a repeated
// call with the same arguments a no-op.
func (t *Tree) ReplaceID(oldID, newID NodeID) (bool, error) {
	if oldID == newID || newID == NullNode {
		return false, nil
	}
	msg, ok := t.nodes[oldID]
	if !ok {
		return false, nil
	}
	if _, exists := t.nodes[newID]; exists {
		return false, fmt.Errorf("%w: %s", ErrDuplicateID, newID)
	}

	delete(t.nodes, oldID)
	msg.ID = newID
	t.nodes[newID] = msg

	for i, id := range t.order {
		if id == oldID {
			t.order[i] = newID
			break
		}
	}

	siblings := t.children[msg.ParentID]
	for i, id := range siblings {
		if id == oldID {
			siblings[i] = newID
			break
		}
	}

	if kids, ok := t.children[oldID]; ok {
		for _, childID := range kids {
			if child, ok := t.nodes[childID]; ok {
				child.ParentID = newID
			}
		}
		t.children[newID] = append(t.children[newID], kids...)
		delete(t.children, oldID)
	}

	return true, nil
}

// checkReplace validates a batch of id replacements and returns the pairs that
// would change the tree. A new id that is already taken, or claimed by another
// pair, fails the whole batch. Pairs whose old id is not in the tree are skipped.
func (t *Tree) checkReplace(pairs []IDPair) ([]IDPair, error) {
	var ret []IDPair
	olds := map[NodeID]bool{}
	news := map[NodeID]bool{}
	for _, p := range pairs {
		if p.Old == p.New || p.New == NullNode || !t.Has(p.Old) || olds[p.Old] {
			continue
		}
		if t.Has(p.New) || news[p.New] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, p.New)
		}
		olds[p.Old] = true
		news[p.New] = true
		ret = append(ret, p)
	}
	return ret, nil
}

// AppendContent appends a text chunk to the message content.
func (t *Tree) AppendContent(id NodeID, chunk string) bool {
	msg, ok := t.nodes[id]
	if !ok {
		return false
	}
	msg.Content.Text += chunk
	return true
}

// SetContent replaces the message text.
func (t *Tree) SetContent(id NodeID, text string) bool {
	msg, ok := t.nodes[id]
	if !ok {
		return false
	}
	msg.Content.Text = text
	return true
}

// Clone returns a deep copy of the tree. Messages of the copy share nothing with
// the original.
func (t *Tree) Clone() *Tree {
	ret := NewTree()
	for _, id := range t.order {
		msg := clone.Clone(t.nodes[id]).(*Message)
		ret.nodes[id] = msg
		ret.order = append(ret.order, id)
		ret.children[msg.ParentID] = append(ret.children[msg.ParentID], id)
	}
	return ret
}

// Validate checks that the tree is a forest: every parent exists and no message is
// its own ancestor.
func (t *Tree) Validate() error {
	for _, id := range t.order {
		msg := t.nodes[id]
		if msg.ParentID != NullNode && !t.Has(msg.ParentID) {
			return fmt.Errorf("%w: %s -> %s", ErrDanglingEdge, msg.ID, msg.ParentID)
		}
		seen := map[NodeID]bool{id: true}
		for cur := msg.ParentID; cur != NullNode; {
			if seen[cur] {
				return fmt.Errorf("%w: %s", ErrCycleDetected, id)
			}
			seen[cur] = true
			parent, ok := t.nodes[cur]
			if !ok {
				break
			}
			cur = parent.ParentID
		}
	}
	return nil
}

// GetConversationThread returns the path from the root down to id.
func (t *Tree) GetConversationThread(id NodeID) Conversation {
	var thread Conversation
	seen := map[NodeID]bool{}
	for id != NullNode && !seen[id] {
		seen[id] = true
		node, ok := t.nodes[id]
		if !ok {
			break
		}
		thread = append(Conversation{node}, thread...)
		id = node.ParentID
	}
	return thread
}

// SortByCreated orders msgs in place by creation time. Ties keep their insertion order.
func SortByCreated(msgs []*Message) []*Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}
