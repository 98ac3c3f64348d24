package conversation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStateNil       = errors.New("conversation state is nil")
	ErrStaleEpoch     = errors.New("mutation targets a previous conversation view")
	ErrMessageMissing = errors.New("message not found")
)

// Mutation represents a deterministic change to the conversation state. Mutations
// run under the store lock, so a read-compute-write inside Apply is atomic.
type Mutation interface {
	Apply(st *State) error
	Name() string
}

// describer lets a mutation add details to the change notification.
type describer interface {
	describe(ch *Change)
}

type insertMutation struct {
	msgs []*Message
}

// MutateInsert inserts messages into the tree.
func MutateInsert(msgs ...*Message) Mutation {
	return insertMutation{msgs: msgs}
}

func (m insertMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	return st.Tree.Insert(m.msgs...)
}

func (m insertMutation) Name() string { return "insert" }

func (m insertMutation) describe(ch *Change) {
	if len(m.msgs) > 0 {
		ch.MessageID = m.msgs[len(m.msgs)-1].ID
	}
}

type replaceIDMutation struct {
	oldID NodeID
	newID NodeID
}

// MutateReplaceID reconciles a temporary id with a server id in the tree and in the
// selections at once. Unknown ids are a no-op.
func MutateReplaceID(oldID, newID NodeID) Mutation {
	return replaceIDMutation{oldID: oldID, newID: newID}
}

func (m replaceIDMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	_, err := st.ReplaceID(m.oldID, m.newID)
	return err
}

func (m replaceIDMutation) Name() string { return "replace_id" }

func (m replaceIDMutation) describe(ch *Change) {
	ch.PreviousID = m.oldID
	ch.MessageID = m.newID
	ch.Reconciled = []IDPair{{Old: m.oldID, New: m.newID}}
}

// IDPair maps a temporary message id to the id the server assigned.
type IDPair struct {
	Old NodeID
	New NodeID
}

type reconcileMutation struct {
	pairs   []IDPair
	applied []IDPair
}

// MutateReconcile applies several id replacements as one change. If any pair would
// collide with an existing id, or with another pair, nothing is replaced.
func MutateReconcile(pairs ...IDPair) Mutation {
	return &reconcileMutation{pairs: pairs}
}

func (m *reconcileMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	applied, err := st.ReplaceIDs(m.pairs...)
	if err != nil {
		return err
	}
	m.applied = applied
	return nil
}

func (m *reconcileMutation) Name() string { return "reconcile_ids" }

func (m *reconcileMutation) describe(ch *Change) {
	ch.Reconciled = append([]IDPair(nil), m.applied...)
}

type appendContentMutation struct {
	id    NodeID
	chunk string
}

// MutateAppendContent appends a streamed chunk to a message.
func MutateAppendContent(id NodeID, chunk string) Mutation {
	return appendContentMutation{id: id, chunk: chunk}
}

func (m appendContentMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if !st.Tree.AppendContent(m.id, m.chunk) {
		return fmt.Errorf("%w: %s", ErrMessageMissing, m.id)
	}
	return nil
}

func (m appendContentMutation) Name() string { return "append_content" }

func (m appendContentMutation) describe(ch *Change) {
	ch.MessageID = m.id
	ch.Delta = m.chunk
}

type setContentMutation struct {
	id   NodeID
	text string
}

// MutateSetContent sets the full text of a message in one step.
func MutateSetContent(id NodeID, text string) Mutation {
	return setContentMutation{id: id, text: text}
}

func (m setContentMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if !st.Tree.SetContent(m.id, m.text) {
		return fmt.Errorf("%w: %s", ErrMessageMissing, m.id)
	}
	return nil
}

func (m setContentMutation) Name() string { return "set_content" }

func (m setContentMutation) describe(ch *Change) {
	ch.MessageID = m.id
	ch.Delta = m.text
}

type selectMutation struct {
	forkKey string
	childID NodeID
}

// MutateSelect makes childID the active continuation of the fork.
func MutateSelect(forkKey string, childID NodeID) Mutation {
	return selectMutation{forkKey: forkKey, childID: childID}
}

func (m selectMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if strings.TrimSpace(m.forkKey) == "" {
		return fmt.Errorf("fork key is empty")
	}
	st.Selections.Select(m.forkKey, m.childID)
	return nil
}

func (m selectMutation) Name() string { return "select" }

func (m selectMutation) describe(ch *Change) {
	ch.MessageID = m.childID
}

type setStatusMutation struct {
	status ExchangeStatus
	err    error
}

// MutateSetStatus moves the exchange to status. err is stored as the view's error
// and cleared when nil.
func MutateSetStatus(status ExchangeStatus, err error) Mutation {
	return setStatusMutation{status: status, err: err}
}

func (m setStatusMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	st.Status = m.status
	st.Err = m.err
	return nil
}

func (m setStatusMutation) Name() string { return "set_status" }

type setConversationMutation struct {
	id    string
	title string
	model string
}

// MutateSetConversation records the container the view belongs to.
func MutateSetConversation(id, title, model string) Mutation {
	return setConversationMutation{id: id, title: title, model: model}
}

func (m setConversationMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	st.ConversationID = m.id
	if m.title != "" {
		st.Title = m.title
	}
	if m.model != "" {
		st.Model = m.model
	}
	return nil
}

func (m setConversationMutation) Name() string { return "set_conversation" }

type loadMutation struct {
	id         string
	title      string
	model      string
	tree       *Tree
	selections Selections
}

// MutateLoad replaces the view with a persisted conversation. Selections start
// empty, so the first render resolves every fork with the default rule.
func MutateLoad(id, title, model string, tree *Tree) Mutation {
	return loadMutation{id: id, title: title, model: model, tree: tree}
}

// MutateRestore is MutateLoad with previously saved selections.
func MutateRestore(id, title, model string, tree *Tree, selections Selections) Mutation {
	return loadMutation{id: id, title: title, model: model, tree: tree, selections: selections}
}

func (m loadMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if m.tree == nil {
		return fmt.Errorf("tree is nil")
	}
	epoch := st.Epoch
	*st = State{
		ConversationID: m.id,
		Title:          m.title,
		Model:          m.model,
		Tree:           m.tree,
		Selections:     m.selections.Clone(),
		Status:         StatusIdle,
		Epoch:          epoch + 1,
		Version:        st.Version,
	}
	return nil
}

func (m loadMutation) Name() string { return "load" }

func (m loadMutation) describe(ch *Change) {
	ch.Title = m.title
	ch.Messages = m.tree.Len()
}

type resetMutation struct{}

// MutateReset empties the view, as when the user navigates away.
func MutateReset() Mutation {
	return resetMutation{}
}

func (m resetMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	epoch, version := st.Epoch, st.Version
	*st = *NewState()
	st.Epoch = epoch + 1
	st.Version = version
	return nil
}

func (m resetMutation) Name() string { return "reset" }

type funcMutation struct {
	name string
	fn   func(st *State) error
}

// MutateFunc wraps a compound change that must be applied atomically.
func MutateFunc(name string, fn func(st *State) error) Mutation {
	return funcMutation{name: name, fn: fn}
}

func (m funcMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	return m.fn(st)
}

func (m funcMutation) Name() string { return m.name }

type epochMutation struct {
	epoch int64
	Mutation
}

// MutateInEpoch applies m only while the view is still in epoch. Once the view was
// reset or reloaded the mutation fails with ErrStaleEpoch, which Store.Apply treats
// as a no-op.
func MutateInEpoch(epoch int64, m Mutation) Mutation {
	return epochMutation{epoch: epoch, Mutation: m}
}

func (m epochMutation) Apply(st *State) error {
	if st == nil {
		return ErrStateNil
	}
	if st.Epoch != m.epoch {
		return ErrStaleEpoch
	}
	return m.Mutation.Apply(st)
}

func (m epochMutation) describe(ch *Change) {
	if d, ok := m.Mutation.(describer); ok {
		d.describe(ch)
	}
}
