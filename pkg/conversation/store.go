package conversation

import (
	"errors"
	"sync"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

// Change describes an applied mutation to subscribers.
type Change struct {
	Mutation       string
	Version        int64
	Epoch          int64
	ConversationID string

	// MessageID is the message the mutation touched, if any. For an id
	// reconciliation PreviousID holds the replaced temporary id.
	MessageID  NodeID
	PreviousID NodeID
	Delta      string
	Reconciled []IDPair

	// Title and Messages describe a loaded conversation.
	Title    string
	Messages int

	Status   ExchangeStatus
	Exchange *ExchangeRef
	Err      error
}

type Listener func(ch Change)

// Store owns the conversation state of one view and serializes all changes to it.
//
// Listeners are called after the lock is released, in the order the mutations
// were applied by the calling goroutine.
type Store struct {
	mu           sync.Mutex
	state        *State
	listeners    map[int]Listener
	nextListener int
	closed       bool
}

func NewStore() *Store {
	return &Store{
		state:     NewState(),
		listeners: map[int]Listener{},
	}
}

// Apply runs m against the state. After Close, or for an exchange mutation whose
// view was reset in the meantime, Apply does nothing and returns nil.
func (s *Store) Apply(m Mutation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Trace().Str("mutation", m.Name()).Msg("store closed, dropping mutation")
		return nil
	}
	if err := m.Apply(s.state); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrStaleEpoch) {
			log.Debug().Str("mutation", m.Name()).Msg("dropping mutation for previous view")
			return nil
		}
		return err
	}
	s.state.Version++

	ch := Change{
		Mutation:       m.Name(),
		Version:        s.state.Version,
		Epoch:          s.state.Epoch,
		ConversationID: s.state.ConversationID,
		Status:         s.state.Status,
		Err:            s.state.Err,
	}
	if s.state.Exchange != nil {
		ex := *s.state.Exchange
		ch.Exchange = &ex
	}
	if d, ok := m.(describer); ok {
		d.describe(&ch)
	}
	listeners := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextListener; i++ {
		if l, ok := s.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(ch)
	}
	return nil
}

// Subscribe registers l for all future changes. The returned func unsubscribes.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// View calls fn with the live state under the lock. fn must not retain the state
// or call back into the store.
func (s *Store) View(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Snapshot returns a deep copy of the state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Chain returns a copy of the displayed chain.
func (s *Store) Chain() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.state.Chain()
	ret := make(Conversation, len(chain))
	for i, m := range chain {
		ret[i] = clone.Clone(m).(*Message)
	}
	return ret
}

func (s *Store) Epoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Epoch
}

func (s *Store) Status() ExchangeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// SelectSibling moves the selection at the fork of id by delta positions among its
// same-role siblings, clamped to the available range. Returns the newly selected id.
func (s *Store) SelectSibling(id NodeID, delta int) (NodeID, error) {
	var selected NodeID
	err := s.Apply(MutateFunc("select_sibling", func(st *State) error {
		siblings, idx := SiblingsOf(st.Tree, id)
		if idx < 0 {
			return ErrMessageMissing
		}
		idx += delta
		if idx < 0 {
			idx = 0
		}
		if idx >= len(siblings) {
			idx = len(siblings) - 1
		}
		selected = siblings[idx].ID
		st.Selections.Select(ForkKey(siblings[idx].ParentID), selected)
		return nil
	}))
	return selected, err
}

// Reset empties the view. Exchange mutations issued for the previous view become no-ops.
func (s *Store) Reset() error {
	return s.Apply(MutateReset())
}

// Close drops all listeners and turns further mutations into no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = map[int]Listener{}
}
