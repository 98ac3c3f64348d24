package conversation

// ExchangeStatus is the lifecycle state of a send or edit exchange.
type ExchangeStatus string

const (
	StatusIdle               ExchangeStatus = "idle"
	StatusOptimisticInserted ExchangeStatus = "optimistic_inserted"
	StatusRequestSent        ExchangeStatus = "request_sent"
	StatusReconcilingIDs     ExchangeStatus = "reconciling_ids"
	StatusStreaming          ExchangeStatus = "streaming"
	StatusCompleted          ExchangeStatus = "completed"
	StatusCancelled          ExchangeStatus = "cancelled"
	StatusFailed             ExchangeStatus = "failed"
)

func (s ExchangeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	case StatusIdle, StatusOptimisticInserted, StatusRequestSent, StatusReconcilingIDs, StatusStreaming:
		return false
	}
	return false
}

// IsActive reports whether an exchange is in flight.
func (s ExchangeStatus) IsActive() bool {
	return s != "" && s != StatusIdle && !s.IsTerminal()
}

// ExchangeRef names the user/assistant pair an exchange populates.
type ExchangeRef struct {
	ID          string
	UserID      NodeID
	AssistantID NodeID
	// EditOf is the user message that was edited, empty for a plain send.
	EditOf NodeID
}

// State is everything a conversation view knows: the message tree, the branch
// selections, and the status of the current (or last) exchange.
type State struct {
	ConversationID string
	Title          string
	Model          string

	Tree       *Tree
	Selections Selections

	Status   ExchangeStatus
	Exchange *ExchangeRef
	// Err is the classified error of the last failed exchange.
	Err error

	// Epoch is bumped whenever the view is reset or another conversation is loaded.
	Epoch   int64
	Version int64
}

func NewState() *State {
	return &State{
		Tree:       NewTree(),
		Selections: Selections{},
		Status:     StatusIdle,
	}
}

// Chain resolves the displayed chain. Default selections are recorded as a side effect.
func (st *State) Chain() Conversation {
	return BuildChain(st.Tree, st.Selections)
}

// ReplaceID reconciles a temporary id with a server id across the tree, the
// selections and the exchange reference.
func (st *State) ReplaceID(oldID, newID NodeID) (bool, error) {
	replaced, err := st.Tree.ReplaceID(oldID, newID)
	if err != nil || !replaced {
		return replaced, err
	}
	st.Selections.RewriteID(oldID, newID)
	if ex := st.Exchange; ex != nil {
		switch oldID {
		case ex.UserID:
			ex.UserID = newID
		case ex.AssistantID:
			ex.AssistantID = newID
		case ex.EditOf:
			ex.EditOf = newID
		}
	}
	return true, nil
}

// ReplaceIDs reconciles several ids at once. Either every pair is applied or the
// state is left untouched. Returns the pairs that were applied.
func (st *State) ReplaceIDs(pairs ...IDPair) ([]IDPair, error) {
	effective, err := st.Tree.checkReplace(pairs)
	if err != nil {
		return nil, err
	}
	for _, p := range effective {
		if _, err := st.ReplaceID(p.Old, p.New); err != nil {
			return nil, err
		}
	}
	return effective, nil
}

// Clone returns a deep copy that can be read without holding the store lock.
func (st *State) Clone() *State {
	ret := *st
	ret.Tree = st.Tree.Clone()
	ret.Selections = st.Selections.Clone()
	if st.Exchange != nil {
		ex := *st.Exchange
		ret.Exchange = &ex
	}
	return &ret
}
