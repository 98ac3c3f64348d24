package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	readBufferSize = 4096
	maxTitleRunes  = 50
)

// Controller drives exchanges against a Backend and records everything in a
// conversation.Store. At most one exchange is in flight per controller.
type Controller struct {
	store   *conversation.Store
	backend Backend

	model  string
	newID  func() conversation.NodeID
	now    func() time.Time
	tokens TokenCounter
	logger zerolog.Logger

	mu     sync.Mutex
	active *Exchange
}

type ControllerOption func(*Controller)

// WithModel sets the model used for new conversations.
func WithModel(model string) ControllerOption {
	return func(c *Controller) {
		c.model = model
	}
}

func WithIDGenerator(newID func() conversation.NodeID) ControllerOption {
	return func(c *Controller) {
		c.newID = newID
	}
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// WithTokenCounter fills in TokenCount of new user messages and finished answers.
func WithTokenCounter(tc TokenCounter) ControllerOption {
	return func(c *Controller) {
		c.tokens = tc
	}
}

func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithStore uses an existing store instead of a fresh one.
func WithStore(store *conversation.Store) ControllerOption {
	return func(c *Controller) {
		c.store = store
	}
}

func NewController(backend Backend, options ...ControllerOption) *Controller {
	ret := &Controller{
		backend: backend,
		newID:   conversation.NewNodeID,
		now:     time.Now,
		logger:  log.Logger,
	}
	for _, o := range options {
		o(ret)
	}
	if ret.store == nil {
		ret.store = conversation.NewStore()
	}
	return ret
}

func (c *Controller) Store() *conversation.Store {
	return c.store
}

// Active returns the in-flight exchange, or nil.
func (c *Controller) Active() *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) IsRunning() bool {
	return c.Active() != nil
}

// Send appends a user message to the end of the displayed chain and requests the
// answer. The returned exchange runs in the background; its outcome is recorded in
// the store and reported by Exchange.Wait.
func (c *Controller) Send(ctx context.Context, content conversation.Content) (*Exchange, error) {
	return c.start(ctx, content, conversation.NullNode)
}

// Edit creates a new version of the user message targetID: a sibling with the same
// parent, selected as the active branch, answered like a send.
func (c *Controller) Edit(ctx context.Context, targetID conversation.NodeID, content conversation.Content) (*Exchange, error) {
	if targetID == conversation.NullNode {
		return nil, ErrMessageNotFound
	}
	return c.start(ctx, content, targetID)
}

// Retry sends the user message of the last failed exchange again, as a new version
// of that message.
func (c *Controller) Retry(ctx context.Context) (*Exchange, error) {
	var userID conversation.NodeID
	var content conversation.Content
	c.store.View(func(st *conversation.State) {
		if st.Status != conversation.StatusFailed || st.Exchange == nil {
			return
		}
		if m, ok := st.Tree.Get(st.Exchange.UserID); ok {
			userID = m.ID
			content = m.Content
		}
	})
	if userID == conversation.NullNode {
		return nil, ErrNothingToRetry
	}
	return c.start(ctx, content, userID)
}

// Stop cancels the in-flight exchange. Without one it does nothing.
func (c *Controller) Stop() {
	if ex := c.Active(); ex != nil {
		c.logger.Debug().Str("exchange_id", ex.ID).Msg("stopping exchange")
		ex.Cancel()
	}
}

// Reset empties the view. An in-flight request is detached, not cancelled: the
// backend still persists its answer, but nothing more is written to the view.
func (c *Controller) Reset() error {
	c.detach()
	return c.store.Reset()
}

// Load replaces the view with the persisted conversation id.
func (c *Controller) Load(ctx context.Context, id string) error {
	if c.backend == nil {
		return ErrBackendNil
	}
	stored, err := c.backend.LoadConversation(ctx, id)
	if err != nil {
		return err
	}
	tree, err := stored.Tree()
	if err != nil {
		return err
	}
	if err := tree.Validate(); err != nil {
		// the displayed chain degrades to the default rule around broken edges
		c.logger.Warn().Err(err).Str("conversation_id", id).Msg("loaded conversation is not a well-formed tree")
	}
	c.detach()
	return c.store.Apply(conversation.MutateLoad(stored.ID, stored.Title, stored.Model, tree))
}

// SelectSibling shows the previous (delta < 0) or next (delta > 0) version of a message.
func (c *Controller) SelectSibling(id conversation.NodeID, delta int) (conversation.NodeID, error) {
	return c.store.SelectSibling(id, delta)
}

// Close detaches the in-flight exchange and stops recording into the store.
func (c *Controller) Close() {
	c.detach()
	c.store.Close()
}

func (c *Controller) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.logger.Debug().Str("exchange_id", c.active.ID).Msg("detaching exchange")
		c.active = nil
	}
}

func (c *Controller) release(ex *Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == ex {
		c.active = nil
	}
}

// plan is what the background request needs, captured when the exchange began.
type plan struct {
	epoch          int64
	conversationID string
	title          string
	model          string
	parentID       conversation.NodeID
	messages       []client.ChatMessage
}

func (c *Controller) start(ctx context.Context, content conversation.Content, editOf conversation.NodeID) (*Exchange, error) {
	if c == nil {
		return nil, ErrControllerNil
	}
	if c.backend == nil {
		return nil, ErrBackendNil
	}
	if strings.TrimSpace(content.Text) == "" && !content.IsMultimodal() {
		return nil, ErrEmptyContent
	}

	ex := newExchange(uuid.NewString(), c.newID(), c.newID(), editOf)

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrExchangeActive
	}
	c.active = ex
	c.mu.Unlock()

	p, err := c.begin(ex, content)
	if err != nil {
		c.release(ex)
		return nil, err
	}

	logger := c.logger.With().
		Str("exchange_id", ex.ID).
		Str("user_id", ex.UserID.String()).
		Str("assistant_id", ex.AssistantID.String()).
		Logger()
	logger.Debug().Str("parent_id", p.parentID.String()).Str("edit_of", editOf.String()).Msg("exchange started")

	if p.conversationID == "" {
		id, err := c.backend.CreateConversation(ctx, p.title, p.model)
		if err != nil {
			status, cause := terminalFor(ctx, err)
			c.finish(ex, p, status, cause, logger)
			return ex, nil
		}
		p.conversationID = id
		c.apply(p, conversation.MutateSetConversation(id, p.title, p.model), logger)
		logger.Debug().Str("conversation_id", id).Msg("created conversation")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ex.setCancel(cancel)

	go func() {
		defer cancel()
		status, err := c.run(runCtx, ex, p, logger)
		c.finish(ex, p, status, err, logger)
	}()

	return ex, nil
}

// begin checks that no exchange is active and inserts the user message and its
// assistant placeholder in one mutation.
func (c *Controller) begin(ex *Exchange, content conversation.Content) (*plan, error) {
	now := c.now()
	tokenCount := 0
	if c.tokens != nil {
		tokenCount = c.tokens.Count(content.Text)
	}

	var p *plan
	err := c.store.Apply(conversation.MutateFunc("begin_exchange", func(st *conversation.State) error {
		if st.Status.IsActive() {
			return ErrExchangeActive
		}

		parentID := conversation.NullNode
		if ex.EditOf != conversation.NullNode {
			target, ok := st.Tree.Get(ex.EditOf)
			if !ok {
				return ErrMessageNotFound
			}
			if target.Role != conversation.RoleUser {
				return ErrNotEditable
			}
			parentID = target.ParentID
		} else if last := st.Chain().Last(); last != nil {
			parentID = last.ID
		}

		user := &conversation.Message{
			ID:         ex.UserID,
			ParentID:   parentID,
			Role:       conversation.RoleUser,
			Content:    content,
			CreatedAt:  now,
			TokenCount: tokenCount,
		}
		assistant := &conversation.Message{
			ID:        ex.AssistantID,
			ParentID:  ex.UserID,
			Role:      conversation.RoleAssistant,
			CreatedAt: now,
		}
		if err := st.Tree.Insert(user, assistant); err != nil {
			return err
		}
		if ex.EditOf != conversation.NullNode {
			st.Selections.Select(conversation.ForkKey(parentID), ex.UserID)
		}

		st.Status = conversation.StatusOptimisticInserted
		st.Err = nil
		st.Exchange = &conversation.ExchangeRef{
			ID:          ex.ID,
			UserID:      ex.UserID,
			AssistantID: ex.AssistantID,
			EditOf:      ex.EditOf,
		}

		model := st.Model
		if model == "" {
			model = c.model
		}
		p = &plan{
			epoch:          st.Epoch,
			conversationID: st.ConversationID,
			title:          titleFrom(content.Text),
			model:          model,
			parentID:       parentID,
			messages:       client.ToChatMessages(st.Chain().Without(ex.AssistantID)),
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// run performs the request and feeds the answer into the store. It returns the
// terminal status and, for a failure, the unclassified cause.
func (c *Controller) run(ctx context.Context, ex *Exchange, p *plan, logger zerolog.Logger) (conversation.ExchangeStatus, error) {
	req := &client.ChatRequest{
		Messages:       p.messages,
		ConversationID: p.conversationID,
		Model:          p.model,
	}
	if p.parentID != conversation.NullNode {
		parent := p.parentID.String()
		req.ParentMessageID = &parent
	}
	if ex.EditOf != conversation.NullNode {
		req.EditMessageID = ex.EditOf.String()
	}

	c.apply(p, conversation.MutateSetStatus(conversation.StatusRequestSent, nil), logger)
	resp, err := c.backend.Complete(ctx, req)
	if err != nil {
		return terminalFor(ctx, err)
	}
	if resp.Stream != nil {
		defer resp.Stream.Close()
	}

	assistantID := c.reconcile(ex, p, resp, logger)

	if !resp.IsStream() {
		if resp.Completion == nil {
			return conversation.StatusFailed, errors.New("chat response has neither content nor stream")
		}
		c.apply(p, conversation.MutateSetContent(assistantID, resp.Completion.Content), logger)
		c.recordUsage(p, assistantID, resp.Completion.Usage, logger)
		return conversation.StatusCompleted, nil
	}

	c.apply(p, conversation.MutateSetStatus(conversation.StatusStreaming, nil), logger)

	var dec utf8Decoder
	buf := make([]byte, readBufferSize)
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			logger.Debug().Int("chunks", chunks).Msg("stream cancelled")
			return conversation.StatusCancelled, nil
		}
		n, err := resp.Stream.Read(buf)
		if n > 0 {
			if text := dec.Decode(buf[:n]); text != "" {
				chunks++
				c.apply(p, conversation.MutateAppendContent(assistantID, text), logger)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if rest := dec.Flush(); rest != "" {
				c.apply(p, conversation.MutateAppendContent(assistantID, rest), logger)
			}
			return terminalFor(ctx, err)
		}
	}
	if rest := dec.Flush(); rest != "" {
		c.apply(p, conversation.MutateAppendContent(assistantID, rest), logger)
	}
	logger.Debug().Int("chunks", chunks).Msg("stream finished")
	c.recordUsage(p, assistantID, nil, logger)

	return conversation.StatusCompleted, nil
}

// reconcile replaces the temporary ids with the server ids in one mutation and
// returns the id the assistant message now has.
func (c *Controller) reconcile(ex *Exchange, p *plan, resp *client.ChatResponse, logger zerolog.Logger) conversation.NodeID {
	assistantID := ex.AssistantID
	userID := conversation.NodeID(resp.UserMessageID)
	serverAssistantID := conversation.NodeID(resp.AssistantMessageID)
	if userID == conversation.NullNode && serverAssistantID == conversation.NullNode {
		return assistantID
	}

	var pairs []conversation.IDPair
	if userID != conversation.NullNode {
		pairs = append(pairs, conversation.IDPair{Old: ex.UserID, New: userID})
	}
	if serverAssistantID != conversation.NullNode {
		pairs = append(pairs, conversation.IDPair{Old: ex.AssistantID, New: serverAssistantID})
	}
	c.apply(p, conversation.MutateSetStatus(conversation.StatusReconcilingIDs, nil), logger)
	if err := c.apply(p, conversation.MutateReconcile(pairs...), logger); err != nil {
		// the temporary ids stay valid, keep streaming into the placeholder
		logger.Warn().Err(err).Msg("keeping temporary ids")
		return assistantID
	}

	if serverAssistantID != conversation.NullNode {
		assistantID = serverAssistantID
	}
	logger.Debug().
		Str("server_user_id", userID.String()).
		Str("server_assistant_id", serverAssistantID.String()).
		Msg("reconciled ids")
	return assistantID
}

func (c *Controller) recordUsage(p *plan, assistantID conversation.NodeID, usage *client.Usage, logger zerolog.Logger) {
	if usage == nil && c.tokens == nil {
		return
	}
	c.apply(p, conversation.MutateFunc("record_usage", func(st *conversation.State) error {
		m, ok := st.Tree.Get(assistantID)
		if !ok {
			return nil
		}
		if usage != nil && usage.CompletionTokens > 0 {
			m.TokenCount = usage.CompletionTokens
		} else if c.tokens != nil {
			m.TokenCount = c.tokens.Count(m.Content.Text)
		}
		return nil
	}), logger)
}

// finish records the terminal status and clears the active exchange before
// waiters are released.
func (c *Controller) finish(ex *Exchange, p *plan, status conversation.ExchangeStatus, cause error, logger zerolog.Logger) {
	var surfaced error
	switch status {
	case conversation.StatusFailed:
		ce := Classify(cause)
		surfaced = ce
		logger.Warn().Err(cause).Str("kind", string(ce.Kind)).Msg("exchange failed")
		c.apply(p, conversation.MutateSetStatus(status, ce), logger)
	case conversation.StatusCancelled:
		logger.Debug().Msg("exchange cancelled")
		c.apply(p, conversation.MutateSetStatus(status, nil), logger)
	default:
		logger.Debug().Str("status", string(status)).Msg("exchange finished")
		c.apply(p, conversation.MutateSetStatus(status, nil), logger)
	}
	c.release(ex)
	ex.setResult(status, surfaced)
}

// apply writes an exchange mutation into the view the exchange started in.
func (c *Controller) apply(p *plan, m conversation.Mutation, logger zerolog.Logger) error {
	err := c.store.Apply(conversation.MutateInEpoch(p.epoch, m))
	if err != nil {
		logger.Error().Err(err).Str("mutation", m.Name()).Msg("could not apply mutation")
	}
	return err
}

// terminalFor maps a request error to cancelled or failed.
func terminalFor(ctx context.Context, err error) (conversation.ExchangeStatus, error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return conversation.StatusCancelled, nil
	}
	return conversation.StatusFailed, err
}

// titleFrom suggests a conversation title from the first user message.
func titleFrom(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
