package chat

import (
	"context"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// Exchange is one send or edit: a user message, its assistant answer, and the
// handle that cancels the request producing it.
//
// An Exchange is never reused. Cancel is safe to call any number of times, also
// before the request was dispatched or after it finished.
type Exchange struct {
	ID string
	// UserID and AssistantID are the temporary ids the exchange started with.
	UserID      conversation.NodeID
	AssistantID conversation.NodeID
	EditOf      conversation.NodeID

	done chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	status    conversation.ExchangeStatus
	err       error
}

func newExchange(id string, userID, assistantID, editOf conversation.NodeID) *Exchange {
	return &Exchange{
		ID:          id,
		UserID:      userID,
		AssistantID: assistantID,
		EditOf:      editOf,
		done:        make(chan struct{}),
		status:      conversation.StatusOptimisticInserted,
	}
}

// setCancel installs the cancel func of the dispatched request. If Cancel was
// already called, the request is cancelled right away.
func (e *Exchange) setCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	e.mu.Unlock()
}

func (e *Exchange) setResult(status conversation.ExchangeStatus, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.status = status
	e.err = err
	e.cancel = nil
	close(e.done)
}

// Cancel aborts the exchange.
func (e *Exchange) Cancel() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.cancelled = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the exchange reached a terminal status.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange is completed, cancelled or failed. The error is
// the classified *Error of a failed exchange and nil otherwise.
func (e *Exchange) Wait() (conversation.ExchangeStatus, error) {
	if e == nil {
		return "", ErrExchangeNil
	}
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.err
}

// WaitContext is Wait bounded by ctx.
func (e *Exchange) WaitContext(ctx context.Context) (conversation.ExchangeStatus, error) {
	if e == nil {
		return "", ErrExchangeNil
	}
	select {
	case <-e.done:
		return e.Wait()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Exchange) IsRunning() bool {
	if e == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}
