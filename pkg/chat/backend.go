package chat

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/client"
)

// Backend is the conversation service the controller talks to: the container
// store plus the completion endpoint.
//
// *client.Client is the HTTP implementation.
type Backend interface {
	CreateConversation(ctx context.Context, title, model string) (string, error)
	// Complete returns once the response headers are known. Streamed answers are
	// read from the response's Stream, which the controller closes.
	Complete(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error)
	LoadConversation(ctx context.Context, id string) (*client.StoredConversation, error)
}

var _ Backend = (*client.Client)(nil)

// TokenCounter counts the tokens of a message text.
type TokenCounter interface {
	Count(text string) int
}
