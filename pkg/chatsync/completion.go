package chatsync

import "context"

// CompletionResult is the successful outcome of a completion request.
type CompletionResult struct {
	Text        string
	Attachments []Attachment
}

// CompletionClient is the external text-generation service. Implementations
// return an error matching ErrAuthRequired for authentication failures so the
// trigger engine can distinguish them from transient service errors.
type CompletionClient interface {
	Complete(ctx context.Context, convID string, prompt string, model string) (CompletionResult, error)
}
