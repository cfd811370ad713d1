package chatsync

import "github.com/pkg/errors"

// Error taxonomy. Callers match with errors.Is; wrapping sites use
// errors.Wrap/Wrapf so the sentinel stays reachable through the chain.
var (
	// ErrStoreUnavailable covers snapshot and subscribe failures. Recoverable
	// by reopening the conversation.
	ErrStoreUnavailable = errors.New("message store unavailable")

	// ErrPersistenceFailed covers insert/update failures after the message is
	// already visible locally. The reply stays on screen but durability is
	// not guaranteed.
	ErrPersistenceFailed = errors.New("message persistence failed")

	// ErrCompletionFailed covers completion-service failures other than
	// authentication. Surfaced to the user as one synthetic assistant
	// message.
	ErrCompletionFailed = errors.New("completion request failed")

	// ErrAuthRequired is surfaced by the store or completion collaborators
	// when credentials are missing or expired. Propagated for
	// re-authentication, never rendered as a timeline message.
	ErrAuthRequired = errors.New("authentication required")

	// ErrGenerationInFlight is returned when a regeneration is requested
	// while a completion for the same conversation is already running.
	ErrGenerationInFlight = errors.New("completion already in flight")

	// ErrNoOpenConversation is returned by operations that require a bound
	// conversation when none is open.
	ErrNoOpenConversation = errors.New("no open conversation")

	// ErrMessageNotFound is returned when a referenced message id is not
	// present in the timeline.
	ErrMessageNotFound = errors.New("message not found")
)
