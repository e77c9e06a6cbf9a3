// Package completion abstracts the LLM transport used by agent steps.
//
// A Client streams one completion at a time; the engine never talks to a
// provider SDK directly. Failures returned from Stream are classified here,
// at the boundary: transport problems are network, credential refusals are
// api_key, quota and billing refusals are balance. Token counts in the
// response are estimates; provider-reported usage is not read.
package completion

import "context"

// Roles for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of model input.
type Message struct {
	Role    string
	Content string
}

// Request describes a single completion call.
type Request struct {
	// Model overrides the configured model for this call. Empty uses the
	// client default.
	Model string

	// Temperature for generation. Zero leaves the provider default in place.
	Temperature float64

	// System is the system prompt for this turn.
	System string

	// Messages is the conversation so far, oldest first. The final user
	// message is the current turn.
	Messages []Message
}

// Usage holds estimated token counts for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the accumulated result of a streamed completion.
type Response struct {
	Text  string
	Usage Usage
}

// Client streams completions. onChunk receives text fragments as they
// arrive; returning an error from it aborts the stream. The returned
// Response carries the full text even when chunks were delivered.
type Client interface {
	Stream(ctx context.Context, req Request, onChunk func(text string) error) (*Response, error)
}
