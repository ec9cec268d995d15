package schemas

import "context"

// -- Capture Interface --

// CaptureSource is the query side of the screen capture producer. Each call
// reads one content stream over a time range.
type CaptureSource interface {
	// Query returns the raw items captured between q.StartTime and q.EndTime.
	Query(ctx context.Context, q CaptureQuery) ([]RawCaptureItem, error)
}

// -- Notification Interface --

// Publisher delivers a titled message to the user's inbox. Delivery is best
// effort; callers log and discard the returned error.
type Publisher interface {
	Publish(ctx context.Context, title, body string) error
}

// -- Profile Interface --

// ProfileProvider supplies the user profile text used to fill forms. It may
// re-read its backing store on every call.
type ProfileProvider interface {
	Profile(ctx context.Context) (string, error)
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Detection.
	TierPowerful ModelTier = "powerful" // Plan synthesis.
)

// GenerationOptions controls sampling and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	// ResponseSchema is an optional JSON schema document. Providers that
	// support constrained decoding forward it; others ignore it.
	ResponseSchema map[string]interface{} `json:"response_schema,omitempty"`
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases any resources held by the client.
	Close() error
}
