package llmutil

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

// ErrEmptyResponse is returned when the model answers with nothing but whitespace.
var ErrEmptyResponse = errors.New("LLM returned an empty response")

// CompletionError records which stage of a structured completion failed and
// keeps the raw response for diagnostics.
type CompletionError struct {
	Stage string // "generate", "extract", "validate" or "decode"
	Raw   string
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("structured completion failed at %s: %v", e.Stage, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Complete asks client for a JSON object matching schema and decodes it into
// T. The response is extracted from surrounding prose, validated structurally
// and only then decoded, so callers never see a partially trusted value.
// Timeouts are the caller's responsibility through ctx.
func Complete[T any](ctx context.Context, client schemas.LLMClient, req schemas.GenerationRequest, schema map[string]interface{}) (*T, error) {
	req.Options.ForceJSONFormat = true
	req.Options.ResponseSchema = schema

	raw, err := client.Generate(ctx, req)
	if err != nil {
		return nil, &CompletionError{Stage: "generate", Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		return nil, &CompletionError{Stage: "generate", Err: ErrEmptyResponse}
	}

	obj, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, &CompletionError{Stage: "extract", Raw: raw, Err: err}
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return nil, &CompletionError{Stage: "decode", Raw: raw, Err: err}
	}
	if err := Validate(schema, doc); err != nil {
		return nil, &CompletionError{Stage: "validate", Raw: raw, Err: err}
	}

	var out T
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, &CompletionError{Stage: "decode", Raw: raw, Err: err}
	}
	return &out, nil
}
