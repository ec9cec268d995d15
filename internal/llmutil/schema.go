package llmutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchemaViolation marks a model response whose structure does not match
// the requested schema.
var ErrSchemaViolation = errors.New("LLM response violates result schema")

// SchemaError lists the individual violations found by Validate.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSchemaViolation.Error(), strings.Join(e.Violations, "; "))
}

// Is lets errors.Is match SchemaError against ErrSchemaViolation.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Validate checks doc against a JSON schema expressed as a Go map. An empty
// schema accepts everything.
func Validate(schema map[string]interface{}, doc interface{}) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		violations[i] = desc.String()
	}
	return &SchemaError{Violations: violations}
}
