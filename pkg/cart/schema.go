package cart

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed request.schema.json
var requestSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(requestSchema)

// SchemaError lists every field that failed schema validation.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "request validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrInvalidRequest }

// Envelope is a request document as submitted by a caller. ConfirmFormat is the
// caller's acknowledgement that the device will be erased; it is not part of the build.
type Envelope struct {
	Request
	ConfirmFormat bool `json:"confirmFormat"`
}

// DecodeRequest parses a JSON or YAML request document and validates it against the
// embedded schema. Defaults are not applied.
func DecodeRequest(data []byte) (Envelope, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if doc == nil {
		return Envelope{}, fmt.Errorf("%w: empty document", ErrInvalidRequest)
	}
	// Steam ids are numeric in most sources; the build treats them as opaque strings.
	if v, ok := doc["appId"].(int); ok {
		doc["appId"] = fmt.Sprint(v)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("schema: %w", err)
	}
	if !res.Valid() {
		problems := []string{}
		for _, e := range res.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return Envelope{}, &SchemaError{Problems: problems}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return env, nil
}
