package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// ErrNoJSONObject is returned when the text contains no {...} span.
var ErrNoJSONObject = errors.New("no JSON object found")

// Checkable is implemented by decoded records with invariants beyond the schema.
type Checkable interface {
	Check() error
}

// ExtractJSON returns the span from the first '{' to the last '}' of raw.
// Surrounding prose and code fences are discarded.
func ExtractJSON(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", fmt.Errorf("%w: missing '{'", ErrNoJSONObject)
	}
	end := strings.LastIndexByte(raw, '}')
	if end < start {
		return "", fmt.Errorf("%w: missing '}' after '{'", ErrNoJSONObject)
	}
	return raw[start : end+1], nil
}

// Decoder decodes model output into T after validating it against a JSON schema.
type Decoder[T any] struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles schemaJSON. It panics on an invalid schema, so decoders
// are meant to be package-level values.
func NewDecoder[T any](name, schemaJSON string) *Decoder[T] {
	return &Decoder[T]{schema: jsonschema.MustCompileString(name+".schema.json", schemaJSON)}
}

// Decode extracts, schema-checks, and unmarshals raw. If *T implements
// Checkable, Check runs last. Any failure is returned as an error, never a panic.
func (d *Decoder[T]) Decode(raw string) (T, error) {
	var out T

	body, err := ExtractJSON(raw)
	if err != nil {
		return out, err
	}
	if !gjson.Valid(body) {
		return out, errors.New("malformed JSON")
	}

	if d.schema != nil {
		var doc any
		dec := json.NewDecoder(strings.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return out, fmt.Errorf("decode JSON: %w", err)
		}
		if err := d.schema.Validate(doc); err != nil {
			return out, fmt.Errorf("schema mismatch: %s", schemaMessage(err))
		}
	}

	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("decode JSON: %w", err)
	}
	if c, ok := any(&out).(Checkable); ok {
		if err := c.Check(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// schemaMessage flattens a jsonschema validation error into one line.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, fmt.Sprintf("at '%s': %s", loc, e.Message))
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(parts) == 0 {
		return ve.Message
	}
	return strings.Join(parts, "; ")
}
