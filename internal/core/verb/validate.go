package verb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownVerb        = errors.New("unknown verb")
	ErrInvalidDescription = errors.New("invalid verb description")
)

// ValidationError reports the first schema violation found in a verb description
type ValidationError struct {
	Verb     string
	Property string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("%s: %s", e.Verb, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Verb, e.Property, e.Reason)
}

// Parse splits a single-key verb description into its name and parameters and validates them.
func Parse(desc map[string]any) (string, map[string]any, error) {
	if len(desc) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one key, got %d", ErrInvalidDescription, len(desc))
	}
	var name string
	var raw any
	for k, v := range desc {
		name, raw = k, v
	}
	params, ok := raw.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s value must be an object", ErrInvalidDescription, name)
	}
	if err := Validate(name, params); err != nil {
		return "", nil, err
	}
	return name, params, nil
}

// Validate checks params against the verb's schema.
func Validate(name string, params map[string]any) error {
	schema, ok := verbSchemas[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVerb, name)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return &ValidationError{Verb: name, Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	return firstViolation(name, result.Errors())
}

// ValidateProgram validates every verb in a program; the first violation wins.
func ValidateProgram(program []map[string]any) error {
	for i, desc := range program {
		if _, _, err := Parse(desc); err != nil {
			return fmt.Errorf("verb %d: %w", i, err)
		}
	}
	return nil
}

// lower ranks are reported first; anything unlisted ranks after required
var violationRank = map[string]int{
	"additional_property_not_allowed": 0,
	"invalid_type":                    1,
	"enum":                            1,
	"required":                        2,
}

func rank(e gojsonschema.ResultError) int {
	if r, ok := violationRank[e.Type()]; ok {
		return r
	}
	return len(violationRank)
}

func firstViolation(verbName string, errs []gojsonschema.ResultError) error {
	var (
		best     gojsonschema.ResultError
		bestPath string
	)
	for _, e := range errs {
		path := property(e)
		if best == nil || rank(e) < rank(best) || (rank(e) == rank(best) && path < bestPath) {
			best, bestPath = e, path
		}
	}
	if best == nil {
		return &ValidationError{Verb: verbName, Reason: "invalid"}
	}
	return &ValidationError{Verb: verbName, Property: bestPath, Reason: best.Description()}
}

// property renders the offending location as say.text or input[1]
func property(e gojsonschema.ResultError) string {
	field := strings.TrimPrefix(e.Field(), "(root)")
	field = strings.TrimPrefix(field, ".")

	var segments []string
	if field != "" {
		segments = strings.Split(field, ".")
	}
	switch e.Type() {
	case "required", "additional_property_not_allowed":
		if p, ok := e.Details()["property"].(string); ok && (len(segments) == 0 || segments[len(segments)-1] != p) {
			segments = append(segments, p)
		}
	}

	var b strings.Builder
	for _, seg := range segments {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
