package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrNoJSON means the reply contained no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ParseError reports a reply that could not be turned into the expected
// judgment. Callers decide per call whether it is fatal.
type ParseError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse judgment: %s: %v", e.Reason, e.Err)
	}
	return "parse judgment: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode extracts the first JSON object from raw, decodes it into T and
// validates T's struct tags. Every failure is a *ParseError.
func Decode[T any](raw string) (T, error) {
	var out T
	cleaned := stripFences(raw)
	idx := strings.IndexByte(cleaned, '{')
	if idx == -1 {
		return out, &ParseError{Reason: "extract", Raw: raw, Err: ErrNoJSON}
	}

	// Decoder stops after one value, so trailing prose is ignored.
	dec := json.NewDecoder(strings.NewReader(cleaned[idx:]))
	if err := dec.Decode(&out); err != nil {
		return out, &ParseError{Reason: "decode", Raw: raw, Err: err}
	}

	if reflect.Indirect(reflect.ValueOf(out)).Kind() == reflect.Struct {
		if err := validate.Struct(out); err != nil {
			return out, &ParseError{Reason: "validate", Raw: raw, Err: err}
		}
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i != -1 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j != -1 {
			rest = rest[:j]
		}
		if strings.Contains(rest, "{") {
			return strings.TrimSpace(rest)
		}
	}
	return s
}
