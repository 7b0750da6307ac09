package validation

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

const codeFailed = "validation_failed"

// Fields maps a JSON field path to the rules it broke.
type Fields map[string][]string

// Add records problem under field, allocating on first use, and returns f.
func (f Fields) Add(field, problem string) Fields {
	if f == nil {
		f = Fields{}
	}
	f[field] = append(f[field], problem)
	return f
}

// ErrorBody is the 400 payload for rejected input.
type ErrorBody struct {
	Error  string `json:"error"`
	Fields Fields `json:"fields"`
}

// MarshalJSON always emits "fields" as an object.
func (b ErrorBody) MarshalJSON() ([]byte, error) {
	type plain ErrorBody
	if b.Fields == nil {
		b.Fields = Fields{}
	}
	return json.Marshal(plain(b))
}

// String renders the body as "field: rule,rule; field: rule" in field order.
func (b ErrorBody) String() string {
	if len(b.Fields) == 0 {
		return b.Error
	}
	keys := make([]string, 0, len(b.Fields))
	for k := range b.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + strings.Join(b.Fields[k], ",")
	}
	return strings.Join(parts, "; ")
}

// ErrorResponse converts a struct validation failure into an ErrorBody keyed by json tag.
// Errors that did not come from the validator keep their message and carry no fields.
func ErrorResponse(err error) ErrorBody {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ErrorBody{Error: err.Error()}
	}
	var f Fields
	for _, fe := range verrs {
		f = f.Add(fieldPath(fe.Namespace()), fe.Tag())
	}
	return ErrorBody{Error: codeFailed, Fields: f}
}

// FieldErrors wraps problems the caller collected itself.
func FieldErrors(f Fields) ErrorBody {
	return ErrorBody{Error: codeFailed, Fields: f}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func jsonTagName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return strings.ToLower(sf.Name)
	}
	return name
}
