package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names so contract errors match
// what the inference service produced.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Shape is the declared output contract of a stage.
type Shape interface {
	// Name identifies the contract, e.g. "feature_set".
	Name() string
	// Skeleton is a JSON example of the expected fields for the inference service.
	Skeleton() json.RawMessage
	// Decode validates raw output and returns the typed value.
	Decode(raw json.RawMessage) (any, error)
}

type shape[T any] struct {
	name     string
	skeleton json.RawMessage
}

// NewShape declares a contract backed by the Go type T.
func NewShape[T any](name string) Shape {
	var zero T
	b, err := json.Marshal(skeletonOf(reflect.TypeOf(zero), 0))
	if err != nil {
		b = []byte("{}")
	}
	return &shape[T]{name: name, skeleton: b}
}

func (s *shape[T]) Name() string              { return s.name }
func (s *shape[T]) Skeleton() json.RawMessage { return s.skeleton }

func (s *shape[T]) Decode(raw json.RawMessage) (any, error) {
	v, err := Validate[T](raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ContractError describes why an output was rejected.
type ContractError struct {
	Shape   string
	Reasons []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("output does not match %s: %s", e.Shape, strings.Join(e.Reasons, "; "))
}

// Validate decodes raw into T and enforces its validate tags. Any violation
// rejects the whole output.
func Validate[T any](raw json.RawMessage) (T, error) {
	var out T
	name := reflect.TypeOf(out).Name()

	if len(bytes.TrimSpace(raw)) == 0 {
		return out, &ContractError{Shape: name, Reasons: []string{"empty output"}}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		var zero T
		return zero, &ContractError{Shape: name, Reasons: []string{decodeReason(err)}}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		var zero T
		return zero, &ContractError{Shape: name, Reasons: []string{"trailing data after JSON value"}}
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			reasons := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				reasons = append(reasons, fieldReason(fe))
			}
			var zero T
			return zero, &ContractError{Shape: name, Reasons: reasons}
		}
		var zero T
		return zero, &ContractError{Shape: name, Reasons: []string{err.Error()}}
	}
	return out, nil
}

func decodeReason(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return fmt.Sprintf("field %s: expected %s, got %s", te.Field, te.Type, te.Value)
	}
	return "malformed JSON: " + err.Error()
}

func fieldReason(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return ns + " is required"
	case "oneof":
		return fmt.Sprintf("%s=%v is not one of [%s]", ns, fe.Value(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s=%v is below %s", ns, fe.Value(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s=%v is above %s", ns, fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", ns, fe.Tag())
	}
}

// skeletonOf builds an example value with every JSON field present and one
// element per slice, so the collaborator sees the full field set.
func skeletonOf(t reflect.Type, depth int) any {
	if depth > 6 {
		return nil
	}
	switch t.Kind() {
	case reflect.Ptr:
		return skeletonOf(t.Elem(), depth+1)
	case reflect.Struct:
		m := map[string]any{}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if f.Anonymous {
				if inner, ok := skeletonOf(f.Type, depth+1).(map[string]any); ok {
					for k, v := range inner {
						m[k] = v
					}
				}
				continue
			}
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == "-" {
				continue
			}
			if name == "" {
				name = f.Name
			}
			m[name] = skeletonOf(f.Type, depth+1)
		}
		return m
	case reflect.Slice, reflect.Array:
		return []any{skeletonOf(t.Elem(), depth+1)}
	case reflect.String:
		return ""
	case reflect.Bool:
		return false
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return 0
	case reflect.Float32, reflect.Float64:
		return 0.0
	default:
		return nil
	}
}
