// Package action implements the action dispatcher component (C9): a
// path-keyed registry of in-process handlers with optional request/response
// signature validation, per spec.md §4.7.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// FieldKind is the JSON type a Signature field must hold.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldBool
	FieldObject
	FieldArray
)

// Field describes one named field of a request/response body.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// Signature is a minimal, reflection-validated stand-in for a JSON Schema:
// named fields with a kind and required/optional flag — matching spec.md's
// "machine-readable JSON schema" glossary entry without pulling in a full
// schema-validation library nothing else in this module would exercise.
type Signature struct {
	Fields []Field
	Strict bool // reject fields not named in Fields, per spec.md §4.7
}

// Validate checks that the decoded JSON value body satisfies sig: every
// required field present with the declared kind, every present field (even
// optional) with the declared kind if present, and — when Strict — no
// fields beyond those named in Fields.
func (sig Signature) Validate(body map[string]any) error {
	for _, f := range sig.Fields {
		v, present := body[f.Name]

		if !present {
			if f.Required {
				return httperr.New(httperr.KindMalformedRequest, fmt.Sprintf("missing required field %q", f.Name))
			}

			continue
		}

		if !kindMatches(f.Kind, v) {
			return httperr.New(httperr.KindMalformedRequest, fmt.Sprintf("field %q has wrong type", f.Name))
		}
	}

	if sig.Strict {
		allowed := make(map[string]bool, len(sig.Fields))
		for _, f := range sig.Fields {
			allowed[f.Name] = true
		}

		for name := range body {
			if !allowed[name] {
				return httperr.New(httperr.KindMalformedRequest, fmt.Sprintf("unexpected field %q", name))
			}
		}
	}

	return nil
}

func kindMatches(kind FieldKind, v any) bool {
	if v == nil {
		return false
	}

	switch kind {
	case FieldString:
		_, ok := v.(string)

		return ok
	case FieldNumber:
		_, ok := v.(float64)

		return ok
	case FieldBool:
		_, ok := v.(bool)

		return ok
	case FieldObject:
		return reflect.TypeOf(v).Kind() == reflect.Map
	case FieldArray:
		return reflect.TypeOf(v).Kind() == reflect.Slice
	default:
		return false
	}
}

// Handler processes a decoded action request body and returns the value to
// be JSON-encoded as the response.
type Handler func(ctx context.Context, body map[string]any) (any, error)

// Action pairs a handler with its optional request/response signatures.
type Action struct {
	Handler        Handler
	RequestSchema  *Signature
	ResponseSchema *Signature
}

// Registry is a path-keyed table of Actions. Safe for concurrent use; the
// table is built once at startup and read per-request, matching the
// read-mostly locking discipline used throughout this module (see
// hostconfig.Host for the same pattern over the route table).
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces the Action served at path.
func (r *Registry) Register(path string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions[path] = a
}

// Lookup returns the Action registered at path.
func (r *Registry) Lookup(path string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[path]

	return a, ok
}

// Dispatch decodes rawBody as JSON (or treats a nil/empty body as an empty
// object), validates it against the action's request signature if any,
// invokes the handler, validates the result against the response signature
// if any, and returns the JSON-encoded response body.
func Dispatch(ctx context.Context, a Action, rawBody []byte) ([]byte, error) {
	body := map[string]any{}

	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			return nil, httperr.Wrap(httperr.KindMalformedRequest, "invalid JSON body", err)
		}
	}

	if a.RequestSchema != nil {
		if err := a.RequestSchema.Validate(body); err != nil {
			return nil, err
		}
	}

	result, err := a.Handler(ctx, body)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "action handler failed", err)
	}

	if a.ResponseSchema != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, httperr.Wrap(httperr.KindInternal, "could not encode action response", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(encoded, &decoded); err == nil {
			if err := a.ResponseSchema.Validate(decoded); err != nil {
				return nil, httperr.Wrap(httperr.KindInternal, "action response violates its own signature", err)
			}
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "could not encode action response", err)
	}

	return out, nil
}
