package action

import (
	"context"
	"testing"

	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("/api/ping", Action{Handler: func(context.Context, map[string]any) (any, error) {
		return map[string]any{"pong": true}, nil
	}})

	a, ok := r.Lookup("/api/ping")
	require.True(t, ok)
	require.NotNil(t, a.Handler)
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup("/nope")
	assert.False(t, ok)
}

func TestDispatch_NoSchema(t *testing.T) {
	a := Action{Handler: func(_ context.Context, body map[string]any) (any, error) {
		return map[string]any{"echo": body["name"]}, nil
	}}

	out, err := Dispatch(context.Background(), a, []byte(`{"name":"alice"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"alice"}`, string(out))
}

func TestDispatch_RequestSchemaMissingRequiredField(t *testing.T) {
	a := Action{
		RequestSchema: &Signature{Fields: []Field{{Name: "name", Kind: FieldString, Required: true}}},
		Handler:       func(context.Context, map[string]any) (any, error) { return map[string]any{}, nil },
	}

	_, err := Dispatch(context.Background(), a, []byte(`{}`))
	he, ok := err.(*httperr.Error)
	require.True(t, ok)
	assert.Equal(t, httperr.KindMalformedRequest, he.Kind)
}

func TestDispatch_RequestSchemaWrongType(t *testing.T) {
	a := Action{
		RequestSchema: &Signature{Fields: []Field{{Name: "count", Kind: FieldNumber, Required: true}}},
		Handler:       func(context.Context, map[string]any) (any, error) { return map[string]any{}, nil },
	}

	_, err := Dispatch(context.Background(), a, []byte(`{"count":"not-a-number"}`))
	require.Error(t, err)
}

func TestDispatch_InvalidJSONBody(t *testing.T) {
	a := Action{Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}

	_, err := Dispatch(context.Background(), a, []byte(`{not json`))
	he, ok := err.(*httperr.Error)
	require.True(t, ok)
	assert.Equal(t, httperr.KindMalformedRequest, he.Kind)
}

func TestDispatch_EmptyBodyTreatedAsEmptyObject(t *testing.T) {
	a := Action{Handler: func(_ context.Context, body map[string]any) (any, error) {
		assert.Empty(t, body)

		return map[string]any{"ok": true}, nil
	}}

	_, err := Dispatch(context.Background(), a, nil)
	require.NoError(t, err)
}

func TestSignature_OptionalFieldValidatedWhenPresent(t *testing.T) {
	sig := Signature{Fields: []Field{{Name: "tag", Kind: FieldString, Required: false}}}

	assert.NoError(t, sig.Validate(map[string]any{}))
	assert.NoError(t, sig.Validate(map[string]any{"tag": "x"}))
	assert.Error(t, sig.Validate(map[string]any{"tag": 5.0}))
}

func TestSignature_StrictModeRejectsExtraFields(t *testing.T) {
	sig := Signature{Strict: true, Fields: []Field{{Name: "tag", Kind: FieldString}}}

	assert.NoError(t, sig.Validate(map[string]any{"tag": "x"}))
	assert.Error(t, sig.Validate(map[string]any{"tag": "x", "extra": "y"}))
}

func TestSignature_NonStrictModeAllowsExtraFields(t *testing.T) {
	sig := Signature{Fields: []Field{{Name: "tag", Kind: FieldString}}}

	assert.NoError(t, sig.Validate(map[string]any{"tag": "x", "extra": "y"}))
}
