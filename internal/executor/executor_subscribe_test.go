package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schema "github.com/hanpama/gqlstream/internal/schema"
	"github.com/hanpama/gqlstream/internal/source"
)

func newSubscriptionSchema() *schema.Schema {
	sch := newSchemaWithQueryType(
		newObjectType("Query", schema.NewField("hello", "", schema.NamedType("String"))),
		newObjectType("Result", schema.NewField("id", "", schema.NamedType("String"))),
	)
	sch.SetSubscriptionType("Subscription")
	sch.AddType(newObjectType("Subscription",
		schema.NewField("greetings", "", schema.NamedType("String")),
		schema.NewField("changed", "", schema.NamedType("Result")),
		schema.NewField("echo", "", schema.NamedType("String")).
			AddArgument(schema.NewInputValue("prefix", "", schema.NonNullType(schema.NamedType("String")))),
	))
	return sch
}

// passThrough returns the raw event as the field value.
func passThrough(ctx context.Context, src any, args map[string]any) (any, error) {
	return src, nil
}

func collect(t *testing.T, rs *ResponseStream) []*ExecutionResult {
	t.Helper()
	var out []*ExecutionResult
	for {
		res, err := rs.Next(context.Background())
		if errors.Is(err, source.Done) {
			return out
		}
		require.NoError(t, err)
		out = append(out, res)
	}
}

// Pattern: Result comparison
func TestSubscribe_LocalSequence_Result(t *testing.T) {
	rt := NewMockRuntime(map[string]MockResolver{"Subscription.greetings": passThrough})
	rt.SetSource("greetings", func(ctx context.Context, args map[string]any) (source.Stream, error) {
		return source.FromValues("Hello", "Bonjour", "Ciao"), nil
	})
	exec := NewExecutor(rt, newSubscriptionSchema())
	doc := mustParseQuery(t, "subscription { greetings }")

	rs, errs := exec.Subscribe(context.Background(), doc, "", nil)
	require.Empty(t, errs)
	defer rs.Close()
	assert.Equal(t, "greetings", rs.Field())

	want := []*ExecutionResult{
		{Data: map[string]any{"greetings": "Hello"}, Errors: []GraphQLError{}},
		{Data: map[string]any{"greetings": "Bonjour"}, Errors: []GraphQLError{}},
		{Data: map[string]any{"greetings": "Ciao"}, Errors: []GraphQLError{}},
	}
	if diff := cmp.Diff(want, collect(t, rs)); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestSubscribe_TransformAndSelection_Result(t *testing.T) {
	rt := NewMockRuntime(map[string]MockResolver{
		"Subscription.changed": func(ctx context.Context, src any, args map[string]any) (any, error) {
			return src.(map[string]any)["changed"], nil
		},
		"Result.id": func(ctx context.Context, src any, args map[string]any) (any, error) {
			return src.(map[string]any)["id"], nil
		},
	})
	rt.SetSource("changed", func(ctx context.Context, args map[string]any) (source.Stream, error) {
		return source.FromValues(map[string]any{"changed": map[string]any{"id": "OK"}}), nil
	})
	exec := NewExecutor(rt, newSubscriptionSchema())
	doc := mustParseQuery(t, "subscription { renamed: changed { id __typename } }")

	rs, errs := exec.Subscribe(context.Background(), doc, "", nil)
	require.Empty(t, errs)
	defer rs.Close()

	want := []*ExecutionResult{
		{Data: map[string]any{"renamed": map[string]any{"id": "OK", "__typename": "Result"}}, Errors: []GraphQLError{}},
	}
	if diff := cmp.Diff(want, collect(t, rs)); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Calls comparison
func TestSubscribe_ArgumentsReachSource_Calls(t *testing.T) {
	rt := NewMockRuntime(map[string]MockResolver{"Subscription.echo": passThrough})
	var gotArgs map[string]any
	rt.SetSource("echo", func(ctx context.Context, args map[string]any) (source.Stream, error) {
		gotArgs = args
		return source.FromValues(), nil
	})
	exec := NewExecutor(rt, newSubscriptionSchema())
	doc := mustParseQuery(t, `subscription($p: String!) { echo(prefix: $p) }`)

	rs, errs := exec.Subscribe(context.Background(), doc, "", map[string]any{"p": "hi"})
	require.Empty(t, errs)
	defer rs.Close()

	assert.Equal(t, map[string]any{"prefix": "hi"}, gotArgs)
	wantCalls := []Call{{Kind: CallKindSubscribe, ObjectType: "Subscription", Field: "echo", Args: map[string]any{"prefix": "hi"}}}
	if diff := cmp.Diff(wantCalls, rt.GetCalls()); diff != "" {
		t.Fatalf("Runtime calls mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, collect(t, rs))
}

// Pattern: Result comparison
func TestSubscribe_RequestErrors_Result(t *testing.T) {
	tests := []struct {
		name  string
		query string
		op    string
		vars  map[string]any
		setup func(rt *MockRuntime)
		want  []GraphQLError
	}{
		{
			name:  "not a subscription",
			query: "{ hello }",
			want:  []GraphQLError{{Message: "operation is a query, not a subscription"}},
		},
		{
			name:  "unknown operation",
			query: "subscription A { greetings }",
			op:    "B",
			want:  []GraphQLError{{Message: "operation not found"}},
		},
		{
			name:  "unknown field",
			query: "subscription { nope }",
			want:  []GraphQLError{{Message: "Cannot query field 'nope' on type 'Subscription'", Path: Path{"nope"}}},
		},
		{
			name:  "two root fields",
			query: "subscription { greetings changed { id } }",
			want:  []GraphQLError{{Message: "subscription must select exactly one top level field"}},
		},
		{
			name:  "missing variable",
			query: "subscription($p: String!) { echo(prefix: $p) }",
			want:  []GraphQLError{{Message: "variable $p of required type String! was not provided"}},
		},
		{
			name:  "missing argument",
			query: "subscription { echo }",
			want:  []GraphQLError{{Message: "argument 'prefix' of required type was not provided", Path: Path{"echo"}}},
		},
		{
			name:  "source factory failure",
			query: "subscription { greetings }",
			setup: func(rt *MockRuntime) {
				rt.SetSource("greetings", func(ctx context.Context, args map[string]any) (source.Stream, error) {
					return nil, fmt.Errorf("not implemented")
				})
			},
			want: []GraphQLError{{Message: "not implemented", Path: Path{"greetings"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewMockRuntime(nil)
			if tt.setup != nil {
				tt.setup(rt)
			}
			exec := NewExecutor(rt, newSubscriptionSchema())
			doc := mustParseQuery(t, tt.query)
			rs, errs := exec.Subscribe(context.Background(), doc, tt.op, tt.vars)
			assert.Nil(t, rs)
			if diff := cmp.Diff(tt.want, errs); diff != "" {
				t.Fatalf("errors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type queryOnlyRuntime struct{ Runtime }

func TestSubscribe_RuntimeWithoutSubscriptions(t *testing.T) {
	exec := NewExecutor(queryOnlyRuntime{NewMockRuntime(nil)}, newSubscriptionSchema())
	doc := mustParseQuery(t, "subscription { greetings }")

	_, errs := exec.Subscribe(context.Background(), doc, "", nil)
	want := []GraphQLError{{Message: "subscriptions are not supported by this runtime", Path: Path{"greetings"}}}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

type failingStream struct{ closed int }

func (f *failingStream) Next(ctx context.Context) (any, error) {
	return nil, fmt.Errorf("channel lost")
}
func (f *failingStream) Close() error { f.closed++; return nil }

func TestSubscribe_SourceErrorAndClose(t *testing.T) {
	fs := &failingStream{}
	rt := NewMockRuntime(nil)
	rt.SetSource("greetings", func(ctx context.Context, args map[string]any) (source.Stream, error) {
		return fs, nil
	})
	exec := NewExecutor(rt, newSubscriptionSchema())
	rs, errs := exec.Subscribe(context.Background(), mustParseQuery(t, "subscription { greetings }"), "", nil)
	require.Empty(t, errs)

	_, err := rs.Next(context.Background())
	assert.EqualError(t, err, "channel lost")

	require.NoError(t, rs.Close())
	require.NoError(t, rs.Close())
	assert.Equal(t, 1, fs.closed)
}
