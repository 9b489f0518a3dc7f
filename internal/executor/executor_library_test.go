package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	schema "github.com/hanpama/gqlstream/internal/schema"
)

const librarySDL = `
type Book {
  title: String
  author: String
}

type Query {
  books: [Book]
  hello: String
}
`

func bookField(name string) MockResolver {
	return func(_ context.Context, src any, _ map[string]any) (any, error) {
		return src.(map[string]any)[name], nil
	}
}

// Pattern: Result comparison
func TestLibrary_Books_Result(t *testing.T) {
	sch, err := schema.BuildFromSDL(librarySDL)
	require.NoError(t, err)

	awakening := map[string]any{"title": "The Awakening", "author": "Kate Chopin"}
	glass := map[string]any{"title": "City of Glass", "author": "Paul Auster"}
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.books": NewMockValueResolver([]any{awakening, glass}),
		"Query.hello": NewMockValueResolver("Hello"),
		"Book.title":  bookField("title"),
		"Book.author": bookField("author"),
	})
	exec := NewExecutor(rt, sch)
	doc := mustParseQuery(t, "{ hello books { title author } }")

	gotRes := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
	wantRes := &ExecutionResult{
		Data: map[string]any{
			"hello": "Hello",
			"books": []any{
				map[string]any{"title": "The Awakening", "author": "Kate Chopin"},
				map[string]any{"title": "City of Glass", "author": "Paul Auster"},
			},
		},
		Errors: []GraphQLError{},
	}
	if diff := cmp.Diff(wantRes, gotRes); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}

	var gotCalls []string
	for _, c := range rt.GetCalls() {
		gotCalls = append(gotCalls, fmt.Sprintf("%s %s.%s #%d", c.Kind, c.ObjectType, c.Field, c.BatchID))
	}
	wantCalls := []string{
		"async Query.hello #1",
		"async Query.books #1",
		"sync Book.title #0",
		"sync Book.author #0",
		"sync Book.title #0",
		"sync Book.author #0",
	}
	if diff := cmp.Diff(wantCalls, gotCalls); diff != "" {
		t.Fatalf("Runtime calls mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Error propagation
func TestLibrary_BookFieldError_Result(t *testing.T) {
	sch, err := schema.BuildFromSDL(librarySDL)
	require.NoError(t, err)

	rt := NewMockRuntime(map[string]MockResolver{
		"Query.books": NewMockValueResolver([]any{map[string]any{"title": "Ficciones"}}),
		"Book.title":  bookField("title"),
		"Book.author": NewMockErrorResolver(fmt.Errorf("author unknown")),
	})
	gotRes := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ books { title author } }"), "", nil, nil)

	wantData := map[string]any{"books": []any{map[string]any{"title": "Ficciones", "author": nil}}}
	if diff := cmp.Diff(wantData, gotRes.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, gotRes.Errors, 1)
	if diff := cmp.Diff(Path{"books", 0, "author"}, gotRes.Errors[0].Path); diff != "" {
		t.Fatalf("error path mismatch (-want +got):\n%s", diff)
	}
}
