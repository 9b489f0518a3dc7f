// Package resolver implements the library schema: books, hello and the
// greetings, postCreated and somethingChanged subscriptions.
package resolver

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	executor "github.com/hanpama/gqlstream/internal/executor"
	"github.com/hanpama/gqlstream/internal/pubsub"
	schema "github.com/hanpama/gqlstream/internal/schema"
	"github.com/hanpama/gqlstream/internal/source"
)

//go:embed schema.graphql
var sdl string

// TopicSomethingChanged carries the payload published by the hello query.
const TopicSomethingChanged = "something_changed"

// Greetings is the sequence emitted by the greetings subscription.
var Greetings = []string{"Hello", "Bonjour", "Ciao"}

// SDL returns the schema source.
func SDL() string { return sdl }

var loadSchema = sync.OnceValues(func() (*schema.Schema, error) {
	return schema.BuildFromSDL(sdl)
})

// Schema returns the executable schema. It is built once and shared.
func Schema() (*schema.Schema, error) { return loadSchema() }

type Book struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

type Post struct {
	Comment string `json:"comment"`
	Author  string `json:"author"`
}

type Result struct {
	ID string `json:"id"`
}

// DefaultBooks is the static catalogue served by the books query.
var DefaultBooks = []Book{
	{Title: "The Awakening", Author: "Kate Chopin"},
	{Title: "City of Glass", Author: "Paul Auster"},
}

// SomethingChangedPayload is what hello publishes on TopicSomethingChanged.
func SomethingChangedPayload() map[string]any {
	return map[string]any{"somethingChanged": map[string]any{"id": "OK"}}
}

// Runtime resolves the library schema. It is safe for concurrent use.
type Runtime struct {
	ps     pubsub.PubSub
	logger *logrus.Entry
	books  []Book
}

var (
	_ executor.Runtime             = (*Runtime)(nil)
	_ executor.SubscriptionRuntime = (*Runtime)(nil)
)

type Option func(*Runtime)

func WithLogger(l *logrus.Entry) Option { return func(r *Runtime) { r.logger = l } }
func WithBooks(books ...Book) Option {
	return func(r *Runtime) { r.books = append([]Book(nil), books...) }
}

// New returns a Runtime publishing to and subscribing from ps.
func New(ps pubsub.PubSub, opts ...Option) *Runtime {
	r := &Runtime{ps: ps, books: DefaultBooks}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = logrus.WithField("component", "resolver")
	}
	return r
}

func (r *Runtime) ResolveSync(ctx context.Context, objectType string, field string, src any, args map[string]any) (any, error) {
	switch objectType {
	case "Query":
		return r.resolveQuery(ctx, field, args)
	case "Subscription":
		return transform(field, src)
	case "Book", "Post", "Result":
		return project(objectType, field, src)
	}
	return nil, errors.NotFoundf("resolver for %s.%s", objectType, field)
}

func (r *Runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	results := make([]executor.AsyncResolveResult, len(tasks))
	for i, task := range tasks {
		var (
			v   any
			err error
		)
		if task.ObjectType == "Query" {
			v, err = r.resolveQuery(ctx, task.Field, task.Args)
		} else {
			v, err = r.ResolveSync(ctx, task.ObjectType, task.Field, task.Source, task.Args)
		}
		results[i] = executor.AsyncResolveResult{Value: v, Error: err}
	}
	return results
}

func (r *Runtime) resolveQuery(ctx context.Context, field string, args map[string]any) (any, error) {
	switch field {
	case "books":
		return append([]Book(nil), r.books...), nil
	case "hello":
		return r.hello(ctx), nil
	}
	return nil, errors.NotFoundf("resolver for Query.%s", field)
}

// hello publishes SomethingChangedPayload and returns "Hello". A failed
// publish is logged and does not fail the query.
func (r *Runtime) hello(ctx context.Context) string {
	if err := r.ps.Publish(ctx, TopicSomethingChanged, SomethingChangedPayload()); err != nil {
		r.logger.WithError(err).WithField("topic", TopicSomethingChanged).Warn("publish failed")
	}
	return "Hello"
}

// Subscribe implements executor.SubscriptionRuntime.
func (r *Runtime) Subscribe(ctx context.Context, field string, args map[string]any) (source.Stream, error) {
	switch field {
	case "greetings":
		values := make([]any, len(Greetings))
		for i, g := range Greetings {
			values[i] = g
		}
		return source.FromValues(values...), nil
	case "somethingChanged":
		return source.FromTopic(ctx, r.ps, TopicSomethingChanged)
	case "postCreated":
		return nil, errors.NotImplementedf("subscription postCreated")
	}
	return nil, errors.NotFoundf("subscription field %q", field)
}

func (r *Runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return "", errors.NotSupportedf("abstract type %s", abstractType)
}

func (r *Runtime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	switch typeName {
	case "String", "ID":
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return fmt.Sprint(value), nil
	case "Boolean":
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case "Int":
		switch v := value.(type) {
		case int, int32, int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		}
	case "Float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	default:
		return value, nil
	}
	return nil, errors.NotValidf("%T value %v for %s", value, value, typeName)
}

// transform turns a raw subscription value into the root field's value.
// Published payloads are wrapped under the field name, as in
// {"somethingChanged": {"id": "OK"}}; local sequences yield the value itself.
func transform(field string, src any) (any, error) {
	switch v := src.(type) {
	case map[string]any:
		inner, ok := v[field]
		if !ok {
			return nil, errors.NotValidf("payload without %q", field)
		}
		return inner, nil
	case Result, *Result, Post, *Post:
		return v, nil
	}
	return src, nil
}

// project reads a field off a Book, Post or Result, given either as the Go
// struct or as a decoded JSON object.
func project(objectType, field string, src any) (any, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v[field], nil
	case Book:
		return bookField(v, field)
	case *Book:
		return bookField(*v, field)
	case Post:
		return postField(v, field)
	case *Post:
		return postField(*v, field)
	case Result:
		return resultField(v, field)
	case *Result:
		return resultField(*v, field)
	}
	return nil, errors.NotValidf("%T as %s", src, objectType)
}

func bookField(b Book, field string) (any, error) {
	switch field {
	case "title":
		return b.Title, nil
	case "author":
		return b.Author, nil
	}
	return nil, errors.NotFoundf("field Book.%s", field)
}

func postField(p Post, field string) (any, error) {
	switch field {
	case "comment":
		return p.Comment, nil
	case "author":
		return p.Author, nil
	}
	return nil, errors.NotFoundf("field Post.%s", field)
}

func resultField(r Result, field string) (any, error) {
	if field == "id" {
		return r.ID, nil
	}
	return nil, errors.NotFoundf("field Result.%s", field)
}
