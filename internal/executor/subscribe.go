package executor

import (
	"context"
	"fmt"
	"sync"

	language "github.com/hanpama/gqlstream/internal/language"
	"github.com/hanpama/gqlstream/internal/source"
)

// ResponseStream maps each value of a subscription source to an execution
// result of the subscription's selection set.
type ResponseStream struct {
	exec          *Executor
	document      *language.QueryDocument
	operationName string
	variables     map[string]any
	source        source.Stream
	field         string

	closeOnce sync.Once
	closeErr  error
}

// Subscribe creates the source stream for a subscription operation. Errors
// that prevent the stream from being created are returned as request
// errors; the caller reports them and must not call Next.
func (e *Executor) Subscribe(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
) (*ResponseStream, []GraphQLError) {
	operation := getOperation(document, operationName)
	if operation == nil {
		return nil, []GraphQLError{{Message: "operation not found"}}
	}
	if operation.Operation != language.Subscription {
		return nil, []GraphQLError{{Message: fmt.Sprintf("operation is a %s, not a subscription", operation.Operation)}}
	}

	coerced, err := coerceVariableValues(e.schema, operation, variableValues)
	if err != nil {
		return nil, []GraphQLError{{Message: err.Error()}}
	}

	rootType := e.schema.GetSubscriptionType()
	if rootType == nil {
		return nil, []GraphQLError{{Message: "root type not found for subscription operation"}}
	}

	state := &executionState{
		runtime:        e.runtime,
		schema:         e.schema,
		document:       document,
		variableValues: coerced,
		context:        ctx,
		errors:         []GraphQLError{},
	}

	grouped := collectFields(state, rootType, operation.SelectionSet).orderedFields()
	if len(grouped) != 1 {
		return nil, []GraphQLError{{Message: "subscription must select exactly one top level field"}}
	}
	responseName := grouped[0].ResponseName
	field := grouped[0].Fields[0]
	path := Path{responseName}

	fieldDef := getFieldDefinition(rootType, field.Name)
	if fieldDef == nil {
		return nil, []GraphQLError{{
			Message: fmt.Sprintf("Cannot query field '%s' on type '%s'", field.Name, rootType.Name),
			Path:    path,
		}}
	}

	args := coerceArgumentValues(fieldDef, field.Arguments, coerced, state, path)
	if len(state.errors) > 0 {
		return nil, state.errors
	}

	rt, ok := e.runtime.(SubscriptionRuntime)
	if !ok {
		return nil, []GraphQLError{{Message: "subscriptions are not supported by this runtime", Path: path}}
	}
	stream, err := rt.Subscribe(ctx, field.Name, args)
	if err != nil {
		return nil, []GraphQLError{{Message: err.Error(), Path: path}}
	}

	return &ResponseStream{
		exec:          e,
		document:      document,
		operationName: operationName,
		variables:     variableValues,
		source:        stream,
		field:         field.Name,
	}, nil
}

// Field returns the subscription root field the stream serves.
func (s *ResponseStream) Field() string { return s.field }

// Next waits for the next source value and executes the selection set with
// it as the root value. It returns source.Done once the source completes and
// the source's error if it fails.
func (s *ResponseStream) Next(ctx context.Context) (*ExecutionResult, error) {
	event, err := s.source.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.exec.ExecuteRequest(ctx, s.document, s.operationName, s.variables, event), nil
}

// Close releases the source. It is safe to call more than once.
func (s *ResponseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.source.Close()
	})
	return s.closeErr
}
