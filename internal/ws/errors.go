package ws

import (
	executor "github.com/hanpama/gqlstream/internal/executor"
	language "github.com/hanpama/gqlstream/internal/language"
)

func fromGraphQLErrors(errs []executor.GraphQLError) []errorObject {
	out := make([]errorObject, len(errs))
	for i, e := range errs {
		out[i] = errorObject{Message: e.Message, Extensions: e.Extensions}
		if len(e.Path) > 0 {
			out[i].Path = make([]any, len(e.Path))
			for j, pe := range e.Path {
				out[i].Path[j] = pe
			}
		}
	}
	return out
}

func fromLanguageErrors(errs language.ErrorList) []errorObject {
	out := make([]errorObject, len(errs))
	for i, e := range errs {
		out[i] = fromLanguageError(e)
	}
	return out
}

func fromLanguageError(e *language.Error) errorObject {
	obj := errorObject{Message: e.Message, Extensions: e.Extensions}
	for _, loc := range e.Locations {
		obj.Locations = append(obj.Locations, errorLocation{Line: loc.Line, Column: loc.Column})
	}
	for _, pe := range e.Path {
		obj.Path = append(obj.Path, pe)
	}
	return obj
}

func fromError(err error) []errorObject {
	return []errorObject{{Message: err.Error()}}
}
