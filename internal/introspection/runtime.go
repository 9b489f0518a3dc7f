// Package introspection answers __schema and __type queries for a schema
// built from SDL, delegating every other field to the wrapped runtime.
package introspection

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/juju/errors"

	executor "github.com/hanpama/gqlstream/internal/executor"
	schema "github.com/hanpama/gqlstream/internal/schema"
	source "github.com/hanpama/gqlstream/internal/source"
)

// Wrap returns a runtime that resolves introspection fields and the schema
// extended with the types those fields return. Subscriptions are forwarded
// to base when it serves them.
func Wrap(base executor.Runtime, sch *schema.Schema) (executor.Runtime, *schema.Schema) {
	return &runtime{base: base, sch: sch}, extend(sch)
}

type runtime struct {
	base executor.Runtime
	sch  *schema.Schema
}

var _ executor.SubscriptionRuntime = (*runtime)(nil)

func (r *runtime) ResolveSync(ctx context.Context, objectType, field string, src any, args map[string]any) (any, error) {
	if objectType == r.sch.QueryType {
		switch field {
		case "__schema":
			return r.sch, nil
		case "__type":
			name, _ := args["name"].(string)
			if t, ok := r.sch.Types[name]; ok {
				return t, nil
			}
			return nil, nil
		}
	}

	var (
		v  any
		ok bool
	)
	switch s := src.(type) {
	case *schema.Schema:
		v, ok = schemaField(s, field)
	case *schema.Type:
		v, ok = r.typeField(s, field, args)
	case *schema.TypeRef:
		v, ok = r.typeRefField(s, field, args)
	case *schema.Field:
		v, ok = fieldField(s, field, args)
	case *schema.InputValue:
		v, ok = inputValueField(s, field)
	case *schema.EnumValue:
		v, ok = enumValueField(s, field)
	case *schema.Directive:
		v, ok = directiveField(s, field, args)
	}
	if ok {
		return v, nil
	}
	return r.base.ResolveSync(ctx, objectType, field, src, args)
}

func (r *runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	return r.base.BatchResolveAsync(ctx, tasks)
}

func (r *runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return r.base.ResolveType(ctx, abstractType, value)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typ string, value any) (any, error) {
	switch v := value.(type) {
	case schema.TypeKind:
		return string(v), nil
	case schema.TypeRefKind:
		return string(v), nil
	}
	return r.base.SerializeLeafValue(ctx, typ, value)
}

func (r *runtime) Subscribe(ctx context.Context, field string, args map[string]any) (source.Stream, error) {
	sr, ok := r.base.(executor.SubscriptionRuntime)
	if !ok {
		return nil, errors.NotSupportedf("subscription %s", field)
	}
	return sr.Subscribe(ctx, field, args)
}

func schemaField(s *schema.Schema, field string) (any, bool) {
	switch field {
	case "types":
		types := make([]*schema.Type, 0, len(s.Types))
		for _, t := range s.Types {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
		return types, true
	case "queryType":
		return s.GetQueryType(), true
	case "mutationType":
		return s.GetMutationType(), true
	case "subscriptionType":
		return s.GetSubscriptionType(), true
	case "directives":
		dirs := make([]*schema.Directive, 0, len(s.Directives))
		for _, d := range s.Directives {
			dirs = append(dirs, d)
		}
		sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
		return dirs, true
	case "description":
		return optional(s.Description), true
	}
	return nil, false
}

func (r *runtime) typeField(t *schema.Type, field string, args map[string]any) (any, bool) {
	switch field {
	case "kind":
		return t.Kind, true
	case "name":
		return t.Name, true
	case "description":
		return optional(t.Description), true
	case "specifiedByURL":
		if t.SpecifiedByURL == nil {
			return nil, true
		}
		return *t.SpecifiedByURL, true
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil, true
		}
		var out []*schema.Field
		for _, f := range t.Fields {
			if includeDeprecated(args) || !f.IsDeprecated {
				out = append(out, f)
			}
		}
		return nonNil(out), true
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil, true
		}
		return r.named(t.Interfaces), true
	case "possibleTypes":
		if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
			return nil, true
		}
		return r.named(t.PossibleTypes), true
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil, true
		}
		var out []*schema.EnumValue
		for _, ev := range t.EnumValues {
			if includeDeprecated(args) || !ev.IsDeprecated {
				out = append(out, ev)
			}
		}
		return nonNil(out), true
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil, true
		}
		return inputValues(t.InputFields, args), true
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil, true
		}
		return t.OneOf, true
	case "ofType":
		// Named types never wrap another type.
		return nil, true
	}
	return nil, false
}

// typeRefField answers for list and non-null wrappers directly and looks up
// the named type for everything else.
func (r *runtime) typeRefField(tr *schema.TypeRef, field string, args map[string]any) (any, bool) {
	wrapper := tr.Kind == schema.TypeRefKindNonNull || tr.Kind == schema.TypeRefKindList
	switch field {
	case "kind":
		if wrapper {
			return tr.Kind, true
		}
	case "name":
		if wrapper {
			return nil, true
		}
		return tr.Named, true
	case "ofType":
		if wrapper {
			return tr.OfType, true
		}
		return nil, true
	}
	if wrapper {
		return nil, true
	}
	t, ok := r.sch.Types[tr.Named]
	if !ok {
		return nil, true
	}
	return r.typeField(t, field, args)
}

func (r *runtime) named(names []string) []*schema.Type {
	out := make([]*schema.Type, 0, len(names))
	for _, n := range names {
		if t, ok := r.sch.Types[n]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func fieldField(f *schema.Field, field string, args map[string]any) (any, bool) {
	switch field {
	case "name":
		return f.Name, true
	case "description":
		return optional(f.Description), true
	case "args":
		return inputValues(f.Arguments, args), true
	case "type":
		return f.Type, true
	case "isDeprecated":
		return f.IsDeprecated, true
	case "deprecationReason":
		return deprecationReason(f.IsDeprecated, f.DeprecationReason), true
	}
	return nil, false
}

func inputValueField(a *schema.InputValue, field string) (any, bool) {
	switch field {
	case "name":
		return a.Name, true
	case "description":
		return optional(a.Description), true
	case "type":
		return a.Type, true
	case "defaultValue":
		if a.DefaultValue == nil {
			return nil, true
		}
		b, err := json.Marshal(a.DefaultValue)
		if err != nil {
			return nil, true
		}
		return string(b), true
	case "isDeprecated":
		return a.IsDeprecated, true
	case "deprecationReason":
		return deprecationReason(a.IsDeprecated, a.DeprecationReason), true
	}
	return nil, false
}

func enumValueField(ev *schema.EnumValue, field string) (any, bool) {
	switch field {
	case "name":
		return ev.Name, true
	case "description":
		return optional(ev.Description), true
	case "isDeprecated":
		return ev.IsDeprecated, true
	case "deprecationReason":
		return deprecationReason(ev.IsDeprecated, ev.DeprecationReason), true
	}
	return nil, false
}

func directiveField(d *schema.Directive, field string, args map[string]any) (any, bool) {
	switch field {
	case "name":
		return d.Name, true
	case "description":
		return optional(d.Description), true
	case "isRepeatable":
		return d.IsRepeatable, true
	case "locations":
		locs := append([]string(nil), d.Locations...)
		sort.Strings(locs)
		return locs, true
	case "args":
		return inputValues(d.Arguments, args), true
	}
	return nil, false
}

func inputValues(in []*schema.InputValue, args map[string]any) []*schema.InputValue {
	out := []*schema.InputValue{}
	for _, v := range in {
		if includeDeprecated(args) || !v.IsDeprecated {
			out = append(out, v)
		}
	}
	return out
}

func includeDeprecated(args map[string]any) bool {
	b, _ := args["includeDeprecated"].(bool)
	return b
}

func deprecationReason(deprecated bool, reason string) any {
	if !deprecated {
		return nil
	}
	return reason
}

// optional maps an empty description to null.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
