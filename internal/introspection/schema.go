package introspection

import (
	schema "github.com/hanpama/gqlstream/internal/schema"
)

// extend copies sch and adds the introspection types and the __schema and
// __type query fields. The original schema is left untouched so introspection
// results never list the meta types.
func extend(sch *schema.Schema) *schema.Schema {
	out := &schema.Schema{
		QueryType:        sch.QueryType,
		MutationType:     sch.MutationType,
		SubscriptionType: sch.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(sch.Types)),
		Directives:       sch.Directives,
		Description:      sch.Description,
		AST:              sch.AST,
	}
	for name, t := range sch.Types {
		out.Types[name] = t
	}
	if sch.AST == nil {
		return out
	}

	types, rootFields := schema.MetaTypes(sch.AST)
	for _, t := range types {
		out.AddType(t)
	}
	if q := sch.GetQueryType(); q != nil {
		root := *q
		root.Fields = append(append([]*schema.Field(nil), q.Fields...), rootFields...)
		out.Types[root.Name] = &root
	}
	return out
}
