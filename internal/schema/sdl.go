package schema

import (
	"sort"
	"strings"

	language "github.com/hanpama/gqlstream/internal/language"
	"github.com/vektah/gqlparser/v2/ast"
)

// BuildFromSDL validates sdl and converts it into an executable Schema.
//
// Fields of the query root are marked async so a request's root selections
// reach the runtime as one batch. All other fields, including subscription
// roots, resolve synchronously against their parent value.
func BuildFromSDL(sdl string) (*Schema, error) {
	src, err := language.LoadSchema("schema.graphql", sdl)
	if err != nil {
		return nil, err
	}
	return buildFromAST(src), nil
}

func buildFromAST(src *ast.Schema) *Schema {
	s := NewSchema(src.Description)
	s.AST = src
	if src.Query != nil {
		s.SetQueryType(src.Query.Name)
	}
	if src.Mutation != nil {
		s.SetMutationType(src.Mutation.Name)
	}
	if src.Subscription != nil {
		s.SetSubscriptionType(src.Subscription.Name)
	}

	names := make([]string, 0, len(src.Types))
	for name, def := range src.Types {
		if def.BuiltIn || strings.HasPrefix(name, "__") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if t := convert(src, src.Types[name], name == s.QueryType); t != nil {
			s.AddType(t)
		}
	}

	dirNames := make([]string, 0, len(src.Directives))
	for name, d := range src.Directives {
		if d.Position != nil && d.Position.Src != nil && d.Position.Src.BuiltIn {
			continue
		}
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		d := src.Directives[name]
		dir := NewDirective(d.Name, d.Description).SetRepeatable(d.IsRepeatable)
		for _, loc := range d.Locations {
			dir.AddLocation(string(loc))
		}
		for _, a := range d.Arguments {
			dir.AddArgument(NewInputValue(a.Name, a.Description, buildTypeRef(a.Type)).
				SetDefault(defaultValue(a.DefaultValue)))
		}
		s.AddDirective(dir)
	}
	return s
}

func convert(src *ast.Schema, def *ast.Definition, async bool) *Type {
	switch def.Kind {
	case ast.Object, ast.Interface:
		return buildObject(src, def, async)
	case ast.Union:
		t := NewType(def.Name, TypeKindUnion, def.Description)
		for _, member := range def.Types {
			t.AddPossibleType(member)
		}
		return t
	case ast.Enum:
		t := NewType(def.Name, TypeKindEnum, def.Description)
		for _, v := range def.EnumValues {
			ev := NewEnumValue(v.Name, v.Description)
			if reason, ok := deprecation(v.Directives); ok {
				ev.Deprecate(reason)
			}
			t.AddEnumValue(ev)
		}
		return t
	case ast.InputObject:
		t := NewType(def.Name, TypeKindInputObject, def.Description).
			SetOneOf(def.Directives.ForName("oneOf") != nil)
		for _, f := range def.Fields {
			in := NewInputValue(f.Name, f.Description, buildTypeRef(f.Type)).
				SetDefault(defaultValue(f.DefaultValue))
			if reason, ok := deprecation(f.Directives); ok {
				in.Deprecate(reason)
			}
			t.AddInputField(in)
		}
		return t
	case ast.Scalar:
		t := NewType(def.Name, TypeKindScalar, def.Description)
		if d := def.Directives.ForName("specifiedBy"); d != nil {
			if arg := d.Arguments.ForName("url"); arg != nil && arg.Value != nil {
				t.SetSpecifiedByURL(arg.Value.Raw)
			}
		}
		return t
	}
	return nil
}

// MetaTypes converts the introspection types of src, such as __Schema and
// __Type, along with the __schema and __type fields of its query root.
func MetaTypes(src *ast.Schema) ([]*Type, []*Field) {
	var names []string
	for name, def := range src.Types {
		if def.BuiltIn && strings.HasPrefix(name, "__") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	types := make([]*Type, 0, len(names))
	for _, name := range names {
		if t := convert(src, src.Types[name], false); t != nil {
			types = append(types, t)
		}
	}

	var fields []*Field
	if src.Query != nil {
		for _, f := range src.Query.Fields {
			if f.Name != "__schema" && f.Name != "__type" {
				continue
			}
			field := NewField(f.Name, f.Description, buildTypeRef(f.Type))
			for _, a := range f.Arguments {
				field.AddArgument(NewInputValue(a.Name, a.Description, buildTypeRef(a.Type)))
			}
			fields = append(fields, field)
		}
	}
	return types, fields
}

func buildObject(src *ast.Schema, def *ast.Definition, async bool) *Type {
	kind := TypeKindObject
	if def.Kind == ast.Interface {
		kind = TypeKindInterface
	}
	t := NewType(def.Name, kind, def.Description)
	for _, iface := range def.Interfaces {
		t.AddInterface(iface)
	}
	if kind == TypeKindInterface {
		possible := src.GetPossibleTypes(def)
		names := make([]string, 0, len(possible))
		for _, p := range possible {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		for _, n := range names {
			t.AddPossibleType(n)
		}
	}
	for _, f := range def.Fields {
		if strings.HasPrefix(f.Name, "__") {
			continue
		}
		field := NewField(f.Name, f.Description, buildTypeRef(f.Type)).SetAsync(async)
		if reason, ok := deprecation(f.Directives); ok {
			field.Deprecate(reason)
		}
		for _, a := range f.Arguments {
			field.AddArgument(NewInputValue(a.Name, a.Description, buildTypeRef(a.Type)).
				SetDefault(defaultValue(a.DefaultValue)))
		}
		t.AddField(field)
	}
	return t
}

func buildTypeRef(t *ast.Type) *TypeRef {
	if t == nil {
		return nil
	}
	var ref *TypeRef
	if t.Elem != nil {
		ref = ListType(buildTypeRef(t.Elem))
	} else {
		ref = NamedType(t.NamedType)
	}
	if t.NonNull {
		return NonNullType(ref)
	}
	return ref
}

func deprecation(dirs ast.DirectiveList) (string, bool) {
	d := dirs.ForName("deprecated")
	if d == nil {
		return "", false
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw, true
	}
	return "", true
}

func defaultValue(v *ast.Value) any {
	if v == nil {
		return nil
	}
	out, err := v.Value(nil)
	if err != nil {
		return nil
	}
	return out
}
