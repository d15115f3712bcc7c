package federation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// FederatedSchema is the merged graph of all composed services. Built once by
// Compose, read-only afterwards, shared across concurrent query executions.
type FederatedSchema struct {
	// Types holds the merged type table keyed by type name.
	Types map[string]*CompositeType
	// SDL is the rendered client-facing schema, free of federation
	// directives and builtins.
	SDL string
	// Schema is the parsed form of SDL, used to validate client operations.
	Schema *ast.Schema
}

// CompositeType is one merged type: the union of the authoritative field
// declarations across all contributing services.
type CompositeType struct {
	Name         string
	Kind         ast.DefinitionKind
	Interfaces   []string
	UnionMembers []string
	EnumValues   []string
	Fields       []*CompositeField
}

func (t *CompositeType) Field(name string) *CompositeField {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// CompositeField is an authoritative field declaration plus the service that
// owns it. @external shadow declarations never become CompositeFields; they
// only satisfy key/requires/provides selections during composition.
type CompositeField struct {
	Name       string
	Owner      string
	Definition *ast.FieldDefinition
}

// TypeName returns the named (innermost) type of the field.
func (f *CompositeField) TypeName() string {
	return namedType(f.Definition.Type)
}

func namedType(t *ast.Type) string {
	for t.Elem != nil {
		t = t.Elem
	}
	return t.NamedType
}

// renderSDL prints the client-facing schema text. Types sort by name so the
// output is identical for any composition input order; federation directives
// are never printed.
func renderSDL(types map[string]*CompositeType) string {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n\n")
		}
		renderType(&b, types[name])
	}
	b.WriteString("\n")
	return b.String()
}

func renderType(b *strings.Builder, t *CompositeType) {
	switch t.Kind {
	case ast.Scalar:
		fmt.Fprintf(b, "scalar %s", t.Name)
	case ast.Enum:
		fmt.Fprintf(b, "enum %s {\n", t.Name)
		for _, value := range t.EnumValues {
			fmt.Fprintf(b, "  %s\n", value)
		}
		b.WriteString("}")
	case ast.Union:
		fmt.Fprintf(b, "union %s = %s", t.Name, strings.Join(t.UnionMembers, " | "))
	case ast.InputObject:
		fmt.Fprintf(b, "input %s {\n", t.Name)
		renderFields(b, t.Fields)
		b.WriteString("}")
	case ast.Interface:
		fmt.Fprintf(b, "interface %s", t.Name)
		renderImplements(b, t.Interfaces)
		b.WriteString(" {\n")
		renderFields(b, t.Fields)
		b.WriteString("}")
	default:
		fmt.Fprintf(b, "type %s", t.Name)
		renderImplements(b, t.Interfaces)
		b.WriteString(" {\n")
		renderFields(b, t.Fields)
		b.WriteString("}")
	}
}

func renderImplements(b *strings.Builder, interfaces []string) {
	if len(interfaces) == 0 {
		return
	}
	fmt.Fprintf(b, " implements %s", strings.Join(interfaces, " & "))
}

func renderFields(b *strings.Builder, fields []*CompositeField) {
	for _, field := range fields {
		b.WriteString("  ")
		b.WriteString(field.Name)
		renderArguments(b, field.Definition.Arguments)
		b.WriteString(": ")
		b.WriteString(renderTypeRef(field.Definition.Type))
		b.WriteString("\n")
	}
}

func renderArguments(b *strings.Builder, arguments ast.ArgumentDefinitionList) {
	if len(arguments) == 0 {
		return
	}
	b.WriteString("(")
	for i, argument := range arguments {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(argument.Name)
		b.WriteString(": ")
		b.WriteString(renderTypeRef(argument.Type))
		if argument.DefaultValue != nil {
			b.WriteString(" = ")
			b.WriteString(argument.DefaultValue.String())
		}
	}
	b.WriteString(")")
}

func renderTypeRef(t *ast.Type) string {
	var inner string
	if t.Elem != nil {
		inner = "[" + renderTypeRef(t.Elem) + "]"
	} else {
		inner = t.NamedType
	}
	if t.NonNull {
		inner += "!"
	}
	return inner
}

// loadClientSchema parses and validates the rendered SDL into the schema used
// for client-query validation.
func loadClientSchema(sdl string) (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "federated", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("load federated schema: %w", err)
	}
	return schema, nil
}
