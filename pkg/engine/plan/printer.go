package plan

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// The wire queries are rendered compactly and deterministically: a stable
// textual form keeps plans byte-identical across runs and cache-friendly.

func renderRootQuery(operation ast.Operation, variables []*ast.VariableDefinition, selection ast.SelectionSet) string {
	var b strings.Builder
	b.WriteString(string(operation))
	writeVariableDefinitions(&b, variables)
	b.WriteString(" ")
	writeSelectionSet(&b, selection)
	return b.String()
}

func renderEntityQuery(parentType string, variables []*ast.VariableDefinition, selection ast.SelectionSet) string {
	var b strings.Builder
	b.WriteString("query($representations: [_Any!]!")
	for _, variable := range variables {
		b.WriteString(", ")
		writeVariableDefinition(&b, variable)
	}
	b.WriteString(") {_entities(representations: $representations) {... on ")
	b.WriteString(parentType)
	b.WriteString(" ")
	writeSelectionSet(&b, selection)
	b.WriteString("}}")
	return b.String()
}

func writeVariableDefinitions(b *strings.Builder, variables []*ast.VariableDefinition) {
	if len(variables) == 0 {
		return
	}
	b.WriteString("(")
	for i, variable := range variables {
		if i > 0 {
			b.WriteString(", ")
		}
		writeVariableDefinition(b, variable)
	}
	b.WriteString(")")
}

func writeVariableDefinition(b *strings.Builder, variable *ast.VariableDefinition) {
	b.WriteString("$")
	b.WriteString(variable.Variable)
	b.WriteString(": ")
	b.WriteString(renderType(variable.Type))
	if variable.DefaultValue != nil {
		b.WriteString(" = ")
		b.WriteString(variable.DefaultValue.String())
	}
}

func writeSelectionSet(b *strings.Builder, selection ast.SelectionSet) {
	b.WriteString("{")
	for i, s := range selection {
		if i > 0 {
			b.WriteString(" ")
		}
		switch sel := s.(type) {
		case *ast.Field:
			writeField(b, sel)
		case *ast.InlineFragment:
			b.WriteString("... on ")
			b.WriteString(sel.TypeCondition)
			writeDirectives(b, sel.Directives)
			b.WriteString(" ")
			writeSelectionSet(b, sel.SelectionSet)
		}
	}
	b.WriteString("}")
}

func writeField(b *strings.Builder, field *ast.Field) {
	if field.Alias != "" && field.Alias != field.Name {
		b.WriteString(field.Alias)
		b.WriteString(": ")
	}
	b.WriteString(field.Name)
	if len(field.Arguments) > 0 {
		b.WriteString("(")
		for i, argument := range field.Arguments {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(argument.Name)
			b.WriteString(": ")
			b.WriteString(argument.Value.String())
		}
		b.WriteString(")")
	}
	writeDirectives(b, field.Directives)
	if len(field.SelectionSet) > 0 {
		b.WriteString(" ")
		writeSelectionSet(b, field.SelectionSet)
	}
}

func writeDirectives(b *strings.Builder, directives ast.DirectiveList) {
	for _, directive := range directives {
		b.WriteString(" @")
		b.WriteString(directive.Name)
		if len(directive.Arguments) > 0 {
			b.WriteString("(")
			for i, argument := range directive.Arguments {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(argument.Name)
				b.WriteString(": ")
				b.WriteString(argument.Value.String())
			}
			b.WriteString(")")
		}
	}
}

func renderType(t *ast.Type) string {
	var inner string
	if t.Elem != nil {
		inner = "[" + renderType(t.Elem) + "]"
	} else {
		inner = t.NamedType
	}
	if t.NonNull {
		inner += "!"
	}
	return inner
}

// usedVariables filters the operation's variable definitions down to the ones
// a node's selection actually references, keeping declaration order. Services
// reject operations declaring unused variables.
func usedVariables(operation *ast.OperationDefinition, selection ast.SelectionSet) []*ast.VariableDefinition {
	used := map[string]bool{}
	collectVariables(selection, used)
	if len(used) == 0 {
		return nil
	}
	var out []*ast.VariableDefinition
	for _, definition := range operation.VariableDefinitions {
		if used[definition.Variable] {
			out = append(out, definition)
		}
	}
	return out
}

func collectVariables(selection ast.SelectionSet, used map[string]bool) {
	for _, s := range selection {
		switch sel := s.(type) {
		case *ast.Field:
			for _, argument := range sel.Arguments {
				collectValueVariables(argument.Value, used)
			}
			for _, directive := range sel.Directives {
				for _, argument := range directive.Arguments {
					collectValueVariables(argument.Value, used)
				}
			}
			collectVariables(sel.SelectionSet, used)
		case *ast.InlineFragment:
			for _, directive := range sel.Directives {
				for _, argument := range directive.Arguments {
					collectValueVariables(argument.Value, used)
				}
			}
			collectVariables(sel.SelectionSet, used)
		}
	}
}

func collectValueVariables(value *ast.Value, used map[string]bool) {
	if value == nil {
		return
	}
	if value.Kind == ast.Variable {
		used[value.Raw] = true
	}
	for _, child := range value.Children {
		collectValueVariables(child.Value, used)
	}
}
