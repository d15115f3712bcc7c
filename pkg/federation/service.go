package federation

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// ServiceDefinition is one federated service as configured on the gateway:
// a name, the address the executor will dispatch fetches to, and the raw SDL
// obtained from the service (usually via _service { sdl }). Immutable once
// loaded.
type ServiceDefinition struct {
	Name string
	URL  string
	SDL  string
}

// serviceType is one occurrence of a type within one service, carrying the
// occurrence's own directive annotations. The same type name may occur in many
// services (extension pattern); each occurrence is kept separately until
// composition merges them.
type serviceType struct {
	Service     string
	Name        string
	Kind        ast.DefinitionKind
	IsExtension bool
	Keys        []FieldSet
	Fields      []*serviceField
	Definition  *ast.Definition
}

type serviceField struct {
	Name       string
	Definition *ast.FieldDefinition
	External   bool
	Provides   FieldSet
	Requires   FieldSet
}

func (t *serviceType) field(name string) *serviceField {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// hasKeyMatching reports whether any of the occurrence's @key selections is
// canonically equal to the given one.
func (t *serviceType) hasKeyMatching(key FieldSet) bool {
	want := key.String()
	for _, k := range t.Keys {
		if k.String() == want {
			return true
		}
	}
	return false
}

// parseServiceTypes parses one service's SDL into its type occurrences.
// Both `extend type X` blocks and `type X @extends` mark an extension.
// Federation builtins (_Any, _Service, ...) and directive declarations a
// service may carry in its SDL are skipped; they are gateway machinery, not
// schema content.
func parseServiceTypes(service ServiceDefinition) ([]*serviceType, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: service.Name, Input: service.SDL})
	if err != nil {
		return nil, fmt.Errorf("parse schema of service %q: %w", service.Name, err)
	}

	types := make([]*serviceType, 0, len(doc.Definitions)+len(doc.Extensions))
	for _, definition := range doc.Definitions {
		occurrence, err := newServiceType(service.Name, definition, false)
		if err != nil {
			return nil, err
		}
		if occurrence != nil {
			types = append(types, occurrence)
		}
	}
	for _, extension := range doc.Extensions {
		occurrence, err := newServiceType(service.Name, extension, true)
		if err != nil {
			return nil, err
		}
		if occurrence != nil {
			types = append(types, occurrence)
		}
	}
	return types, nil
}

func newServiceType(service string, definition *ast.Definition, isExtension bool) (*serviceType, error) {
	if isFederationBuiltin(definition.Name) {
		return nil, nil
	}

	occurrence := &serviceType{
		Service:     service,
		Name:        definition.Name,
		Kind:        definition.Kind,
		IsExtension: isExtension || hasDirective(definition.Directives, extendsDirectiveName),
		Definition:  definition,
	}

	typeDirectives, err := parseDirectives(definition.Directives)
	if err != nil {
		return nil, fmt.Errorf("service %q: type %s: %w", service, definition.Name, err)
	}
	for _, directive := range typeDirectives {
		if directive.Kind == DirectiveKindKey {
			occurrence.Keys = append(occurrence.Keys, directive.Fields)
		}
	}

	for _, fieldDefinition := range definition.Fields {
		field := &serviceField{
			Name:       fieldDefinition.Name,
			Definition: fieldDefinition,
		}
		fieldDirectives, err := parseDirectives(fieldDefinition.Directives)
		if err != nil {
			return nil, fmt.Errorf("service %q: field %s.%s: %w", service, definition.Name, fieldDefinition.Name, err)
		}
		for _, directive := range fieldDirectives {
			switch directive.Kind {
			case DirectiveKindExternal:
				field.External = true
			case DirectiveKindProvides:
				field.Provides = directive.Fields
			case DirectiveKindRequires:
				field.Requires = directive.Fields
			}
		}
		occurrence.Fields = append(occurrence.Fields, field)
	}

	return occurrence, nil
}

func isRootTypeName(name string) bool {
	return name == "Query" || name == "Mutation"
}
