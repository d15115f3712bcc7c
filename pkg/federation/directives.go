package federation

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

const (
	keyDirectiveName      = "key"
	externalDirectiveName = "external"
	providesDirectiveName = "provides"
	requiresDirectiveName = "requires"
	extendsDirectiveName  = "extends"

	fieldsArgumentName = "fields"
)

type DirectiveKind int

const (
	DirectiveKindKey DirectiveKind = iota + 1
	DirectiveKindExternal
	DirectiveKindProvides
	DirectiveKindRequires
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveKindKey:
		return keyDirectiveName
	case DirectiveKindExternal:
		return externalDirectiveName
	case DirectiveKindProvides:
		return providesDirectiveName
	case DirectiveKindRequires:
		return requiresDirectiveName
	default:
		return "unknown"
	}
}

// Directive is the typed form of one federation directive occurrence. The set
// of kinds is closed so composition can switch exhaustively; Fields is empty
// for @external.
type Directive struct {
	Kind   DirectiveKind
	Fields FieldSet
}

// parseDirectives extracts the federation directives from an AST directive
// list. Directives outside the federation surface (e.g. @deprecated) pass
// through untouched and are simply not returned here.
func parseDirectives(list ast.DirectiveList) ([]Directive, error) {
	var out []Directive
	for _, directive := range list {
		var kind DirectiveKind
		switch directive.Name {
		case keyDirectiveName:
			kind = DirectiveKindKey
		case externalDirectiveName:
			out = append(out, Directive{Kind: DirectiveKindExternal})
			continue
		case providesDirectiveName:
			kind = DirectiveKindProvides
		case requiresDirectiveName:
			kind = DirectiveKindRequires
		default:
			continue
		}
		fields, err := directiveFieldSet(directive)
		if err != nil {
			return nil, err
		}
		out = append(out, Directive{Kind: kind, Fields: fields})
	}
	return out, nil
}

func directiveFieldSet(directive *ast.Directive) (FieldSet, error) {
	argument := directive.Arguments.ForName(fieldsArgumentName)
	if argument == nil {
		return nil, fmt.Errorf("@%s requires a fields argument", directive.Name)
	}
	if argument.Value == nil || argument.Value.Raw == "" {
		return nil, fmt.Errorf("@%s fields argument must not be empty", directive.Name)
	}
	return ParseFieldSet(argument.Value.Raw)
}

func hasDirective(list ast.DirectiveList, name string) bool {
	return list.ForName(name) != nil
}

// isFederationBuiltin reports whether a type definition belongs to the
// federation machinery itself and must not leak into the composed schema.
func isFederationBuiltin(name string) bool {
	switch name {
	case "_Any", "_FieldSet", "_Entity", "_Service":
		return true
	}
	return false
}
