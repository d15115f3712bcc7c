package federation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// FieldSet is the parsed form of a directive "fields" argument, e.g.
// @key(fields: "id organization { id }"). Items keep their declaration order;
// String renders a canonical, sorted form so two field sets compare by text.
type FieldSet []FieldSetItem

type FieldSetItem struct {
	Name       string
	Selections FieldSet
}

// ParseFieldSet parses the space-separated, possibly nested field selection used
// by @key, @provides and @requires. The raw string is wrapped into an anonymous
// operation so the regular query parser does the heavy lifting.
func ParseFieldSet(raw string) (FieldSet, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: "{" + raw + "}"})
	if err != nil {
		return nil, fmt.Errorf("parse field set %q: %w", raw, err)
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("parse field set %q: expected a single selection set", raw)
	}
	return fieldSetFromSelections(raw, doc.Operations[0].SelectionSet)
}

func fieldSetFromSelections(raw string, selections ast.SelectionSet) (FieldSet, error) {
	set := make(FieldSet, 0, len(selections))
	for _, selection := range selections {
		field, ok := selection.(*ast.Field)
		if !ok {
			return nil, fmt.Errorf("parse field set %q: only plain fields are allowed", raw)
		}
		if len(field.Arguments) != 0 {
			return nil, fmt.Errorf("parse field set %q: field %s must not take arguments", raw, field.Name)
		}
		sub, err := fieldSetFromSelections(raw, field.SelectionSet)
		if err != nil {
			return nil, err
		}
		set = append(set, FieldSetItem{Name: field.Name, Selections: sub})
	}
	return set, nil
}

// MustParseFieldSet is ParseFieldSet for statically known inputs, mostly tests.
func MustParseFieldSet(raw string) FieldSet {
	set, err := ParseFieldSet(raw)
	if err != nil {
		panic(err)
	}
	return set
}

func (f FieldSet) Contains(name string) bool {
	for i := range f {
		if f[i].Name == name {
			return true
		}
	}
	return false
}

// SelectionsOf returns the nested field set of a top-level item, nil when the
// item is absent or a leaf.
func (f FieldSet) SelectionsOf(name string) FieldSet {
	for i := range f {
		if f[i].Name == name {
			return f[i].Selections
		}
	}
	return nil
}

// Union merges two field sets, recursively unioning the selections of items
// present in both. The result is sorted by field name.
func (f FieldSet) Union(other FieldSet) FieldSet {
	merged := map[string]FieldSet{}
	order := make([]string, 0, len(f)+len(other))
	for _, set := range []FieldSet{f, other} {
		for _, item := range set {
			if existing, ok := merged[item.Name]; ok {
				merged[item.Name] = existing.Union(item.Selections)
				continue
			}
			merged[item.Name] = item.Selections
			order = append(order, item.Name)
		}
	}
	sort.Strings(order)
	out := make(FieldSet, 0, len(order))
	for _, name := range order {
		out = append(out, FieldSetItem{Name: name, Selections: merged[name]})
	}
	return out
}

// String renders the canonical form: fields sorted by name, nested sets in
// braces. Two field sets describe the same selection iff their strings match.
func (f FieldSet) String() string {
	items := make([]string, 0, len(f))
	for _, item := range f {
		if len(item.Selections) == 0 {
			items = append(items, item.Name)
			continue
		}
		items = append(items, item.Name+" { "+item.Selections.String()+" }")
	}
	sort.Strings(items)
	return strings.Join(items, " ")
}
