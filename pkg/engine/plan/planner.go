package plan

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/graphgate/graphgate/pkg/federation"
)

// PlanningError signals that a validated operation could not be mapped onto
// any service. With a consistent composition and upstream validation this is
// an internal-consistency fault, not a user error.
type PlanningError struct {
	TypeName  string
	FieldName string
	Message   string
}

func (e *PlanningError) Error() string {
	switch {
	case e.TypeName == "":
		return "planning: " + e.Message
	case e.FieldName == "":
		return fmt.Sprintf("planning: %s: %s", e.TypeName, e.Message)
	default:
		return fmt.Sprintf("planning: %s.%s: %s", e.TypeName, e.FieldName, e.Message)
	}
}

// Planner turns validated client operations into QueryPlans. Safe for
// concurrent use; all state lives per Plan call.
type Planner struct {
	schema    *federation.FederatedSchema
	ownership *federation.OwnershipMap
}

func NewPlanner(schema *federation.FederatedSchema, ownership *federation.OwnershipMap) *Planner {
	return &Planner{schema: schema, ownership: ownership}
}

// Plan decomposes one operation of the document. Planning the same operation
// against the same schema twice yields structurally identical plans.
func (p *Planner) Plan(doc *ast.QueryDocument, operationName string) (*QueryPlan, error) {
	operation := doc.Operations.ForName(operationName)
	if operation == nil && operationName == "" && len(doc.Operations) == 1 {
		operation = doc.Operations[0]
	}
	if operation == nil {
		return nil, &PlanningError{Message: fmt.Sprintf("operation %q not found", operationName)}
	}

	var rootType string
	switch operation.Operation {
	case ast.Query:
		rootType = "Query"
	case ast.Mutation:
		rootType = "Mutation"
	default:
		return nil, &PlanningError{Message: fmt.Sprintf("%s operations are not supported", operation.Operation)}
	}
	if _, ok := p.schema.Types[rootType]; !ok {
		return nil, &PlanningError{TypeName: rootType, Message: "type not present in the federated schema"}
	}

	v := &visitor{
		planner:   p,
		plan:      &QueryPlan{},
		doc:       doc,
		operation: operation,
	}
	if err := v.planRoots(rootType); err != nil {
		return nil, err
	}
	v.render()
	return v.plan, nil
}

type visitor struct {
	planner   *Planner
	plan      *QueryPlan
	doc       *ast.QueryDocument
	operation *ast.OperationDefinition
}

// planRoots splits the top-level selection by owning service: one root
// FetchNode per service that owns at least one selected root field,
// preserving the order services are first encountered in the query.
func (v *visitor) planRoots(rootType string) error {
	fields, err := v.flatten(rootType, v.operation.SelectionSet)
	if err != nil {
		return err
	}

	type rootGroup struct {
		service string
		fields  []*ast.Field
	}
	var groups []*rootGroup
	for _, field := range fields {
		owner, ok := v.planner.ownership.FieldOwner(rootType, field.Name)
		if !ok {
			return &PlanningError{TypeName: rootType, FieldName: field.Name, Message: "no service owns this root field"}
		}
		var group *rootGroup
		for _, g := range groups {
			if g.service == owner {
				group = g
				break
			}
		}
		if group == nil {
			group = &rootGroup{service: owner}
			groups = append(groups, group)
		}
		group.fields = append(group.fields, field)
	}

	for _, group := range groups {
		node := v.plan.newNode(group.service, "", nil)
		v.plan.Roots = append(v.plan.Roots, node.ID)
		for _, field := range group.fields {
			kept, err := v.visitField(node, rootType, field, nil, nil)
			if err != nil {
				return err
			}
			node.selection = append(node.selection, kept)
		}
	}
	return nil
}

// flatten resolves fragment spreads and same-type inline fragments into a
// plain field list. Fragments on other type conditions are handled by
// visitSelectionSet, not here; the root selection of a Query never has them.
func (v *visitor) flatten(parentType string, selections ast.SelectionSet) ([]*ast.Field, error) {
	var out []*ast.Field
	for _, selection := range selections {
		switch s := selection.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			if s.TypeCondition != "" && s.TypeCondition != parentType {
				return nil, &PlanningError{TypeName: parentType, Message: fmt.Sprintf("unexpected fragment on %s at the root", s.TypeCondition)}
			}
			nested, err := v.flatten(parentType, s.SelectionSet)
			if err != nil {
				return nil, err
			}
			out = append(out, withFragmentDirectives(nested, s.Directives)...)
		case *ast.FragmentSpread:
			fragment := v.doc.Fragments.ForName(s.Name)
			if fragment == nil {
				return nil, &PlanningError{Message: fmt.Sprintf("fragment %q not found", s.Name)}
			}
			if fragment.TypeCondition != parentType {
				return nil, &PlanningError{TypeName: parentType, Message: fmt.Sprintf("unexpected fragment on %s at the root", fragment.TypeCondition)}
			}
			nested, err := v.flatten(parentType, fragment.SelectionSet)
			if err != nil {
				return nil, err
			}
			out = append(out, withFragmentDirectives(nested, s.Directives)...)
		}
	}
	return out, nil
}

// withFragmentDirectives re-attaches the directives of a flattened fragment
// to the fields it contained, so @skip and @include conditions are not lost.
func withFragmentDirectives(fields []*ast.Field, directives ast.DirectiveList) []*ast.Field {
	if len(directives) == 0 {
		return fields
	}
	out := make([]*ast.Field, 0, len(fields))
	for _, field := range fields {
		copied := *field
		copied.Directives = append(append(ast.DirectiveList(nil), field.Directives...), directives...)
		out = append(out, &copied)
	}
	return out
}

// visitField keeps one field in the given node and plans its sub-selection.
// provided carries the yet-unconsumed @provides coverage under which this
// field was admitted, nil outside a @provides subtree.
func (v *visitor) visitField(node *FetchNode, parentType string, field *ast.Field, path []string, provided federation.FieldSet) (*ast.Field, error) {
	kept := *field
	if kept.Alias == "" {
		kept.Alias = kept.Name
	}
	if field.Name == "__typename" || len(field.SelectionSet) == 0 {
		kept.SelectionSet = nil
		return &kept, nil
	}

	fieldType, err := v.fieldTypeName(parentType, field.Name)
	if err != nil {
		return nil, err
	}

	// A @provides on the owning occurrence of this field widens what the
	// current service can answer underneath it.
	subProvided := provided.SelectionsOf(field.Name)
	if owned := v.planner.ownership.Provides(parentType, field.Name); owned != nil {
		subProvided = subProvided.Union(owned)
	}

	sub, err := v.visitSelectionSet(node, fieldType, field.SelectionSet, append(path, responseKey(field)), subProvided)
	if err != nil {
		return nil, err
	}
	kept.SelectionSet = sub
	return &kept, nil
}

// visitSelectionSet walks one selection set within the scope of node's
// service. Fields the service can answer stay in the node; fields owned
// elsewhere become boundary crossings: grouped per target service, merged
// into one child FetchNode per (service, path), with the parent type's key
// fields (plus any @requires inputs) injected into the current selection.
func (v *visitor) visitSelectionSet(node *FetchNode, parentType string, selections ast.SelectionSet, path []string, provided federation.FieldSet) (ast.SelectionSet, error) {
	var kept ast.SelectionSet

	type boundaryGroup struct {
		service string
		fields  []*ast.Field
	}
	var boundaries []*boundaryGroup

	addBoundary := func(service string, field *ast.Field) {
		for _, group := range boundaries {
			if group.service == service {
				group.fields = append(group.fields, field)
				return
			}
		}
		boundaries = append(boundaries, &boundaryGroup{service: service, fields: []*ast.Field{field}})
	}

	for _, selection := range selections {
		switch s := selection.(type) {
		case *ast.Field:
			if s.Name == "__typename" {
				copied := *s
				if copied.Alias == "" {
					copied.Alias = copied.Name
				}
				kept = append(kept, &copied)
				continue
			}
			owner, ok := v.planner.ownership.FieldOwner(parentType, s.Name)
			if !ok {
				return nil, &PlanningError{TypeName: parentType, FieldName: s.Name, Message: "no service owns this field"}
			}
			resolvable := owner == node.Service ||
				v.planner.ownership.CanResolveLocally(node.Service, parentType, s.Name) ||
				provided.Contains(s.Name)
			if !resolvable {
				addBoundary(owner, s)
				continue
			}
			if r := v.planner.ownership.Requires(parentType, s.Name); r != nil && !v.locallySatisfiable(node.Service, parentType, r) {
				// The service owns the field but not all of its @requires
				// inputs. The field has to go through the entity protocol so
				// the inputs can travel in the representation.
				addBoundary(owner, s)
				continue
			}
			keptField, err := v.visitField(node, parentType, s, path, provided)
			if err != nil {
				return nil, err
			}
			kept = append(kept, keptField)
		case *ast.InlineFragment:
			condition := s.TypeCondition
			if condition == "" {
				condition = parentType
			}
			sub, err := v.visitSelectionSet(node, condition, s.SelectionSet, path, provided)
			if err != nil {
				return nil, err
			}
			kept = appendFragment(kept, parentType, condition, s.Directives, sub)
		case *ast.FragmentSpread:
			fragment := v.doc.Fragments.ForName(s.Name)
			if fragment == nil {
				return nil, &PlanningError{Message: fmt.Sprintf("fragment %q not found", s.Name)}
			}
			sub, err := v.visitSelectionSet(node, fragment.TypeCondition, fragment.SelectionSet, path, provided)
			if err != nil {
				return nil, err
			}
			kept = appendFragment(kept, parentType, fragment.TypeCondition, s.Directives, sub)
		}
	}

	type inputFetch struct {
		service string
		child   *FetchNode
		fields  federation.FieldSet
	}
	var inputs []*inputFetch

	for _, group := range boundaries {
		keys, ok := v.planner.ownership.Keys(parentType)
		if !ok {
			return nil, &PlanningError{TypeName: parentType, FieldName: group.fields[0].Name,
				Message: fmt.Sprintf("field is owned by service %q but the type has no @key to cross the boundary", group.service)}
		}

		requires := keys
		for _, field := range group.fields {
			if r := v.planner.ownership.Requires(parentType, field.Name); r != nil {
				requires = requires.Union(r)
			}
		}

		// Inputs the current service holds ride along in this fetch; inputs
		// owned elsewhere need a prerequisite fetch of their own.
		var local, foreign federation.FieldSet
		for _, item := range requires {
			if v.planner.ownership.CanResolveLocally(node.Service, parentType, item.Name) {
				local = append(local, item)
				continue
			}
			inputOwner, ok := v.planner.ownership.FieldOwner(parentType, item.Name)
			if !ok {
				return nil, &PlanningError{TypeName: parentType, FieldName: item.Name, Message: "no service owns this @requires input"}
			}
			if inputOwner == group.service {
				// The target service resolves this input itself.
				continue
			}
			foreign = append(foreign, item)
		}
		kept = v.ensureSelected(kept, local, path)

		child := v.plan.childAt(node, group.service, path)
		if child == nil {
			child = v.plan.newNode(group.service, parentType, path)
			v.plan.link(node, child)
		}
		child.Requires = child.Requires.Union(local).Union(foreign)

		for _, field := range group.fields {
			keptField, err := v.visitField(child, parentType, field, path, nil)
			if err != nil {
				return nil, err
			}
			child.selection = append(child.selection, keptField)
		}

		for _, item := range foreign {
			inputOwner, _ := v.planner.ownership.FieldOwner(parentType, item.Name)
			inputs = append(inputs, &inputFetch{service: inputOwner, child: child, fields: federation.FieldSet{item}})
		}
	}

	// Prerequisite fetches are planned after every boundary group has filled
	// its child, so an input field the client also asked for is found in
	// place instead of being injected and stripped.
	for _, input := range inputs {
		keys, _ := v.planner.ownership.Keys(parentType)
		inputNode := v.plan.childAt(node, input.service, path)
		if inputNode == nil {
			inputNode = v.plan.newNode(input.service, parentType, path)
			v.plan.link(node, inputNode)
		}
		inputNode.Requires = inputNode.Requires.Union(keys)
		inputNode.selection = v.ensureSelected(inputNode.selection, input.fields, path)
		if !v.plan.linked(inputNode, input.child) {
			v.plan.link(inputNode, input.child)
		}
	}

	return kept, nil
}

// locallySatisfiable reports whether the service holds every top-level field
// of a requires set, either as owner or through a key occurrence.
func (v *visitor) locallySatisfiable(service, typeName string, set federation.FieldSet) bool {
	for _, item := range set {
		if !v.planner.ownership.CanResolveLocally(service, typeName, item.Name) {
			return false
		}
	}
	return true
}

// appendFragment splices fragment selections into the surrounding set. A type
// condition on another type or a conditional directive keeps the inline
// fragment wrapper so the condition survives in the downstream query.
func appendFragment(kept ast.SelectionSet, parentType, condition string, directives ast.DirectiveList, sub ast.SelectionSet) ast.SelectionSet {
	if len(sub) == 0 {
		return kept
	}
	if condition == parentType && len(directives) == 0 {
		return append(kept, sub...)
	}
	return append(kept, &ast.InlineFragment{TypeCondition: condition, Directives: directives, SelectionSet: sub})
}

// ensureSelected injects the fields of a requires set into the selection when
// the client did not ask for them, recording strip paths so the extra fields
// never reach the client.
func (v *visitor) ensureSelected(selections ast.SelectionSet, requires federation.FieldSet, path []string) ast.SelectionSet {
	for _, item := range requires {
		var existing *ast.Field
		for _, selection := range selections {
			field, ok := selection.(*ast.Field)
			if !ok {
				continue
			}
			if field.Name == item.Name && field.Alias == field.Name {
				existing = field
				break
			}
		}
		if existing == nil {
			added := &ast.Field{Alias: item.Name, Name: item.Name}
			if len(item.Selections) > 0 {
				added.SelectionSet = v.ensureSelected(nil, item.Selections, append(path, item.Name))
			}
			selections = append(selections, added)
			v.plan.addStrip(append(append([]string(nil), path...), item.Name))
			continue
		}
		if len(item.Selections) > 0 {
			existing.SelectionSet = v.ensureSelected(existing.SelectionSet, item.Selections, append(path, item.Name))
		}
	}
	return selections
}

func (v *visitor) fieldTypeName(parentType, fieldName string) (string, error) {
	composite, ok := v.planner.schema.Types[parentType]
	if !ok {
		return "", &PlanningError{TypeName: parentType, Message: "type not present in the federated schema"}
	}
	field := composite.Field(fieldName)
	if field == nil {
		return "", &PlanningError{TypeName: parentType, FieldName: fieldName, Message: "field not present in the federated schema"}
	}
	return field.TypeName(), nil
}

// render produces each node's wire query once the whole plan is built, so a
// node merged from several sibling crossings renders exactly once.
func (v *visitor) render() {
	for _, node := range v.plan.Nodes {
		node.variables = usedVariables(v.operation, node.selection)
		if node.IsRoot() {
			node.Query = renderRootQuery(v.operation.Operation, node.variables, node.selection)
		} else {
			node.Query = renderEntityQuery(node.ParentType, node.variables, node.selection)
		}
	}
}

func responseKey(field *ast.Field) string {
	if field.Alias != "" {
		return field.Alias
	}
	return field.Name
}
