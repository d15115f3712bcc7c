package plan

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/graphgate/graphgate/pkg/federation"
)

// QueryPlan is the dependency-ordered decomposition of one client operation
// into per-service fetches. Nodes live in an arena addressed by index;
// DependsOn/Children hold indices, never pointers, so the executor's
// concurrent traversal needs no cycle bookkeeping. Created fresh per query,
// discarded with the response.
type QueryPlan struct {
	Nodes []*FetchNode
	// Roots are the nodes without dependencies, dispatched first.
	Roots []int
	// Strips are response paths of fields the planner injected (keys,
	// @requires inputs) that the client did not ask for. The executor
	// removes them after the final merge.
	Strips []StripPath
}

// StripPath addresses a field in the response tree by field names; list
// values along the way fan out implicitly.
type StripPath []string

func (p StripPath) String() string {
	return strings.Join(p, ".")
}

// FetchNode is one fetch against one service.
type FetchNode struct {
	ID      int
	Service string

	// ParentType is the entity type resolved through _entities; empty for
	// root fetches against the service's own Query type.
	ParentType string

	// Path is the response-path prefix this node populates. Root nodes merge
	// at the response root (empty path); entity nodes merge into the entity
	// instances found at Path.
	Path []string

	// Requires is the selection that must be present in the parent's merged
	// result before this node can run: the parent type's key fields plus any
	// @requires inputs of the fields this node fetches. Representations are
	// built from exactly these fields.
	Requires federation.FieldSet

	// Query is the rendered operation sent to the service.
	Query string

	DependsOn []int
	Children  []int

	selection ast.SelectionSet
	variables []*ast.VariableDefinition
}

// IsRoot reports whether the node fetches root fields rather than entities.
func (n *FetchNode) IsRoot() bool {
	return n.ParentType == ""
}

func (p *QueryPlan) newNode(service, parentType string, path []string) *FetchNode {
	node := &FetchNode{
		ID:         len(p.Nodes),
		Service:    service,
		ParentType: parentType,
		Path:       append([]string(nil), path...),
	}
	p.Nodes = append(p.Nodes, node)
	return node
}

func (p *QueryPlan) link(parent, child *FetchNode) {
	child.DependsOn = append(child.DependsOn, parent.ID)
	parent.Children = append(parent.Children, child.ID)
}

func (p *QueryPlan) linked(parent, child *FetchNode) bool {
	for _, id := range parent.Children {
		if id == child.ID {
			return true
		}
	}
	return false
}

// childAt returns an existing child of parent targeting the same service at
// the same path, if any. Sibling boundary crossings to one service merge into
// a single round trip.
func (p *QueryPlan) childAt(parent *FetchNode, service string, path []string) *FetchNode {
	for _, id := range parent.Children {
		child := p.Nodes[id]
		if child.Service != service {
			continue
		}
		if len(child.Path) != len(path) {
			continue
		}
		match := true
		for i := range path {
			if child.Path[i] != path[i] {
				match = false
				break
			}
		}
		if match {
			return child
		}
	}
	return nil
}

func (p *QueryPlan) addStrip(path []string) {
	candidate := StripPath(append([]string(nil), path...))
	for _, existing := range p.Strips {
		if existing.String() == candidate.String() {
			return
		}
	}
	p.Strips = append(p.Strips, candidate)
}
