// Package graphql ties composition, planning and execution into the gateway
// facade served to clients.
package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/graphgate/graphgate/pkg/engine/plan"
	"github.com/graphgate/graphgate/pkg/engine/resolve"
	"github.com/graphgate/graphgate/pkg/federation"
)

const defaultPlanCacheSize = 1024

// ErrNoSchema is returned while no composition has succeeded yet.
var ErrNoSchema = errors.New("no federated schema is active")

// RequestError carries parse/validation failures of a client operation.
type RequestError struct {
	Errors gqlerror.List
}

func (e *RequestError) Error() string {
	return e.Errors.Error()
}

// Request is one client request against the federated graph.
type Request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// Gateway serves client operations against the currently composed graph. The
// composed artifacts swap atomically on recomposition; in-flight executions
// keep the graph they started with.
type Gateway struct {
	log           log.Logger
	executor      *resolve.Executor
	planCacheSize int
	current       atomic.Value // *composedGraph
}

// composedGraph bundles everything derived from one successful composition,
// including the plan cache: a recomposition naturally invalidates cached
// plans by swapping the whole bundle.
type composedGraph struct {
	schema    *federation.FederatedSchema
	ownership *federation.OwnershipMap
	planner   *plan.Planner
	planCache *lru.Cache
}

type Option func(*Gateway)

func WithLogger(logger log.Logger) Option {
	return func(g *Gateway) {
		g.log = logger
	}
}

func WithPlanCacheSize(size int) Option {
	return func(g *Gateway) {
		if size > 0 {
			g.planCacheSize = size
		}
	}
}

func NewGateway(executor *resolve.Executor, options ...Option) *Gateway {
	g := &Gateway{
		log:           log.NoopLogger,
		executor:      executor,
		planCacheSize: defaultPlanCacheSize,
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// UpdateServices recomposes the graph from the given service definitions.
// On composition failure the previously active graph stays in effect and the
// returned error is the full *federation.CompositionReport.
func (g *Gateway) UpdateServices(services []federation.ServiceDefinition) error {
	schema, ownership, err := federation.Compose(services)
	if err != nil {
		g.log.Error("gateway: composition failed, keeping active schema", log.Error(err))
		return err
	}
	planCache, err := lru.New(g.planCacheSize)
	if err != nil {
		return err
	}
	g.current.Store(&composedGraph{
		schema:    schema,
		ownership: ownership,
		planner:   plan.NewPlanner(schema, ownership),
		planCache: planCache,
	})
	g.log.Info("gateway: schema composed",
		log.Int("services", len(services)),
		log.Int("types", len(schema.Types)),
	)
	return nil
}

// SDL returns the active client-facing schema text, empty before the first
// successful composition.
func (g *Gateway) SDL() string {
	graph, ok := g.current.Load().(*composedGraph)
	if !ok {
		return ""
	}
	return graph.schema.SDL
}

// Execute validates, plans and runs one client request. Parse and validation
// failures return a *RequestError; an all-roots failure returns
// *resolve.FatalError; everything else is a partial-tolerant Result.
func (g *Gateway) Execute(ctx context.Context, request Request) (*resolve.Result, error) {
	graph, ok := g.current.Load().(*composedGraph)
	if !ok {
		return nil, ErrNoSchema
	}

	queryPlan, err := g.planFor(graph, request)
	if err != nil {
		return nil, err
	}
	return g.executor.Execute(ctx, queryPlan, request.Variables)
}

func (g *Gateway) planFor(graph *composedGraph, request Request) (*plan.QueryPlan, error) {
	digest := xxhash.New()
	_, _ = digest.WriteString(request.Query)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.WriteString(request.OperationName)
	key := digest.Sum64()

	if cached, ok := graph.planCache.Get(key); ok {
		return cached.(*plan.QueryPlan), nil
	}

	doc, errs := gqlparser.LoadQuery(graph.schema.Schema, request.Query)
	if len(errs) > 0 {
		return nil, &RequestError{Errors: errs}
	}
	queryPlan, err := graph.planner.Plan(doc, request.OperationName)
	if err != nil {
		return nil, err
	}
	graph.planCache.Add(key, queryPlan)
	return queryPlan, nil
}
