package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/graphgate/graphgate/pkg/engine/plan"
)

const defaultServiceConcurrency = 8

// Executor walks QueryPlans: it dispatches every fetch whose dependencies are
// satisfied, bounded per target service, and merges partial results into one
// response tree. Long-lived and safe for concurrent executions; all per-query
// state lives in an execution.
type Executor struct {
	transport          Transport
	log                log.Logger
	serviceConcurrency int64
	fetchTimeout       time.Duration

	semaphoreMu sync.Mutex
	semaphores  map[string]*semaphore.Weighted

	inflight atomic.Int64
}

type Option func(*Executor)

func WithLogger(logger log.Logger) Option {
	return func(e *Executor) {
		e.log = logger
	}
}

// WithServiceConcurrency bounds the number of concurrent fetches per target
// service across all executions sharing this Executor.
func WithServiceConcurrency(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.serviceConcurrency = n
		}
	}
}

// WithFetchTimeout bounds each individual fetch. A fetch hitting the timeout
// produces a path-scoped error; it never cancels sibling fetches.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.fetchTimeout = d
	}
}

func New(transport Transport, options ...Option) *Executor {
	e := &Executor{
		transport:          transport,
		log:                log.NoopLogger,
		serviceConcurrency: defaultServiceConcurrency,
		semaphores:         map[string]*semaphore.Weighted{},
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// InflightFetches reports the number of fetches currently dispatched, across
// all executions.
func (e *Executor) InflightFetches() int64 {
	return e.inflight.Load()
}

func (e *Executor) semaphoreFor(service string) *semaphore.Weighted {
	e.semaphoreMu.Lock()
	defer e.semaphoreMu.Unlock()
	sem, ok := e.semaphores[service]
	if !ok {
		sem = semaphore.NewWeighted(e.serviceConcurrency)
		e.semaphores[service] = sem
	}
	return sem
}

// Result is the merged response: whatever data could be obtained plus the
// path-tagged errors collected along the way.
type Result struct {
	Data   map[string]interface{}
	Errors []GraphQLError
}

// Execute runs the plan to completion. Independent branches fail in
// isolation; only two outcomes abort the whole request: cancellation of ctx
// (partial results are discarded, ctx.Err is returned) and failure of every
// root fetch (a *FatalError is returned).
func (e *Executor) Execute(ctx context.Context, p *plan.QueryPlan, variables []byte) (*Result, error) {
	ex := &execution{
		executor:  e,
		plan:      p,
		variables: variables,
		ctx:       ctx,
		tree:      map[string]interface{}{},
		pending:   make([]*atomic.Int32, len(p.Nodes)),
		failed:    make([]*atomic.Bool, len(p.Nodes)),
	}
	for i, node := range p.Nodes {
		ex.pending[i] = atomic.NewInt32(int32(len(node.DependsOn)))
		ex.failed[i] = atomic.NewBool(false)
	}

	for _, id := range p.Roots {
		ex.dispatch(id)
	}
	ex.wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Roots) > 0 && int(ex.rootFailures.Load()) == len(p.Roots) {
		return nil, &FatalError{Errors: ex.errors}
	}

	for _, strip := range p.Strips {
		stripField(ex.tree, strip)
	}

	sort.SliceStable(ex.errors, func(i, j int) bool {
		left, right := pathString(ex.errors[i].Path), pathString(ex.errors[j].Path)
		if left != right {
			return left < right
		}
		return ex.errors[i].Message < ex.errors[j].Message
	})

	return &Result{Data: ex.tree, Errors: ex.errors}, nil
}

// execution is the per-query state: the exclusively owned response tree, the
// collected errors, and the dependency counters steering the topological
// walk. Nothing in here outlives Execute.
type execution struct {
	executor  *Executor
	plan      *plan.QueryPlan
	variables []byte
	ctx       context.Context

	mu     sync.Mutex
	tree   map[string]interface{}
	errors []GraphQLError

	wg           sync.WaitGroup
	pending      []*atomic.Int32
	failed       []*atomic.Bool
	rootFailures atomic.Int32
}

func (ex *execution) dispatch(id int) {
	ex.wg.Add(1)
	go ex.run(id)
}

func (ex *execution) run(id int) {
	defer ex.wg.Done()
	node := ex.plan.Nodes[id]

	if ex.ctx.Err() != nil {
		ex.failed[id].Store(true)
	} else {
		sem := ex.executor.semaphoreFor(node.Service)
		if err := sem.Acquire(ex.ctx, 1); err != nil {
			ex.failed[id].Store(true)
		} else {
			ex.executor.inflight.Inc()
			err := ex.fetch(node)
			ex.executor.inflight.Dec()
			sem.Release(1)
			if err != nil {
				ex.failed[id].Store(true)
				ex.recordFetchFailure(node, err)
			}
		}
	}

	if ex.failed[id].Load() && node.IsRoot() {
		ex.rootFailures.Inc()
	}

	for _, child := range node.Children {
		if ex.pending[child].Dec() != 0 {
			continue
		}
		if ex.failed[id].Load() {
			ex.skip(child)
			continue
		}
		ex.dispatch(child)
	}
}

// skip marks a node and its descendants failed without fetching; used when a
// dependency failed and the node's requires fields can never materialize.
func (ex *execution) skip(id int) {
	ex.failed[id].Store(true)
	if ex.plan.Nodes[id].IsRoot() {
		ex.rootFailures.Inc()
	}
	for _, child := range ex.plan.Nodes[id].Children {
		if ex.pending[child].Dec() == 0 {
			ex.skip(child)
		}
	}
}

func (ex *execution) fetch(node *plan.FetchNode) error {
	if node.IsRoot() {
		return ex.fetchRoot(node)
	}
	return ex.fetchEntities(node)
}

func (ex *execution) fetchRoot(node *plan.FetchNode) error {
	response, err := ex.doFetch(node, Request{Query: node.Query, Variables: ex.variables})
	if err != nil {
		return err
	}

	var data map[string]interface{}
	if len(response.Data) > 0 {
		if err := json.Unmarshal(response.Data, &data); err != nil {
			return &FetchError{Kind: MalformedServiceResponse, Service: node.Service, Err: err}
		}
	}
	if data == nil {
		ex.appendErrors(response.Errors)
		return &FetchError{Kind: MalformedServiceResponse, Service: node.Service, Err: errors.New("response contains no data")}
	}

	ex.mu.Lock()
	mergeObject(ex.tree, data)
	ex.mu.Unlock()

	ex.appendErrors(response.Errors)
	return nil
}

func (ex *execution) fetchEntities(node *plan.FetchNode) error {
	ex.mu.Lock()
	instances, paths := collectInstances(ex.tree, node.Path)
	ex.mu.Unlock()
	if len(instances) == 0 {
		return nil
	}

	representations := make([]map[string]interface{}, 0, len(instances))
	targets := make([]map[string]interface{}, 0, len(instances))
	targetPaths := make([][]interface{}, 0, len(instances))
	var unresolved []GraphQLError
	ex.mu.Lock()
	for i, instance := range instances {
		representation, ok := buildRepresentation(instance, node.ParentType, node.Requires)
		if !ok {
			unresolved = append(unresolved, GraphQLError{
				Message: fmt.Sprintf("cannot build representation of %s: key fields missing", node.ParentType),
				Path:    paths[i],
				Extensions: map[string]interface{}{
					"code":    UnresolvedEntity.String(),
					"service": node.Service,
				},
			})
			continue
		}
		representations = append(representations, representation)
		targets = append(targets, instance)
		targetPaths = append(targetPaths, paths[i])
	}
	ex.mu.Unlock()
	ex.appendErrors(unresolved)
	if len(representations) == 0 {
		return nil
	}

	representationsJSON, err := json.Marshal(representations)
	if err != nil {
		return &FetchError{Kind: MalformedServiceResponse, Service: node.Service, Err: err}
	}
	variables := ex.variables
	if len(variables) == 0 {
		variables = []byte(`{}`)
	}
	variables, err = sjson.SetRawBytes(variables, "representations", representationsJSON)
	if err != nil {
		return &FetchError{Kind: MalformedServiceResponse, Service: node.Service, Err: err}
	}

	response, err := ex.doFetch(node, Request{Query: node.Query, Variables: variables})
	if err != nil {
		return err
	}

	entities := gjson.GetBytes(response.Data, "_entities")
	if !entities.IsArray() {
		ex.appendErrors(ex.rebaseErrors(node, targetPaths, response.Errors))
		return &FetchError{Kind: MalformedServiceResponse, Service: node.Service, Err: errors.New("response contains no _entities list")}
	}
	entityValues := entities.Array()
	if len(entityValues) != len(representations) {
		return &FetchError{Kind: MalformedServiceResponse, Service: node.Service,
			Err: fmt.Errorf("service returned %d entities for %d representations", len(entityValues), len(representations))}
	}

	for i, entity := range entityValues {
		if entity.Type == gjson.Null {
			ex.appendError(GraphQLError{
				Message: fmt.Sprintf("service %q could not resolve %s", node.Service, node.ParentType),
				Path:    targetPaths[i],
				Extensions: map[string]interface{}{
					"code":    UnresolvedEntity.String(),
					"service": node.Service,
				},
			})
			continue
		}
		var object map[string]interface{}
		if err := json.Unmarshal([]byte(entity.Raw), &object); err != nil {
			return &FetchError{Kind: MalformedServiceResponse, Service: node.Service, Err: err}
		}
		ex.mu.Lock()
		mergeObject(targets[i], object)
		ex.mu.Unlock()
	}

	ex.appendErrors(ex.rebaseErrors(node, targetPaths, response.Errors))
	return nil
}

func (ex *execution) doFetch(node *plan.FetchNode, request Request) (*Response, error) {
	ctx := ex.ctx
	cancel := func() {}
	if ex.executor.fetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ex.ctx, ex.executor.fetchTimeout)
	}
	defer cancel()

	ex.executor.log.Debug("resolve: dispatching fetch",
		log.String("service", node.Service),
		log.Int("node", node.ID),
	)

	response, err := ex.executor.transport.Fetch(ctx, node.Service, request)
	if err != nil {
		// The per-fetch deadline is independent of the whole-query one.
		if errors.Is(err, context.DeadlineExceeded) && ex.ctx.Err() == nil {
			return nil, &FetchError{Kind: ServiceTimeout, Service: node.Service, Err: err}
		}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return nil, fetchErr
		}
		return nil, &FetchError{Kind: ServiceUnreachable, Service: node.Service, Err: err}
	}
	return response, nil
}

// rebaseErrors maps service-reported error paths into the client's response
// tree: _entities indices become the matching instance paths, everything else
// is prefixed with the node's response path.
func (ex *execution) rebaseErrors(node *plan.FetchNode, targetPaths [][]interface{}, serviceErrors []GraphQLError) []GraphQLError {
	if len(serviceErrors) == 0 {
		return nil
	}
	out := make([]GraphQLError, 0, len(serviceErrors))
	for _, serviceError := range serviceErrors {
		rebased := serviceError
		if len(serviceError.Path) >= 2 && serviceError.Path[0] == "_entities" {
			if index, ok := asIndex(serviceError.Path[1]); ok && index < len(targetPaths) {
				rebased.Path = append(append([]interface{}(nil), targetPaths[index]...), serviceError.Path[2:]...)
				out = append(out, rebased)
				continue
			}
		}
		prefix := make([]interface{}, 0, len(node.Path)+len(serviceError.Path))
		for _, element := range node.Path {
			prefix = append(prefix, element)
		}
		rebased.Path = append(prefix, serviceError.Path...)
		out = append(out, rebased)
	}
	return out
}

func asIndex(value interface{}) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case float64:
		return int(typed), true
	case json.Number:
		index, err := typed.Int64()
		return int(index), err == nil
	default:
		return 0, false
	}
}

func (ex *execution) recordFetchFailure(node *plan.FetchNode, err error) {
	kind := ServiceUnreachable
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		kind = fetchErr.Kind
	}

	if ex.ctx.Err() != nil {
		// The whole request is being cancelled; its result is discarded
		// anyway, so per-node errors would only be noise.
		return
	}

	ex.executor.log.Error("resolve: fetch failed",
		log.String("service", node.Service),
		log.Int("node", node.ID),
		log.Error(err),
	)

	path := make([]interface{}, 0, len(node.Path))
	for _, element := range node.Path {
		path = append(path, element)
	}
	ex.appendError(GraphQLError{
		Message: err.Error(),
		Path:    path,
		Extensions: map[string]interface{}{
			"code":    kind.String(),
			"service": node.Service,
		},
	})
}

func (ex *execution) appendError(err GraphQLError) {
	ex.mu.Lock()
	ex.errors = append(ex.errors, err)
	ex.mu.Unlock()
}

func (ex *execution) appendErrors(errs []GraphQLError) {
	if len(errs) == 0 {
		return
	}
	ex.mu.Lock()
	ex.errors = append(ex.errors, errs...)
	ex.mu.Unlock()
}
