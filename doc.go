// Package graphgate implements a federated GraphQL gateway core.
//
// It composes the schemas of many GraphQL services into a single graph,
// plans client queries into a DAG of service fetches and executes those
// fetches concurrently, stitching the partial results back into one
// response.
//
// The building blocks live in their own packages:
//   - pkg/federation composes annotated service SDLs into a federated
//     schema and an ownership map.
//   - pkg/engine/plan turns a validated query into a fetch plan.
//   - pkg/engine/resolve executes a plan against service transports.
//   - pkg/engine/datasource/graphql_datasource speaks GraphQL over HTTP
//     to the composed services.
//   - pkg/graphql ties the pieces together into a gateway with an HTTP
//     handler and schema polling.
//
// The cmd/graphgate command wires everything into a runnable gateway.
package graphgate
