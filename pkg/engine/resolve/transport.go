package resolve

import (
	"context"
	"encoding/json"
)

// Request is one GraphQL request against one service.
type Request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// Response is the service's reply: the data payload plus any service-side
// errors. A transport only returns an error for transport-level failures;
// service-side GraphQL errors travel in Errors with the data that could still
// be produced.
type Response struct {
	Data   json.RawMessage
	Errors []GraphQLError
}

// Transport dispatches requests to services by name. Implementations must be
// safe for concurrent use; the executor calls Fetch from many goroutines.
// Production uses graphql_datasource.Client, tests inject fakes.
type Transport interface {
	Fetch(ctx context.Context, service string, request Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, service string, request Request) (*Response, error)

func (f TransportFunc) Fetch(ctx context.Context, service string, request Request) (*Response, error) {
	return f(ctx, service, request)
}
