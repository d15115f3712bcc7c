package resolve

import (
	"fmt"
	"strings"
)

type ErrorKind int

const (
	ServiceUnreachable ErrorKind = iota + 1
	ServiceTimeout
	UnresolvedEntity
	MalformedServiceResponse
)

func (k ErrorKind) String() string {
	switch k {
	case ServiceUnreachable:
		return "SERVICE_UNREACHABLE"
	case ServiceTimeout:
		return "SERVICE_TIMEOUT"
	case UnresolvedEntity:
		return "UNRESOLVED_ENTITY"
	case MalformedServiceResponse:
		return "MALFORMED_SERVICE_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// FetchError is a classified failure of one service fetch. Transports return
// it; the executor downgrades it to a path-scoped GraphQLError on the subtree
// the fetch would have populated.
type FetchError struct {
	Kind    ErrorKind
	Service string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("service %q: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// GraphQLError is one entry of the response's error list, scoped to the
// response path it affects.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func pathString(path []interface{}) string {
	parts := make([]string, 0, len(path))
	for _, element := range path {
		parts = append(parts, fmt.Sprint(element))
	}
	return strings.Join(parts, ".")
}

// FatalError is returned when every root fetch failed and no data at all
// could be obtained. Anything short of that is a partial response, never an
// error return.
type FatalError struct {
	Errors []GraphQLError
}

func (e *FatalError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, graphqlError := range e.Errors {
		messages = append(messages, graphqlError.Message)
	}
	return "all root fetches failed: " + strings.Join(messages, "; ")
}
