package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/buger/jsonparser"
	log "github.com/jensneuse/abstractlogger"

	"github.com/graphgate/graphgate/pkg/engine/plan"
	"github.com/graphgate/graphgate/pkg/engine/resolve"
)

// Handler is the client-facing GraphQL endpoint. From the client's side the
// federated graph is indistinguishable from a single monolithic service.
type Handler struct {
	gateway *Gateway
	log     log.Logger
}

func NewHandler(gateway *Gateway, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NoopLogger
	}
	return &Handler{gateway: gateway, log: logger}
}

type graphqlResponse struct {
	Data   interface{} `json:"data"`
	Errors interface{} `json:"errors,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "could not read request body")
		return
	}
	request, ok := parseRequest(body)
	if !ok {
		writeErrors(w, http.StatusBadRequest, "request body is not a GraphQL request")
		return
	}

	result, err := h.gateway.Execute(r.Context(), request)
	switch {
	case err == nil:
		writeResult(w, result)
	case errors.Is(err, ErrNoSchema):
		writeErrors(w, http.StatusServiceUnavailable, ErrNoSchema.Error())
	case isRequestError(err):
		// Invalid operations and total upstream failure both surface as a
		// regular GraphQL error response.
		writeJSON(w, http.StatusOK, graphqlResponse{Errors: requestErrors(err)})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing sensible to write.
	case errors.Is(err, context.DeadlineExceeded):
		writeErrors(w, http.StatusGatewayTimeout, "request deadline exceeded")
	default:
		h.log.Error("handler: execution failed", log.Error(err))
		writeErrors(w, http.StatusInternalServerError, "internal error")
	}
}

func parseRequest(body []byte) (Request, bool) {
	query, err := jsonparser.GetString(body, "query")
	if err != nil || query == "" {
		return Request{}, false
	}
	request := Request{Query: query}
	if operationName, err := jsonparser.GetString(body, "operationName"); err == nil {
		request.OperationName = operationName
	}
	if variables, valueType, _, err := jsonparser.Get(body, "variables"); err == nil && valueType == jsonparser.Object {
		request.Variables = append(json.RawMessage(nil), variables...)
	}
	return request, true
}

func isRequestError(err error) bool {
	var requestErr *RequestError
	var planningErr *plan.PlanningError
	var fatalErr *resolve.FatalError
	return errors.As(err, &requestErr) || errors.As(err, &planningErr) || errors.As(err, &fatalErr)
}

func requestErrors(err error) interface{} {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Errors
	}
	var fatalErr *resolve.FatalError
	if errors.As(err, &fatalErr) && len(fatalErr.Errors) > 0 {
		return fatalErr.Errors
	}
	return []resolve.GraphQLError{{Message: err.Error()}}
}

func writeResult(w http.ResponseWriter, result *resolve.Result) {
	response := graphqlResponse{Data: result.Data}
	if len(result.Errors) > 0 {
		response.Errors = result.Errors
	}
	writeJSON(w, http.StatusOK, response)
}

func writeErrors(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, graphqlResponse{Errors: []resolve.GraphQLError{{Message: message}}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
