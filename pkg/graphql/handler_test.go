package graphql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/graphgate/graphgate/pkg/engine/resolve"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(newTestGateway(t, storefrontTransport()), nil)
}

func postGraphQL(handler http.Handler, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHandlerServesQueries(t *testing.T) {
	handler := newTestHandler(t)

	recorder := postGraphQL(handler, `{"query": "{ me { username reviews { body } } }"}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	body := recorder.Body.String()
	assert.Equal(t, "ada", gjson.Get(body, "data.me.username").String())
	assert.Equal(t, "love it", gjson.Get(body, "data.me.reviews.0.body").String())
	assert.False(t, gjson.Get(body, "errors").Exists())
}

func TestHandlerForwardsVariables(t *testing.T) {
	handler := newTestHandler(t)

	recorder := postGraphQL(handler, `{
		"query": "query Top($first: Int) { topProducts(first: $first) { name } }",
		"operationName": "Top",
		"variables": {"first": 2}
	}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "Table", gjson.Get(recorder.Body.String(), "data.topProducts.0.name").String())
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t)

	request := httptest.NewRequest(http.MethodGet, "/query", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestHandlerBadRequests(t *testing.T) {
	handler := newTestHandler(t)

	t.Run("not json", func(t *testing.T) {
		recorder := postGraphQL(handler, `not json at all`)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
	t.Run("missing query", func(t *testing.T) {
		recorder := postGraphQL(handler, `{"variables": {}}`)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestHandlerInvalidQueryReturnsGraphQLErrors(t *testing.T) {
	handler := newTestHandler(t)

	recorder := postGraphQL(handler, `{"query": "{ me { shoeSize } }"}`)

	// Validation failures are a regular GraphQL error response, not an HTTP
	// failure.
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, gjson.Get(recorder.Body.String(), "errors.0.message").Exists())
}

func TestHandlerBeforeComposition(t *testing.T) {
	gateway := NewGateway(resolve.New(storefrontTransport()))
	handler := NewHandler(gateway, nil)

	recorder := postGraphQL(handler, `{"query": "{ me { username } }"}`)

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestHandlerAllServicesDown(t *testing.T) {
	transport := resolve.TransportFunc(func(ctx context.Context, service string, request resolve.Request) (*resolve.Response, error) {
		return nil, &resolve.FetchError{Kind: resolve.ServiceUnreachable, Service: service}
	})
	handler := NewHandler(newTestGateway(t, transport), nil)

	recorder := postGraphQL(handler, `{"query": "{ me { username } }"}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := recorder.Body.String()
	assert.True(t, gjson.Get(body, "errors.0.message").Exists())
	assert.Equal(t, "SERVICE_UNREACHABLE", gjson.Get(body, "errors.0.extensions.code").String())
}
