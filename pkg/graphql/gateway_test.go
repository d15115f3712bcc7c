package graphql

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/graphgate/graphgate/pkg/engine/resolve"
	"github.com/graphgate/graphgate/pkg/federation"
)

const (
	accountsSDL = `
		type Query { me: User }
		type User @key(fields: "id") { id: ID! username: String! }
	`
	productsSDL = `
		type Query { topProducts(first: Int = 5): [Product] }
		type Product @key(fields: "upc") { upc: String! name: String! price: Int! }
	`
	reviewsSDL = `
		type Review { body: String! author: User @provides(fields: "username") product: Product }
		extend type User @key(fields: "id") {
			id: ID! @external
			username: String! @external
			reviews: [Review]
		}
		extend type Product @key(fields: "upc") {
			upc: String! @external
			reviews: [Review]
		}
	`
)

func storefrontDefinitions() []federation.ServiceDefinition {
	return []federation.ServiceDefinition{
		{Name: "accounts", SDL: accountsSDL},
		{Name: "products", SDL: productsSDL},
		{Name: "reviews", SDL: reviewsSDL},
	}
}

// storefrontTransport fakes the three storefront services well enough for the
// plans the gateway produces against them.
func storefrontTransport() resolve.Transport {
	return resolve.TransportFunc(func(ctx context.Context, service string, request resolve.Request) (*resolve.Response, error) {
		switch service {
		case "accounts":
			return jsonResponse(`{"me": {"id": "1", "username": "ada"}}`), nil
		case "reviews":
			if !strings.Contains(request.Query, "_entities") {
				return jsonResponse(`{}`), nil
			}
			count := len(gjson.GetBytes(request.Variables, "representations").Array())
			entities := make([]string, 0, count)
			for i := 0; i < count; i++ {
				entities = append(entities, `{"reviews": [
					{"body": "love it", "product": {"upc": "u1"}},
					{"body": "too wobbly", "product": {"upc": "u2"}}
				]}`)
			}
			return jsonResponse(`{"_entities": [` + strings.Join(entities, ",") + `]}`), nil
		case "products":
			if !strings.Contains(request.Query, "_entities") {
				return jsonResponse(`{"topProducts": [{"name": "Table"}, {"name": "Chair"}]}`), nil
			}
			names := map[string]string{"u1": "Table", "u2": "Chair"}
			representations := gjson.GetBytes(request.Variables, "representations").Array()
			entities := make([]string, 0, len(representations))
			for _, representation := range representations {
				entities = append(entities, `{"name": "`+names[representation.Get("upc").String()]+`"}`)
			}
			return jsonResponse(`{"_entities": [` + strings.Join(entities, ",") + `]}`), nil
		}
		return nil, &resolve.FetchError{Kind: resolve.ServiceUnreachable, Service: service}
	})
}

func jsonResponse(data string) *resolve.Response {
	return &resolve.Response{Data: []byte(data)}
}

func newTestGateway(t *testing.T, transport resolve.Transport) *Gateway {
	t.Helper()
	gateway := NewGateway(resolve.New(transport))
	require.NoError(t, gateway.UpdateServices(storefrontDefinitions()))
	return gateway
}

func TestGatewayExecute(t *testing.T) {
	gateway := newTestGateway(t, storefrontTransport())

	result, err := gateway.Execute(context.Background(), Request{
		Query: `{ me { username reviews { body product { name } } } }`,
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	want := map[string]interface{}{
		"me": map[string]interface{}{
			"username": "ada",
			"reviews": []interface{}{
				map[string]interface{}{"body": "love it", "product": map[string]interface{}{"name": "Table"}},
				map[string]interface{}{"body": "too wobbly", "product": map[string]interface{}{"name": "Chair"}},
			},
		},
	}
	assert.Empty(t, cmp.Diff(want, result.Data))
}

func TestGatewayExecuteBeforeComposition(t *testing.T) {
	gateway := NewGateway(resolve.New(storefrontTransport()))

	_, err := gateway.Execute(context.Background(), Request{Query: `{ me { username } }`})
	assert.ErrorIs(t, err, ErrNoSchema)
}

func TestGatewayRejectsInvalidQueries(t *testing.T) {
	gateway := newTestGateway(t, storefrontTransport())

	t.Run("syntax error", func(t *testing.T) {
		_, err := gateway.Execute(context.Background(), Request{Query: `{ me {`})
		var requestErr *RequestError
		require.ErrorAs(t, err, &requestErr)
		assert.NotEmpty(t, requestErr.Errors)
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := gateway.Execute(context.Background(), Request{Query: `{ me { shoeSize } }`})
		var requestErr *RequestError
		require.ErrorAs(t, err, &requestErr)
	})
}

func TestGatewayPlanCache(t *testing.T) {
	gateway := newTestGateway(t, storefrontTransport())
	query := Request{Query: `{ me { username } }`}

	_, err := gateway.Execute(context.Background(), query)
	require.NoError(t, err)

	graph := gateway.current.Load().(*composedGraph)
	assert.Equal(t, 1, graph.planCache.Len())

	_, err = gateway.Execute(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.planCache.Len())

	_, err = gateway.Execute(context.Background(), Request{Query: `{ topProducts { name } }`})
	require.NoError(t, err)
	assert.Equal(t, 2, graph.planCache.Len())
}

func TestGatewayRecompositionSwapsSchema(t *testing.T) {
	gateway := newTestGateway(t, storefrontTransport())
	before := gateway.SDL()
	assert.Contains(t, before, "topProducts")

	require.NoError(t, gateway.UpdateServices([]federation.ServiceDefinition{
		{Name: "accounts", SDL: accountsSDL},
	}))
	after := gateway.SDL()
	assert.NotContains(t, after, "topProducts")
	assert.Contains(t, after, "username")

	// The old plan cache went with the old graph.
	graph := gateway.current.Load().(*composedGraph)
	assert.Equal(t, 0, graph.planCache.Len())
}

func TestGatewayKeepsSchemaOnFailedRecomposition(t *testing.T) {
	gateway := newTestGateway(t, storefrontTransport())
	before := gateway.SDL()

	err := gateway.UpdateServices([]federation.ServiceDefinition{
		{Name: "alpha", SDL: `type Query { me: String }`},
		{Name: "beta", SDL: `type Query { me: String }`},
	})
	require.Error(t, err)
	var report *federation.CompositionReport
	assert.ErrorAs(t, err, &report)

	assert.Equal(t, before, gateway.SDL())
}

func TestGatewayPartialFailure(t *testing.T) {
	base := storefrontTransport()
	transport := resolve.TransportFunc(func(ctx context.Context, service string, request resolve.Request) (*resolve.Response, error) {
		if service == "products" {
			return nil, &resolve.FetchError{Kind: resolve.ServiceUnreachable, Service: "products"}
		}
		return base.Fetch(ctx, service, request)
	})
	gateway := newTestGateway(t, transport)

	result, err := gateway.Execute(context.Background(), Request{
		Query: `{ me { username reviews { body product { name } } } }`,
	})
	require.NoError(t, err)

	me := result.Data["me"].(map[string]interface{})
	assert.Equal(t, "ada", me["username"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "SERVICE_UNREACHABLE", result.Errors[0].Extensions["code"])
}
