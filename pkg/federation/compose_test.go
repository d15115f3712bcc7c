package federation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountsSDL = `
type Query {
	me: User
}

type User @key(fields: "id") {
	id: ID!
	username: String!
}
`

const productsSDL = `
type Query {
	topProducts(first: Int = 5): [Product]
}

type Product @key(fields: "upc") {
	upc: String!
	name: String!
	price: Int!
}
`

const reviewsSDL = `
type Review {
	body: String!
	author: User @provides(fields: "username")
	product: Product
}

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

func testServices() []ServiceDefinition {
	return []ServiceDefinition{
		{Name: "accounts", URL: "http://accounts", SDL: accountsSDL},
		{Name: "products", URL: "http://products", SDL: productsSDL},
		{Name: "reviews", URL: "http://reviews", SDL: reviewsSDL},
	}
}

func TestComposeMergesServices(t *testing.T) {
	schema, ownership, err := Compose(testServices())
	require.NoError(t, err)

	user := schema.Types["User"]
	require.NotNil(t, user)
	assert.NotNil(t, user.Field("id"))
	assert.NotNil(t, user.Field("username"))
	assert.NotNil(t, user.Field("reviews"))

	owner, ok := ownership.FieldOwner("User", "username")
	require.True(t, ok)
	assert.Equal(t, "accounts", owner)
	owner, ok = ownership.FieldOwner("User", "reviews")
	require.True(t, ok)
	assert.Equal(t, "reviews", owner)
	owner, ok = ownership.FieldOwner("Query", "topProducts")
	require.True(t, ok)
	assert.Equal(t, "products", owner)

	key, ok := ownership.Keys("User")
	require.True(t, ok)
	assert.Equal(t, "id", key.String())
	assert.True(t, ownership.IsEntity("Product"))
	assert.False(t, ownership.IsEntity("Review"))

	assert.Equal(t, []string{"accounts", "reviews"}, ownership.EntityServices("User"))
	assert.Equal(t, []string{"products", "reviews"}, ownership.EntityServices("Product"))

	assert.Equal(t, "username", ownership.Provides("Review", "author").String())
	assert.Nil(t, ownership.Requires("User", "reviews"))

	// The reviews service stores product keys, so it can answer upc itself.
	assert.True(t, ownership.CanResolveLocally("reviews", "Product", "upc"))
	assert.False(t, ownership.CanResolveLocally("reviews", "Product", "name"))
	assert.True(t, ownership.CanResolveLocally("products", "Product", "name"))
}

func TestComposeClientSDL(t *testing.T) {
	schema, _, err := Compose(testServices())
	require.NoError(t, err)

	assert.NotContains(t, schema.SDL, "@key")
	assert.NotContains(t, schema.SDL, "@external")
	assert.NotContains(t, schema.SDL, "@provides")
	assert.NotContains(t, schema.SDL, "extend type")
	assert.NotContains(t, schema.SDL, "_entities")
	assert.Contains(t, schema.SDL, "topProducts(first: Int = 5): [Product]")

	require.NotNil(t, schema.Schema)
	assert.NotNil(t, schema.Schema.Query)
}

func TestComposeOrderIndependent(t *testing.T) {
	services := testServices()
	reference, referenceOwnership, err := Compose(services)
	require.NoError(t, err)

	permutations := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, permutation := range permutations {
		permuted := make([]ServiceDefinition, 0, len(services))
		for _, i := range permutation {
			permuted = append(permuted, services[i])
		}
		schema, ownership, err := Compose(permuted)
		require.NoError(t, err)
		assert.Equal(t, reference.SDL, schema.SDL)

		for _, typeName := range []string{"User", "Product", "Review", "Query"} {
			composite := schema.Types[typeName]
			require.NotNil(t, composite)
			for _, field := range composite.Fields {
				owner, ok := ownership.FieldOwner(typeName, field.Name)
				require.True(t, ok)
				want, _ := referenceOwnership.FieldOwner(typeName, field.Name)
				assert.Equal(t, want, owner)
			}
		}
		assert.Equal(t, referenceOwnership.EntityServices("User"), ownership.EntityServices("User"))
	}
}

func TestComposeReportsAllErrors(t *testing.T) {
	// Two independent violations: conflicting root field and a @key naming a
	// field the service never declares. Both must surface in one report.
	services := []ServiceDefinition{
		{Name: "alpha", SDL: `
			type Query { me: User }
			type User @key(fields: "id missing") { id: ID! }
		`},
		{Name: "beta", SDL: `
			type Query { me: Account }
			type Account @key(fields: "id") { id: ID! }
		`},
	}

	_, _, err := Compose(services)
	require.Error(t, err)
	report, ok := err.(*CompositionReport)
	require.True(t, ok)

	assert.Len(t, report.ByKind(TypeConflict), 1)
	assert.Len(t, report.ByKind(MissingKeyField), 1)
	assert.Contains(t, report.Error(), "2 error(s)")
}

func TestComposeTypeConflicts(t *testing.T) {
	t.Run("duplicate root field", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `type Query { me: String }`},
			{Name: "beta", SDL: `type Query { me: String }`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, TypeConflict)
	})
	t.Run("extension redefines an owned field", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { user: User }
				type User @key(fields: "id") { id: ID! name: String }
			`},
			{Name: "beta", SDL: `
				extend type User @key(fields: "id") { id: ID! @external name: String }
			`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, TypeConflict)
	})
	t.Run("external field without a base declaration", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { user: User }
				type User @key(fields: "id") { id: ID! }
			`},
			{Name: "beta", SDL: `
				extend type User @key(fields: "id") { id: ID! @external email: String @external }
			`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, TypeConflict)
	})
}

func TestComposeMissingKeyField(t *testing.T) {
	t.Run("extension key not marked external", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { user: User }
				type User @key(fields: "id") { id: ID! }
			`},
			{Name: "beta", SDL: `
				extend type User @key(fields: "id") { id: ID! score: Int }
			`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, MissingKeyField)
	})
	t.Run("extension key matches no base key", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { user: User }
				type User @key(fields: "id") { id: ID! email: String }
			`},
			{Name: "beta", SDL: `
				extend type User @key(fields: "email") { email: String @external score: Int }
			`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, MissingKeyField)
	})
	t.Run("extended base without a key", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { user: User }
				type User { id: ID! }
			`},
			{Name: "beta", SDL: `
				extend type User @key(fields: "id") { id: ID! @external score: Int }
			`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, MissingKeyField)
	})
}

func TestComposeUnsatisfiedRequires(t *testing.T) {
	services := []ServiceDefinition{
		{Name: "alpha", SDL: `
			type Query { user: User }
			type User @key(fields: "id") { id: ID! weight: Int }
		`},
		{Name: "beta", SDL: `
			extend type User @key(fields: "id") {
				id: ID! @external
				shippingEstimate: Int @requires(fields: "weight")
			}
		`},
	}
	// The beta occurrence never declares weight, not even @external, so the
	// @requires selection cannot be satisfied there.
	_, _, err := Compose(services)
	requireKind(t, err, UnsatisfiedRequires)
}

func TestComposeValidRequires(t *testing.T) {
	services := []ServiceDefinition{
		{Name: "alpha", SDL: `
			type Query { user: User }
			type User @key(fields: "id") { id: ID! weight: Int }
		`},
		{Name: "beta", SDL: `
			extend type User @key(fields: "id") {
				id: ID! @external
				weight: Int @external
				shippingEstimate: Int @requires(fields: "weight")
			}
		`},
	}
	_, ownership, err := Compose(services)
	require.NoError(t, err)
	assert.Equal(t, "weight", ownership.Requires("User", "shippingEstimate").String())
}

func TestComposeInvalidProvides(t *testing.T) {
	services := []ServiceDefinition{
		{Name: "alpha", SDL: `
			type Query { user: User }
			type User @key(fields: "id") { id: ID! }
		`},
		{Name: "beta", SDL: `
			type Review { body: String author: User @provides(fields: "email") }
			extend type User @key(fields: "id") { id: ID! @external reviews: [Review] }
		`},
	}
	// beta's view of User has no email field, so @provides cannot name it.
	_, _, err := Compose(services)
	requireKind(t, err, InvalidProvides)
}

func TestComposeCircularExtension(t *testing.T) {
	services := []ServiceDefinition{
		{Name: "alpha", SDL: `
			type Query { ping: String }
			extend type Ghost @key(fields: "id") { id: ID! @external tail: String }
		`},
		{Name: "beta", SDL: `
			extend type Ghost @key(fields: "id") { id: ID! @external head: String }
		`},
	}
	_, _, err := Compose(services)
	require.Error(t, err)
	report, ok := err.(*CompositionReport)
	require.True(t, ok)
	assert.Len(t, report.ByKind(CircularExtension), 2)
}

func TestComposeSharedValueTypes(t *testing.T) {
	t.Run("identical definitions merge", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { a: PageInfo }
				type PageInfo { hasNext: Boolean! endCursor: String }
				enum Currency { EUR USD }
			`},
			{Name: "beta", SDL: `
				type Query { b: PageInfo }
				type PageInfo { endCursor: String hasNext: Boolean! }
				enum Currency { USD EUR }
			`},
		}
		schema, ownership, err := Compose(services)
		require.NoError(t, err)
		require.NotNil(t, schema.Types["PageInfo"])
		owner, ok := ownership.FieldOwner("PageInfo", "hasNext")
		require.True(t, ok)
		assert.Equal(t, "alpha", owner)
		assert.True(t, ownership.CanResolveLocally("beta", "PageInfo", "hasNext"))
	})
	t.Run("diverging definitions conflict", func(t *testing.T) {
		services := []ServiceDefinition{
			{Name: "alpha", SDL: `
				type Query { a: PageInfo }
				type PageInfo { hasNext: Boolean! }
			`},
			{Name: "beta", SDL: `
				type Query { b: PageInfo }
				type PageInfo { hasNext: String }
			`},
		}
		_, _, err := Compose(services)
		requireKind(t, err, TypeConflict)
	})
}

func TestComposeRejectsUnparsableSDL(t *testing.T) {
	_, _, err := Compose([]ServiceDefinition{{Name: "broken", SDL: `type Query {`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.False(t, strings.Contains(err.Error(), "composition failed"))
}

func requireKind(t *testing.T, err error, kind CompositionErrorKind) {
	t.Helper()
	require.Error(t, err)
	report, ok := err.(*CompositionReport)
	require.True(t, ok, "expected a *CompositionReport, got %T", err)
	require.NotEmpty(t, report.ByKind(kind), "report: %v", report)
}
