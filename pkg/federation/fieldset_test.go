package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldSet(t *testing.T) {
	t.Run("flat selection", func(t *testing.T) {
		set, err := ParseFieldSet("id sku")
		require.NoError(t, err)
		require.Len(t, set, 2)
		assert.Equal(t, "id", set[0].Name)
		assert.Equal(t, "sku", set[1].Name)
	})
	t.Run("nested selection", func(t *testing.T) {
		set, err := ParseFieldSet("id organization { id }")
		require.NoError(t, err)
		require.Len(t, set, 2)
		assert.True(t, set.Contains("organization"))
		assert.True(t, set.SelectionsOf("organization").Contains("id"))
		assert.Nil(t, set.SelectionsOf("id"))
	})
	t.Run("rejects arguments", func(t *testing.T) {
		_, err := ParseFieldSet("user(id: 1)")
		assert.Error(t, err)
	})
	t.Run("rejects fragments", func(t *testing.T) {
		_, err := ParseFieldSet("... on User { id }")
		assert.Error(t, err)
	})
	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseFieldSet("{{{")
		assert.Error(t, err)
	})
}

func TestFieldSetString(t *testing.T) {
	t.Run("canonical order", func(t *testing.T) {
		assert.Equal(t, MustParseFieldSet("id upc").String(), MustParseFieldSet("upc id").String())
	})
	t.Run("nested sets canonicalize too", func(t *testing.T) {
		a := MustParseFieldSet("organization { name id } id")
		b := MustParseFieldSet("id organization { id name }")
		assert.Equal(t, "id organization { id name }", a.String())
		assert.Equal(t, a.String(), b.String())
	})
}

func TestFieldSetUnion(t *testing.T) {
	a := MustParseFieldSet("id organization { id }")
	b := MustParseFieldSet("username organization { name }")

	union := a.Union(b)

	assert.Equal(t, "id organization { id name } username", union.String())
	// Union never mutates its receivers.
	assert.Equal(t, "id organization { id }", a.String())
	assert.Equal(t, "organization { name } username", b.String())
}
