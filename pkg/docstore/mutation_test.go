package docstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func TestApply_CreateStampsSystemFields(t *testing.T) {
	// Arrange
	m := Mutation{Create: Document{FieldID: "p1", FieldType: "product", "stock": 5}}

	// Act
	doc, op, err := Apply(m, nil, testNow)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OperationCreate, op)
	assert.Equal(t, "p1", doc.ID())
	assert.NotEmpty(t, doc.Rev())
	assert.Equal(t, "2025-03-01T10:00:00Z", doc.String(FieldCreatedAt))
	stock, ok := doc.Int("stock")
	assert.True(t, ok)
	assert.Equal(t, 5, stock)
}

func TestApply_CreateExistingConflicts(t *testing.T) {
	current := Document{FieldID: "p1"}

	_, _, err := Apply(Mutation{Create: Document{FieldID: "p1"}}, current, testNow)

	assert.True(t, errors.Is(err, ErrConflict))
}

func TestApply_CreateIfNotExistsKeepsCurrent(t *testing.T) {
	current := Document{FieldID: "u1", "name": "kept"}

	doc, op, err := Apply(Mutation{CreateIfNotExists: Document{FieldID: "u1", "name": "new"}}, current, testNow)

	require.NoError(t, err)
	assert.Empty(t, op)
	assert.Equal(t, "kept", doc.String("name"))
}

func TestApply_Patch(t *testing.T) {
	current := Document{FieldID: "p1", FieldRev: "r1", "stock": float64(10), "title": map[string]any{"en": "Lamp"}}

	t.Run("inc and dec", func(t *testing.T) {
		doc, op, err := Apply(Mutation{Patch: &Patch{ID: "p1", Inc: map[string]float64{"stock": 3}}}, current, testNow)
		require.NoError(t, err)
		assert.Equal(t, OperationUpdate, op)
		assert.Equal(t, float64(13), doc["stock"])

		doc, _, err = Apply(Mutation{Patch: &Patch{ID: "p1", Dec: map[string]float64{"stock": 4}}}, current, testNow)
		require.NoError(t, err)
		assert.Equal(t, float64(6), doc["stock"])
	})

	t.Run("inc missing field starts at zero", func(t *testing.T) {
		doc, _, err := Apply(Mutation{Patch: &Patch{ID: "p1", Inc: map[string]float64{"reserved": 2}}}, current, testNow)
		require.NoError(t, err)
		assert.Equal(t, float64(2), doc["reserved"])
	})

	t.Run("does not modify current", func(t *testing.T) {
		_, _, err := Apply(Mutation{Patch: &Patch{ID: "p1", Set: map[string]any{"title.en": "Desk lamp"}}}, current, testNow)
		require.NoError(t, err)
		assert.Equal(t, "Lamp", current["title"].(map[string]any)["en"])
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		_, _, err := Apply(Mutation{Patch: &Patch{ID: "p1", IfRevisionID: "r0", Dec: map[string]float64{"stock": 1}}}, current, testNow)
		assert.True(t, errors.Is(err, ErrConflict))
	})

	t.Run("matching revision applies and rotates revision", func(t *testing.T) {
		doc, _, err := Apply(Mutation{Patch: &Patch{ID: "p1", IfRevisionID: "r1", Dec: map[string]float64{"stock": 1}}}, current, testNow)
		require.NoError(t, err)
		assert.NotEqual(t, "r1", doc.Rev())
	})

	t.Run("missing document", func(t *testing.T) {
		_, _, err := Apply(Mutation{Patch: &Patch{ID: "p2"}}, nil, testNow)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("inc on non number", func(t *testing.T) {
		_, _, err := Apply(Mutation{Patch: &Patch{ID: "p1", Inc: map[string]float64{"title": 1}}}, current, testNow)
		assert.True(t, errors.Is(err, ErrInvalidMutation))
	})

	t.Run("system fields are read only", func(t *testing.T) {
		_, _, err := Apply(Mutation{Patch: &Patch{ID: "p1", Set: map[string]any{FieldRev: "x"}}}, current, testNow)
		assert.True(t, errors.Is(err, ErrInvalidMutation))
	})
}

func TestApply_AppendCreatesAndExtendsArrays(t *testing.T) {
	current := Document{FieldID: "u1"}
	ref := NewReference("o1")
	ref.Key = "k1"

	doc, _, err := Apply(Mutation{Patch: &Patch{ID: "u1", Append: map[string][]any{"orders": {ref}}}}, current, testNow)
	require.NoError(t, err)
	doc, _, err = Apply(Mutation{Patch: &Patch{ID: "u1", Append: map[string][]any{"orders": {NewReference("o2")}}}}, doc, testNow)
	require.NoError(t, err)

	orders := doc["orders"].([]any)
	require.Len(t, orders, 2)
	assert.Equal(t, "o1", orders[0].(map[string]any)["_ref"])
	assert.Equal(t, "k1", orders[0].(map[string]any)["_key"])
	assert.Equal(t, "o2", orders[1].(map[string]any)["_ref"])
}

func TestApply_Delete(t *testing.T) {
	doc, op, err := Apply(Mutation{Delete: "o1"}, Document{FieldID: "o1"}, testNow)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, OperationDelete, op)

	_, _, err = Apply(Mutation{Delete: "o1"}, nil, testNow)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransaction_CreateAssignsID(t *testing.T) {
	tx := NewTransaction().Create(Document{FieldType: "checkout"}).Delete("x")

	require.Equal(t, 2, tx.Len())
	assert.NotEmpty(t, tx.Mutations()[0].TargetID())
	assert.Equal(t, "x", tx.Mutations()[1].TargetID())
}
