package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntityValidation(t *testing.T) {
	_, err := NewEntity("", "Person", nil, "alice", 100)
	require.Error(t, err)

	_, err = NewEntity("Bob", "", nil, "alice", 100)
	require.Error(t, err)

	e, err := NewEntity("Bob", "Person", []string{"a", "a", "b"}, "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, e.Observations)
	assert.Equal(t, int64(100), e.CreatedAt)
	assert.Equal(t, int64(100), e.UpdatedAt)
}

func TestEntityTouchMonotone(t *testing.T) {
	e, err := NewEntity("Bob", "Person", nil, "alice", 100)
	require.NoError(t, err)
	e.Touch("carol", 50)
	assert.Equal(t, int64(100), e.UpdatedAt, "touch must not move updatedAt backwards")
	e.Touch("carol", 200)
	assert.Equal(t, int64(200), e.UpdatedAt)
	assert.Equal(t, "carol", e.UpdatedBy)
}

func TestAddRemoveObservations(t *testing.T) {
	e, err := NewEntity("Bob", "Person", []string{"a"}, "alice", 100)
	require.NoError(t, err)

	added := e.AddObservations([]string{"a", "b", "c"})
	assert.Equal(t, []string{"b", "c"}, added)
	assert.Equal(t, []string{"a", "b", "c"}, e.Observations)

	e.RemoveObservations([]string{"b"})
	assert.Equal(t, []string{"a", "c"}, e.Observations)
}

func TestNewRelationValidity(t *testing.T) {
	from := int64(100)
	to := int64(50)
	_, err := NewRelation("A", "B", "depends_on", &from, &to, "alice", 100)
	require.Error(t, err, "validTo < validFrom must be rejected")

	to = 200
	r, err := NewRelation("A", "B", "depends_on", &from, &to, "alice", 100)
	require.NoError(t, err)
	assert.True(t, r.ContainsTime(150))
	assert.False(t, r.ContainsTime(300))
}

func TestRelationIdentity(t *testing.T) {
	vf1 := int64(100)
	vf2 := int64(200)
	r1, err := NewRelation("A", "B", "depends_on", &vf1, nil, "alice", 100)
	require.NoError(t, err)
	r2, err := NewRelation("A", "B", "depends_on", &vf1, nil, "alice", 100)
	require.NoError(t, err)
	r3, err := NewRelation("A", "B", "depends_on", &vf2, nil, "alice", 100)
	require.NoError(t, err)

	assert.True(t, r1.SameIdentity(*r2))
	assert.False(t, r1.SameIdentity(*r3), "distinct validFrom is a distinct identity (supersession)")
}

func TestCloneIndependence(t *testing.T) {
	e, err := NewEntity("Bob", "Person", []string{"a"}, "alice", 100)
	require.NoError(t, err)
	clone := e.Clone()
	clone.Observations[0] = "mutated"
	assert.Equal(t, "a", e.Observations[0], "clone must not alias the original backing array")
}
