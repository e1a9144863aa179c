package toolfacade

import (
	"testing"

	"github.com/kgraph/kgserver/internal/eventlog"
	"github.com/kgraph/kgserver/internal/query"
	"github.com/kgraph/kgserver/internal/store"
	"github.com/kgraph/kgserver/internal/synonym"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	l, g, err := eventlog.Open(eventlog.Options{Path: dir, EventSourcingEnabled: true})
	require.NoError(t, err)
	s := store.New(g, l, nil, nil)
	exp, err := synonym.New()
	require.NoError(t, err)
	return New(s, exp, Config{ReadGraphPageSize: 50, TraverseMaxResults: 50, InferMaxDepth: 3, InferMinConfidence: 0.5})
}

func TestCreateEntitiesRejectsEmptyName(t *testing.T) {
	f := newTestFacade(t)
	env := f.CreateEntities([]CreateEntityInput{{Name: "", EntityType: "Person"}}, "tester")
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "name")
}

func TestCreateEntitiesThenSearchSynonym(t *testing.T) {
	f := newTestFacade(t)
	env := f.CreateEntities([]CreateEntityInput{
		{Name: "Alice", EntityType: "Person", Observations: []string{"Software Engineer"}},
	}, "tester")
	require.True(t, env.OK)

	searchEnv := f.SearchNodes("coder", 10, false)
	require.True(t, searchEnv.OK)
}

func TestCreateEntitiesWithNonStandardTypeWarns(t *testing.T) {
	f := newTestFacade(t)
	env := f.CreateEntities([]CreateEntityInput{{Name: "Widget", EntityType: "Gadget"}}, "tester")
	require.True(t, env.OK)
	assert.Len(t, env.Warnings, 1)
}

func TestGetRelatedRequiresEntityName(t *testing.T) {
	f := newTestFacade(t)
	env := f.GetRelated("", query.DirBoth, "")
	assert.False(t, env.OK)
}

func TestGetCurrentTimeReturnsData(t *testing.T) {
	f := newTestFacade(t)
	env := f.GetCurrentTime()
	assert.True(t, env.OK)
	assert.NotNil(t, env.Data)
}

func TestInferRequiresEntityName(t *testing.T) {
	f := newTestFacade(t)
	env := f.Infer("", 0, 0)
	assert.False(t, env.OK)
}
