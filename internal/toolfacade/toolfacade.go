// Package toolfacade is the stateless dispatch layer between a JSON-RPC
// tool call and the graph store: it validates arguments, fills
// createdBy/updatedBy/timestamps, collects soft type-family warnings, and
// wraps every outcome in a uniform {ok, data, warnings, error} envelope.
// Grounded on internal/rpc/protocol.go's Request{Operation, Args, Actor}
// / Response{Success, Data, Error} shape and its per-operation OpXxx
// constant convention, scoped down to exactly the 16 tools spec.md §6
// names.
package toolfacade

import (
	"time"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/infer"
	"github.com/kgraph/kgserver/internal/kgerr"
	"github.com/kgraph/kgserver/internal/query"
	"github.com/kgraph/kgserver/internal/store"
	"github.com/kgraph/kgserver/internal/synonym"
)

// Tool name constants — the closed set from spec.md §6.
const (
	ToolCreateEntities      = "create_entities"
	ToolCreateRelations     = "create_relations"
	ToolAddObservations     = "add_observations"
	ToolDeleteEntities      = "delete_entities"
	ToolDeleteObservations  = "delete_observations"
	ToolDeleteRelations     = "delete_relations"
	ToolReadGraph           = "read_graph"
	ToolSearchNodes         = "search_nodes"
	ToolOpenNodes           = "open_nodes"
	ToolGetRelated          = "get_related"
	ToolTraverse            = "traverse"
	ToolSummarize           = "summarize"
	ToolGetRelationsAtTime  = "get_relations_at_time"
	ToolGetRelationHistory  = "get_relation_history"
	ToolInfer               = "infer"
	ToolGetCurrentTime      = "get_current_time"
)

// Envelope is the uniform tool result shape.
type Envelope struct {
	OK       bool        `json:"ok"`
	Data     interface{} `json:"data,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func ok(data interface{}, warnings []error) Envelope {
	e := Envelope{OK: true, Data: data}
	for _, w := range warnings {
		if w != nil {
			e.Warnings = append(e.Warnings, w.Error())
		}
	}
	return e
}

func fail(err error) Envelope {
	return Envelope{OK: false, Error: err.Error()}
}

// Facade dispatches tool calls to the graph store and query/infer
// engines. It holds no graph state of its own.
type Facade struct {
	Store   *store.Store
	Expand  *synonym.Expander
	Config  Config
}

// Config carries the query/infer defaults the facade fills in when a
// caller omits an optional parameter.
type Config struct {
	ReadGraphPageSize int
	TraverseMaxResults int
	InferMaxDepth      int
	InferMinConfidence float64
}

// New constructs a Facade.
func New(s *store.Store, exp *synonym.Expander, cfg Config) *Facade {
	return &Facade{Store: s, Expand: exp, Config: cfg}
}

// --- Mutation tools ----------------------------------------------------

// CreateEntityInput is one element of create_entities' input list.
type CreateEntityInput struct {
	Name         string
	EntityType   string
	Observations []string
	CreatedBy    string
}

func (f *Facade) CreateEntities(inputs []CreateEntityInput, caller string) Envelope {
	var ents []graph.Entity
	for _, in := range inputs {
		if in.Name == "" {
			return fail(kgerr.NewValidation("name", "must not be empty"))
		}
		if in.EntityType == "" {
			return fail(kgerr.NewValidation("entityType", "must not be empty"))
		}
		createdBy := in.CreatedBy
		if createdBy == "" {
			createdBy = caller
		}
		ents = append(ents, graph.Entity{Name: in.Name, EntityType: in.EntityType, Observations: in.Observations, CreatedBy: createdBy})
	}
	created, warnings, err := f.Store.CreateEntities(ents, caller)
	if err != nil {
		return fail(err)
	}
	return ok(created, warnings)
}

// CreateRelationInput is one element of create_relations' input list.
type CreateRelationInput struct {
	From, To, RelationType string
	ValidFrom, ValidTo     *int64
	CreatedBy              string
}

func (f *Facade) CreateRelations(inputs []CreateRelationInput, caller string) Envelope {
	var rels []graph.Relation
	for _, in := range inputs {
		if in.From == "" || in.To == "" {
			return fail(kgerr.NewValidation("from/to", "must not be empty"))
		}
		if in.RelationType == "" {
			return fail(kgerr.NewValidation("relationType", "must not be empty"))
		}
		createdBy := in.CreatedBy
		if createdBy == "" {
			createdBy = caller
		}
		rels = append(rels, graph.Relation{From: in.From, To: in.To, RelationType: in.RelationType, ValidFrom: in.ValidFrom, ValidTo: in.ValidTo, CreatedBy: createdBy})
	}
	created, warnings, err := f.Store.CreateRelations(rels, caller)
	if err != nil {
		return fail(err)
	}
	return ok(created, warnings)
}

func (f *Facade) AddObservations(name string, observations []string, caller string) Envelope {
	if name == "" {
		return fail(kgerr.NewValidation("name", "must not be empty"))
	}
	added, err := f.Store.AddObservations(name, observations, caller)
	if err != nil {
		return fail(err)
	}
	return ok(added, nil)
}

func (f *Facade) DeleteEntities(names []string, caller string) Envelope {
	if err := f.Store.DeleteEntities(names, caller); err != nil {
		return fail(err)
	}
	return ok(nil, nil)
}

func (f *Facade) DeleteObservations(name string, observations []string, caller string) Envelope {
	if err := f.Store.DeleteObservations(name, observations, caller); err != nil {
		return fail(err)
	}
	return ok(nil, nil)
}

func (f *Facade) DeleteRelations(identities []graph.IdentityKey, caller string) Envelope {
	if err := f.Store.DeleteRelations(identities, caller); err != nil {
		return fail(err)
	}
	return ok(nil, nil)
}

// --- Query tools ---------------------------------------------------

func (f *Facade) ReadGraph(limit, offset int) Envelope {
	var result struct {
		Entities  []graph.Entity   `json:"entities"`
		Relations []graph.Relation `json:"relations"`
	}
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		result.Entities, result.Relations = query.ReadGraph(g, limit, offset, f.Config.ReadGraphPageSize)
	})
	return ok(result, nil)
}

func (f *Facade) OpenNodes(names []string) Envelope {
	var result struct {
		Entities  []graph.Entity   `json:"entities"`
		Relations []graph.Relation `json:"relations"`
	}
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		result.Entities, result.Relations = query.OpenNodes(g, names)
	})
	return ok(result, nil)
}

func (f *Facade) SearchNodes(q string, limit int, includeRelations bool) Envelope {
	if q == "" {
		return fail(kgerr.NewValidation("query", "must not be empty"))
	}
	var result struct {
		Entities  []graph.Entity   `json:"entities"`
		Relations []graph.Relation `json:"relations"`
	}
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		result.Entities, result.Relations = query.SearchNodes(g, f.Expand, q, limit, includeRelations)
	})
	return ok(result, nil)
}

func (f *Facade) GetRelated(entityName string, direction query.Direction, relationType string) Envelope {
	if entityName == "" {
		return fail(kgerr.NewValidation("entityName", "must not be empty"))
	}
	var rels []graph.Relation
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		rels = query.GetRelated(g, entityName, direction, relationType)
	})
	return ok(rels, nil)
}

func (f *Facade) Traverse(startNode string, path []query.TraverseStep, maxResults int) Envelope {
	var result struct {
		Paths    []query.TraversePath `json:"paths"`
		Frontier []string             `json:"frontier"`
	}
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		result.Paths, result.Frontier = query.Traverse(g, startNode, path, maxResults, f.Config.TraverseMaxResults)
	})
	return ok(result, nil)
}

func (f *Facade) Summarize(names []string) Envelope {
	var summaries []query.Summary
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		summaries = query.Summarize(g, names)
	})
	return ok(summaries, nil)
}

func (f *Facade) GetRelationsAtTime(timestamp int64, entityName string) Envelope {
	var rels []graph.Relation
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		rels = query.GetRelationsAtTime(g, timestamp, entityName)
	})
	return ok(rels, nil)
}

func (f *Facade) GetRelationHistory(entityName string) Envelope {
	if entityName == "" {
		return fail(kgerr.NewValidation("entityName", "must not be empty"))
	}
	var hist []query.RelationWithCurrency
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		hist = query.GetRelationHistory(g, entityName, time.Now().Unix())
	})
	return ok(hist, nil)
}

// --- Inference tool --------------------------------------------------

func (f *Facade) Infer(entityName string, maxDepth int, minConfidence float64) Envelope {
	if entityName == "" {
		return fail(kgerr.NewValidation("entityName", "must not be empty"))
	}
	if maxDepth <= 0 {
		maxDepth = f.Config.InferMaxDepth
	}
	if minConfidence <= 0 {
		minConfidence = f.Config.InferMinConfidence
	}
	var result struct {
		Results []infer.InferredRelation `json:"results"`
		Stats   infer.Stats              `json:"stats"`
	}
	f.Store.View(func(g *graph.KnowledgeGraph, _, _ map[string][]int) {
		result.Results, result.Stats = infer.Run(g, entityName, maxDepth, minConfidence, nil, nil)
	})
	return ok(result, nil)
}

// --- Utility tool --------------------------------------------------

// GetCurrentTime returns the wall clock, seconds since epoch — the
// external identity/time collaborator spec.md §1 keeps out of the core,
// exposed here only as the trivial utility tool it names in §6.
func (f *Facade) GetCurrentTime() Envelope {
	return ok(time.Now().Unix(), nil)
}
