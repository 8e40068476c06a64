package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow/procflow/types"
)

// ValidateGraph checks a definition graph for authoring errors that would be
// unrecoverable at traversal time: empty graph, duplicate or blank node IDs,
// missing or duplicated start node, edges referencing unknown nodes.
func ValidateGraph(g types.Graph) error {
	if len(g.Nodes) == 0 {
		return errors.New("definition must have at least one node")
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	starts := 0
	for _, node := range g.Nodes {
		if node.ID == "" {
			return errors.New("node ID cannot be empty")
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("duplicate node ID %q in definition", node.ID)
		}
		nodeIDs[node.ID] = true
		if node.Kind() == types.KindStart {
			starts++
		}
	}
	if starts == 0 {
		return errors.New("definition must have a start node")
	}
	if starts > 1 {
		return errors.New("definition must have exactly one start node")
	}

	for _, edge := range g.Edges {
		if !nodeIDs[edge.Source] {
			return fmt.Errorf("edge references unknown source node %q", edge.Source)
		}
		if !nodeIDs[edge.Target] {
			return fmt.Errorf("edge references unknown target node %q", edge.Target)
		}
	}
	return nil
}

// RegisterDefinition validates and stores a new version of the named
// definition. Definitions are write-once: registering under an existing name
// creates the next version, it never mutates earlier ones, so live instances
// keep replaying against the exact graph they started with. The new version
// is immediately active.
func (e *Engine) RegisterDefinition(ctx context.Context, name, description string, graph types.Graph) (*types.Definition, error) {
	if name == "" {
		return nil, errors.New("definition name is required")
	}
	if err := ValidateGraph(graph); err != nil {
		return nil, err
	}

	existing, err := e.store.ListDefinitions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	version := 1
	if len(existing) > 0 {
		version = existing[len(existing)-1].Version + 1
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate definition ID: %w", err)
	}

	def := types.Definition{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     version,
		Active:      true,
		Graph:       graph,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}
	e.logger.Info("definition registered", "name", name, "version", version, "id", id)
	return &def, nil
}

// RegisterDefinitionDocument parses a designer-exported document (YAML or
// JSON) and registers it.
func (e *Engine) RegisterDefinitionDocument(ctx context.Context, data []byte) (*types.Definition, error) {
	doc, err := types.ParseDefinitionDocument(data)
	if err != nil {
		return nil, err
	}
	return e.RegisterDefinition(ctx, doc.Name, doc.Description, doc.Graph)
}

// DeactivateDefinition clears the active flag of a definition version so it
// can no longer start new instances. The graph itself stays immutable and
// running instances are unaffected.
func (e *Engine) DeactivateDefinition(ctx context.Context, definitionID uint64) error {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, definitionID)
	}
	def.Active = false
	return e.store.SaveDefinition(ctx, def)
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, definitionID uint64) (*types.Definition, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, definitionID)
	}
	return &def, nil
}

// ActiveDefinition retrieves the active version of the named definition with
// the highest version number. Multiple versions may be active at once; the
// latest active one wins for starting new instances.
func (e *Engine) ActiveDefinition(ctx context.Context, name string) (*types.Definition, error) {
	def, err := e.store.ActiveDefinition(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: name=%s", ErrDefinitionNotFound, name)
	}
	return &def, nil
}
