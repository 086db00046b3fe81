package migrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// GoStep is a compiled-in migration.
type GoStep struct {
	ID   string
	Up   MigrateFunc
	Down MigrateFunc
}

// Registry stores registered Go migrations and serves them as a Source.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]GoStep
}

// NewRegistry creates a new Registry instance.
func NewRegistry() *Registry { return &Registry{byID: map[string]GoStep{}} }

// Register adds a new Go migration to the registry.
func (r *Registry) Register(id string, up, down MigrateFunc) error {
	if id == "" {
		return fmt.Errorf("go migration: empty identifier")
	}
	if up == nil {
		return fmt.Errorf("go migration %s: nil up function", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("go migration %s already registered", id)
	}
	r.byID[id] = GoStep{ID: id, Up: up, Down: down}
	return nil
}

// Steps returns all registered Go migrations in identifier order.
func (r *Registry) Steps() []GoStep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GoStep, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	steps := r.Steps()
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids, nil
}

func (r *Registry) Load(ctx context.Context, id string) (*Body, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("go migration %s is not registered", id)
	}
	return &Body{ID: s.ID, Up: s.Up, Down: s.Down}, nil
}

// Hash returns "" since compiled-in migrations have no source file.
func (r *Registry) Hash(context.Context, string) (string, error) { return "", nil }
