// Package workspaceengine manages one automation engine per workspace
// over a shared database, with engines created at boot and swapped in and
// out as workspaces come and go.
package workspaceengine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitcrm/automation/automation"
)

// Workspace is the owning scope for a set of rules.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager holds the per-workspace engines. Each engine owns a
// workspace-scoped store and snapshot cache; the manager only routes.
type Manager struct {
	engines  map[string]*automation.Engine
	db       *sql.DB
	registry *automation.Registry
	mu       sync.RWMutex
}

// NewManager creates a manager over a shared database and action registry.
func NewManager(db *sql.DB, registry *automation.Registry) *Manager {
	return &Manager{
		engines:  make(map[string]*automation.Engine),
		db:       db,
		registry: registry,
	}
}

// LoadAllWorkspaces initializes an engine for every workspace in the
// database.
func (m *Manager) LoadAllWorkspaces() error {
	rows, err := m.db.Query(`SELECT id FROM workspaces`)
	if err != nil {
		return fmt.Errorf("failed to fetch workspaces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var workspaceID string
		if err := rows.Scan(&workspaceID); err != nil {
			return fmt.Errorf("failed to scan workspace row: %w", err)
		}
		if err := m.loadEngine(workspaceID); err != nil {
			return fmt.Errorf("failed to initialize workspace %s: %w", workspaceID, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating workspace rows: %w", err)
	}
	return nil
}

func (m *Manager) loadEngine(workspaceID string) error {
	store := automation.NewPostgresRuleStore(m.db, workspaceID)
	engine, err := automation.NewEngine(workspaceID, store, m.registry)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[workspaceID] = engine
	m.mu.Unlock()
	return nil
}

// CreateWorkspace persists a new workspace and brings up its engine.
func (m *Manager) CreateWorkspace(name string) (*Workspace, error) {
	ws := &Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := m.db.Exec(`
		INSERT INTO workspaces (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, ws.ID, ws.Name, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := m.loadEngine(ws.ID); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace %s: %w", ws.ID, err)
	}
	return ws, nil
}

// GetEngine retrieves the engine for a workspace.
func (m *Manager) GetEngine(workspaceID string) (*automation.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	engine, exists := m.engines[workspaceID]
	if !exists {
		return nil, fmt.Errorf("workspace %s not found", workspaceID)
	}
	return engine, nil
}

// HandleEvent routes an event to its workspace's engine.
func (m *Manager) HandleEvent(ctx context.Context, event *automation.Event) ([]*automation.ExecutionRecord, error) {
	engine, err := m.GetEngine(event.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return engine.HandleEvent(ctx, event)
}

// ListWorkspaceIDs returns the loaded workspace IDs, sorted for stable
// output.
func (m *Manager) ListWorkspaceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveWorkspace drops a workspace's engine from the manager. It does
// not delete the workspace from the database.
func (m *Manager) RemoveWorkspace(workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[workspaceID]; !exists {
		return fmt.Errorf("workspace %s not found", workspaceID)
	}
	delete(m.engines, workspaceID)
	return nil
}
