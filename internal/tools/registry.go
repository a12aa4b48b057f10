package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/swag-agent/internal/llm"
)

// Def is a tool definition as stored in the registry.
type Def struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	InputSchema map[string]any `json:"inputSchema"`
	Active      bool           `json:"active"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Definition is the model-facing projection of d.
func (d Def) Definition() llm.ToolDefinition {
	schema := d.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: schema}
}

// Handler executes one validated tool call. The returned value is
// marshalled to JSON for the model.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Invocation is what a handler receives.
type Invocation struct {
	CallID   string
	Name     string
	Category string
	Args     map[string]any
	Context  ExecContext
}

type entry struct {
	def       Def
	schema    *gojsonschema.Schema
	schemaErr error
}

// Registry holds tool definitions loaded from SQLite and the handler
// table that executes them. Definitions are cached for ttl; handlers
// are registered once at startup.
type Registry struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	loadedAt time.Time

	hmu        sync.RWMutex
	handlers   map[string]Handler
	categories map[string]Handler
	fallback   Handler
}

// NewRegistry creates the tool_definitions table if needed.
func NewRegistry(db *sql.DB, ttl time.Duration, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		db:         db,
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
		handlers:   make(map[string]Handler),
		categories: make(map[string]Handler),
	}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tool registry: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_definitions (
		name         TEXT PRIMARY KEY,
		description  TEXT NOT NULL,
		category     TEXT NOT NULL DEFAULT '',
		input_schema TEXT NOT NULL,
		active       INTEGER NOT NULL DEFAULT 1,
		updated_at   TEXT NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Upsert inserts or replaces a definition. The input schema must
// compile; a broken schema is rejected here rather than at call time.
func (r *Registry) Upsert(ctx context.Context, d Def) error {
	if d.Name == "" {
		return errors.New("tool name is empty")
	}
	if d.InputSchema == nil {
		d.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, err := compileSchema(d.InputSchema); err != nil {
		return fmt.Errorf("compile schema for %s: %w", d.Name, err)
	}
	raw, err := json.Marshal(d.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", d.Name, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tool_definitions (name, description, category, input_schema, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			category = excluded.category,
			input_schema = excluded.input_schema,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		d.Name, d.Description, d.Category, string(raw), d.Active, r.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert tool %s: %w", d.Name, err)
	}
	r.Invalidate()
	return nil
}

// SetActive toggles a definition.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tool_definitions SET active = ?, updated_at = ? WHERE name = ?`,
		active, r.now().UTC().Format(time.RFC3339Nano), name,
	)
	if err != nil {
		return fmt.Errorf("set active %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrToolUnavailable{ToolName: name, Reason: ReasonUnknown}
	}
	r.Invalidate()
	return nil
}

// Invalidate drops the cache; the next read reloads from the database.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.entries = nil
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// ListActive returns active definitions sorted by name.
func (r *Registry) ListActive(ctx context.Context) ([]Def, error) {
	entries, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var defs []Def
	for _, e := range entries {
		if e.def.Active {
			defs = append(defs, e.def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Definitions returns the model-facing definitions of active tools
// that allow accepts. A nil allow accepts every tool.
func (r *Registry) Definitions(ctx context.Context, allow func(Def) bool) ([]llm.ToolDefinition, error) {
	defs, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if allow != nil && !allow(d) {
			continue
		}
		out = append(out, d.Definition())
	}
	return out, nil
}

// Lookup returns the active definition of name.
func (r *Registry) Lookup(ctx context.Context, name string) (Def, error) {
	e, err := r.lookup(ctx, name)
	if err != nil {
		return Def{}, err
	}
	return e.def, nil
}

func (r *Registry) lookup(ctx context.Context, name string) (*entry, error) {
	entries, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := entries[name]
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name, Reason: ReasonUnknown}
	}
	if !e.def.Active {
		return nil, &ErrToolUnavailable{ToolName: name, Reason: ReasonInactive}
	}
	return e, nil
}

func (r *Registry) snapshot(ctx context.Context) (map[string]*entry, error) {
	r.mu.RLock()
	entries, loadedAt := r.entries, r.loadedAt
	r.mu.RUnlock()
	if entries != nil && (r.ttl <= 0 || r.now().Sub(loadedAt) < r.ttl) {
		return entries, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another reader may have refreshed while we waited.
	if r.entries != nil && (r.ttl <= 0 || r.now().Sub(r.loadedAt) < r.ttl) {
		return r.entries, nil
	}
	loaded, err := r.load(ctx)
	if err != nil {
		if r.entries != nil {
			r.logger.Warn("tool registry refresh failed, serving stale definitions", "error", err)
			return r.entries, nil
		}
		return nil, err
	}
	r.entries = loaded
	r.loadedAt = r.now()
	r.logger.Debug("tool registry loaded", "tools", len(loaded))
	return loaded, nil
}

func (r *Registry) load(ctx context.Context) (map[string]*entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, description, category, input_schema, active, updated_at FROM tool_definitions`)
	if err != nil {
		return nil, fmt.Errorf("query tool definitions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*entry)
	for rows.Next() {
		var (
			d       Def
			raw     string
			updated string
		)
		if err := rows.Scan(&d.Name, &d.Description, &d.Category, &raw, &d.Active, &updated); err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)

		e := &entry{def: d}
		if err := json.Unmarshal([]byte(raw), &e.def.InputSchema); err != nil {
			e.schemaErr = err
		} else {
			e.schema, e.schemaErr = compileSchema(e.def.InputSchema)
		}
		if e.schemaErr != nil {
			r.logger.Warn("tool schema does not compile", "tool", d.Name, "error", e.schemaErr)
		}
		out[d.Name] = e
	}
	return out, rows.Err()
}

// compileSchema compiles a tool input schema for argument validation.
// Object schemas that leave additionalProperties unset are closed, so
// arguments the schema does not declare never reach a handler.
func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(closeObjects(schema)))
}

// closeObjects returns a copy of schema with additionalProperties set
// to false on every object schema that does not set it. schema itself
// is not modified.
func closeObjects(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		closed := make(map[string]any, len(props))
		for name, p := range props {
			if sub, ok := p.(map[string]any); ok {
				p = closeObjects(sub)
			}
			closed[name] = p
		}
		out["properties"] = closed
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out["items"] = closeObjects(items)
	}
	if _, set := schema["additionalProperties"]; !set && isObjectSchema(schema) {
		out["additionalProperties"] = false
	}
	return out
}

func isObjectSchema(schema map[string]any) bool {
	if _, ok := schema["properties"]; ok {
		return true
	}
	switch t := schema["type"].(type) {
	case string:
		return t == "object"
	case []any:
		for _, v := range t {
			if v == "object" {
				return true
			}
		}
	}
	return false
}

// Register binds a handler to a tool name.
func (r *Registry) Register(name string, h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[name] = h
}

// RegisterCategory binds a handler to every tool in category that has
// no handler of its own.
func (r *Registry) RegisterCategory(category string, h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.categories[category] = h
}

// SetFallback sets the handler used when neither name nor category
// has one.
func (r *Registry) SetFallback(h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.fallback = h
}

func (r *Registry) handlerFor(d Def) Handler {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	if h, ok := r.handlers[d.Name]; ok {
		return h
	}
	if h, ok := r.categories[d.Category]; ok {
		return h
	}
	return r.fallback
}

// Verify checks that every active definition has a handler and a
// compiling schema. Call it at startup so a missing handler is a load
// failure, not a failed call later.
func (r *Registry) Verify(ctx context.Context) error {
	entries, err := r.snapshot(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		e := entries[name]
		if !e.def.Active {
			continue
		}
		if e.schemaErr != nil {
			errs = append(errs, &ErrToolUnavailable{ToolName: name, Reason: ReasonInvalidSchema})
		}
		if r.handlerFor(e.def) == nil {
			errs = append(errs, &ErrToolUnavailable{ToolName: name, Reason: ReasonNoHandler})
		}
	}
	return errors.Join(errs...)
}
