package scope

import (
	"context"
	"sort"
	"sync"
)

// Handler owns scope derivation and authorisation for one table.
type Handler interface {
	// Table returns the table name this handler serves.
	Table() string

	// RowScopes returns the scope mapping attached to a row at commit
	// time. The result is the authority for filtering pulls.
	RowScopes(row map[string]any) map[string]any

	// Resolve authorises a requested subscription scope against a grant
	// and returns the effective key set. Returns ErrDenied when the
	// request exceeds the grant.
	Resolve(ctx context.Context, g Grant, requested, params map[string]any) (Resolution, error)
}

// FieldHandler derives scopes from a fixed list of row fields. It is
// the handler every table gets unless a custom one is registered.
type FieldHandler struct {
	table  string
	fields []string
}

// NewFieldHandler creates a handler that reads the named fields off
// each row ("user_id", "project_id", ...).
func NewFieldHandler(table string, fields ...string) *FieldHandler {
	return &FieldHandler{table: table, fields: fields}
}

// Table returns the handler's table name.
func (h *FieldHandler) Table() string { return h.table }

// Fields returns the row fields the handler derives scopes from.
func (h *FieldHandler) Fields() []string { return h.fields }

// RowScopes picks the configured fields out of the row. Missing, null,
// and empty values contribute nothing.
func (h *FieldHandler) RowScopes(row map[string]any) map[string]any {
	scopes := make(map[string]any, len(h.fields))
	for _, f := range h.fields {
		v, ok := row[f]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				scopes[f] = val
			}
		case []string:
			vals := make([]string, 0, len(val))
			for _, item := range val {
				if item != "" {
					vals = append(vals, item)
				}
			}
			if len(vals) > 0 {
				scopes[f] = vals
			}
		case []any:
			vals := make([]string, 0, len(val))
			for _, item := range val {
				if str, ok := item.(string); ok && str != "" {
					vals = append(vals, str)
				}
			}
			if len(vals) > 0 {
				scopes[f] = vals
			}
		}
	}
	return scopes
}

// Resolve derives keys from the requested scopes and checks them
// against the grant. An empty request falls back to the full grant:
// wildcard grants resolve to an all-rows view, scoped grants to their
// granted keys. The resolution is empty only when the grant itself is,
// which the pull planner reports as a revoked subscription.
func (h *FieldHandler) Resolve(_ context.Context, g Grant, requested, _ map[string]any) (Resolution, error) {
	keys, err := FromScopes(requested)
	if err != nil {
		return Resolution{}, err
	}
	if g.Wildcard {
		return Resolution{All: len(keys) == 0, Keys: keys}, nil
	}
	if len(keys) == 0 {
		return Resolution{Keys: g.Keys}, nil
	}
	if !keys.SubsetOf(g.Keys) {
		return Resolution{}, ErrDenied
	}
	return Resolution{Keys: keys}, nil
}

// HandlerInfo describes a registered handler for the console.
type HandlerInfo struct {
	Table   string   `json:"table"`
	Fields  []string `json:"fields,omitempty"`
	Default bool     `json:"default"`
}

// Registry maps table names to their scope handlers. Tables without a
// registered handler fall back to the default handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates a registry with the given fallback handler.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Register adds or replaces the handler for its table.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	r.handlers[h.Table()] = h
	r.mu.Unlock()
}

// Lookup returns the handler for a table, or the fallback when none is
// registered.
func (r *Registry) Lookup(table string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[table]; ok {
		return h
	}
	return r.fallback
}

// Handlers lists the registered handlers plus the fallback, sorted by
// table name.
func (r *Registry) Handlers() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers)+1)
	for table, h := range r.handlers {
		info := HandlerInfo{Table: table}
		if fh, ok := h.(*FieldHandler); ok {
			info.Fields = fh.Fields()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Table < infos[j].Table })

	fallback := HandlerInfo{Table: "*", Default: true}
	if fh, ok := r.fallback.(*FieldHandler); ok {
		fallback.Fields = fh.Fields()
	}
	return append(infos, fallback)
}
