// ABOUTME: Thread-safe registry mapping tool names to their metadata and handlers
// ABOUTME: Packs register atomically; short names resolve only when unambiguous

package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds every tool the server can dispatch. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	packOf map[string]string   // tool name -> pack ID
	short  map[string][]string // short name -> full names
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		packOf: make(map[string]string),
		short:  make(map[string][]string),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a single tool outside any pack.
// Returns ErrToolCollision if the name is taken.
func (r *Registry) Register(t *Tool) error {
	return r.RegisterPack(Pack{ID: "standalone", Tools: []*Tool{t}})
}

// RegisterPack validates and stores every tool in the pack, or none of them.
// Returns ErrToolCollision if any name is already registered or repeated in the pack.
func (r *Registry) RegisterPack(p Pack) error {
	seen := make(map[string]bool, len(p.Tools))
	for _, t := range p.Tools {
		if err := t.validate(); err != nil {
			return fmt.Errorf("pack %q: %w", p.ID, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: tool '%s' appears twice in pack '%s'", ErrToolCollision, t.Name, p.ID)
		}
		seen[t.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range p.Tools {
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'",
				ErrToolCollision, t.Name, r.packOf[t.Name])
		}
	}

	for _, t := range p.Tools {
		r.add(t, p.ID)
	}

	r.logger.Info("=== TOOL PACK REGISTERED ===",
		"pack_id", p.ID,
		"tool_count", len(p.Tools),
		"total_tools", len(r.tools),
	)
	return nil
}

// Replace registers t, overwriting any tool with the same name.
func (r *Registry) Replace(t *Tool) error {
	if err := t.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	packID := "standalone"
	if _, exists := r.tools[t.Name]; exists {
		packID = r.packOf[t.Name]
		r.remove(t.Name)
		r.logger.Warn("=== TOOL REPLACED ===", "tool", t.Name, "pack_id", packID)
	}
	r.add(t, packID)
	return nil
}

// Unregister removes a tool. It reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return false
	}
	r.remove(name)
	r.logger.Debug("tool unregistered", "tool", name, "total_tools", len(r.tools))
	return true
}

// add must be called with mu held.
func (r *Registry) add(t *Tool, packID string) {
	r.tools[t.Name] = t
	r.packOf[t.Name] = packID

	short := t.ShortName()
	if existing := r.short[short]; len(existing) > 0 {
		r.logger.Warn("short name is ambiguous and will not resolve",
			"short_name", short,
			"tool", t.Name,
			"also", existing,
		)
	}
	r.short[short] = append(r.short[short], t.Name)
}

// remove must be called with mu held.
func (r *Registry) remove(name string) {
	delete(r.tools, name)
	delete(r.packOf, name)

	short := ShortName(name)
	names := r.short[short]
	for i, n := range names {
		if n == name {
			names = append(names[:i:i], names[i+1:]...)
			break
		}
	}
	if len(names) == 0 {
		delete(r.short, short)
	} else {
		r.short[short] = names
	}
}

// Get returns the tool with exactly this name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// GetByShortName returns the only tool whose last dotted segment equals
// short. It returns nil when none or more than one tool matches.
func (r *Registry) GetByShortName(short string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.short[short]
	if len(names) != 1 {
		return nil
	}
	return r.tools[names[0]]
}

// Lookup tries an exact match first, then the short name.
func (r *Registry) Lookup(name string) *Tool {
	if t := r.Get(name); t != nil {
		return t
	}
	return r.GetByShortName(name)
}

// ListTools returns every tool sorted by name.
func (r *Registry) ListTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// PackInfo summarizes a registered pack for display.
type PackInfo struct {
	ID        string
	ToolNames []string
}

// ListPacks groups tool names by pack, sorted by pack ID.
func (r *Registry) ListPacks() []PackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPack := make(map[string][]string)
	for name, packID := range r.packOf {
		byPack[packID] = append(byPack[packID], name)
	}

	out := make([]PackInfo, 0, len(byPack))
	for id, names := range byPack {
		sort.Strings(names)
		out = append(out, PackInfo{ID: id, ToolNames: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
