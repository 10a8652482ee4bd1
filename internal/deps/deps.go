// ABOUTME: Dependency container handing database, AI and HTTP collaborators to tool handlers
// ABOUTME: Tools declare needs as a bitset; tests swap the active container with Override

package deps

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fcp-dev/fcp-server/internal/ai"
	"github.com/fcp-dev/fcp-server/internal/httpclient"
	"github.com/fcp-dev/fcp-server/internal/store"
)

// Need is a set of collaborators a tool requires.
type Need uint8

const (
	NeedDatabase Need = 1 << iota
	NeedAI
	NeedHTTP
)

// NeedNone declares no collaborators.
const NeedNone Need = 0

// Has reports whether n includes every collaborator in other.
func (n Need) Has(other Need) bool { return n&other == other }

func (n Need) String() string {
	if n == NeedNone {
		return "none"
	}
	var parts []string
	if n.Has(NeedDatabase) {
		parts = append(parts, "database")
	}
	if n.Has(NeedAI) {
		parts = append(parts, "ai")
	}
	if n.Has(NeedHTTP) {
		parts = append(parts, "http")
	}
	return strings.Join(parts, "|")
}

// ErrMissingDependency is returned when a declared need has no provider.
var ErrMissingDependency = errors.New("missing dependency")

// Container bundles the collaborators. Handlers only read it.
type Container struct {
	Database store.Database
	AI       ai.Service
	HTTP     httpclient.Client
}

// Close releases collaborators that hold resources.
func (c *Container) Close() error {
	var errs []error
	if c.HTTP != nil {
		errs = append(errs, c.HTTP.Close())
	}
	if c.Database != nil {
		errs = append(errs, c.Database.Close())
	}
	return errors.Join(errs...)
}

// Factory builds the production container on first use.
type Factory func() (*Container, error)

// Resolver hands out the active container. The production container is built
// lazily once; an override replaces it until its restore func runs.
type Resolver struct {
	production func() (*Container, error)

	mu       sync.RWMutex
	override *Container
}

// NewResolver creates a resolver around the production factory.
func NewResolver(factory Factory) *Resolver {
	return &Resolver{production: sync.OnceValues(factory)}
}

// Static creates a resolver that always returns c.
func Static(c *Container) *Resolver {
	return NewResolver(func() (*Container, error) { return c, nil })
}

// Override makes c the active container and returns a func restoring the previous one.
func (r *Resolver) Override(c *Container) (restore func()) {
	r.mu.Lock()
	prev := r.override
	r.override = c
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		r.override = prev
		r.mu.Unlock()
	}
}

// Active returns the override if set, else the production container.
func (r *Resolver) Active() (*Container, error) {
	r.mu.RLock()
	c := r.override
	r.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	c, err := r.production()
	if err != nil {
		return nil, fmt.Errorf("building dependencies: %w", err)
	}
	return c, nil
}

// Resolve returns the active container after checking it satisfies needs.
// The same container yields the same collaborators on every call.
func (r *Resolver) Resolve(needs Need) (*Container, error) {
	if needs == NeedNone {
		return &Container{}, nil
	}
	c, err := r.Active()
	if err != nil {
		return nil, err
	}
	if needs.Has(NeedDatabase) && c.Database == nil {
		return nil, fmt.Errorf("%w: database", ErrMissingDependency)
	}
	if needs.Has(NeedAI) && c.AI == nil {
		return nil, fmt.Errorf("%w: ai", ErrMissingDependency)
	}
	if needs.Has(NeedHTTP) && c.HTTP == nil {
		return nil, fmt.Errorf("%w: http", ErrMissingDependency)
	}

	// only the declared collaborators are visible to the handler
	out := &Container{}
	if needs.Has(NeedDatabase) {
		out.Database = c.Database
	}
	if needs.Has(NeedAI) {
		out.AI = c.AI
	}
	if needs.Has(NeedHTTP) {
		out.HTTP = c.HTTP
	}
	return out, nil
}
