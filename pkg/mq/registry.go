package mq

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/baaaht/mqbus/pkg/types"
)

// NameSeparator splits "category.command"
const NameSeparator = "."

// Category groups commands behind one required auth level
type Category struct {
	name     string
	level    types.AuthLevel
	registry *Registry
	commands map[string]Handler
}

// Name returns the category name
func (c *Category) Name() string { return c.name }

// Level returns the auth level required to invoke any command in the category
func (c *Category) Level() types.AuthLevel { return c.level }

// AddCommand registers a handler under this category
func (c *Category) AddCommand(name string, h Handler) error {
	return c.registry.AddCommand(c.name, name, h)
}

// Registry maps full command names to handlers. It is mutable until Freeze
// and read without locking afterwards.
type Registry struct {
	mu         sync.RWMutex
	categories map[string]*Category
	frozen     atomic.Bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{categories: make(map[string]*Category)}
}

// AddCategory declares a new category
func (r *Registry) AddCategory(name string, level types.AuthLevel) (*Category, error) {
	if name == "" || strings.Contains(name, NameSeparator) {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid category name %q", name))
	}
	if level < types.AuthNone || level > types.AuthAdmin {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid auth level %d", int(level)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return nil, types.NewError(types.ErrCodeRegistryFrozen, "cannot add category after start")
	}
	if _, exists := r.categories[name]; exists {
		return nil, types.NewError(types.ErrCodeDuplicateCategory,
			fmt.Sprintf("category %q already registered", name))
	}
	c := &Category{
		name:     name,
		level:    level,
		registry: r,
		commands: make(map[string]Handler),
	}
	r.categories[name] = c
	return c, nil
}

// AddCommand registers a handler under an existing category
func (r *Registry) AddCommand(category, command string, h Handler) error {
	if command == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "command name is required")
	}
	if h == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return types.NewError(types.ErrCodeRegistryFrozen, "cannot add command after start")
	}
	c, ok := r.categories[category]
	if !ok {
		return types.NewError(types.ErrCodeUnknownCategory,
			fmt.Sprintf("category %q not registered", category))
	}
	if _, exists := c.commands[command]; exists {
		return types.NewError(types.ErrCodeDuplicateCommand,
			fmt.Sprintf("command %q already registered", category+NameSeparator+command))
	}
	c.commands[command] = h
	return nil
}

// Resolve finds the handler and required level for "category.command"
func (r *Registry) Resolve(fullName string) (types.AuthLevel, Handler, error) {
	category, command, err := splitName(fullName)
	if err != nil {
		return types.AuthNone, nil, err
	}

	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	c, ok := r.categories[category]
	if !ok {
		return types.AuthNone, nil, types.NewError(types.ErrCodeUnknownCategory,
			fmt.Sprintf("unknown category %q", category))
	}
	h, ok := c.commands[command]
	if !ok {
		return types.AuthNone, nil, types.NewError(types.ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command %q", fullName))
	}
	return c.level, h, nil
}

// Category looks up a registered category
func (r *Registry) Category(name string) (*Category, bool) {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	c, ok := r.categories[name]
	return c, ok
}

// Freeze forbids further mutation
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Names lists every registered "category.command", sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for cn, c := range r.categories {
		for name := range c.commands {
			names = append(names, cn+NameSeparator+name)
		}
	}
	sort.Strings(names)
	return names
}

// splitName splits on the first separator; both halves must be non-empty
func splitName(fullName string) (string, string, error) {
	category, command, ok := strings.Cut(fullName, NameSeparator)
	if !ok || category == "" || command == "" {
		return "", "", types.NewError(types.ErrCodeUnknownCommand,
			fmt.Sprintf("malformed command name %q", fullName))
	}
	return category, command, nil
}
