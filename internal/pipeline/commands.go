package pipeline

import (
	"strings"
	"sync"
)

// Handler executes one gateway command with its whitespace-split
// arguments.
type Handler func(c *Context, args []string) error

// Registry maps command names (without the leading slash) to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a command name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup resolves a command name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered command names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// CommandParser expands the "kapy sub" shorthand, then dispatches
// registered gateway commands. Unregistered slash text and plain text
// both fall through to the later stages.
func CommandParser(registry *Registry) Middleware {
	return func(c *Context, next Next) error {
		c.Text = normalizeShorthand(c.Text)
		if !strings.HasPrefix(c.Text, "/") {
			return next()
		}
		fields := strings.Fields(c.Text)
		name := fields[0][1:]
		// Telegram appends the bot handle to group commands.
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		handler, ok := registry.Lookup(name)
		if !ok {
			return next()
		}
		c.Command = name
		c.Args = fields[1:]
		return handler(c, c.Args)
	}
}
