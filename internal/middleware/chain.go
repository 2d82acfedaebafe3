package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered set of middlewares; the first entry is the
// outermost wrapper.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middlewares.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps h with the chain.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append returns a new chain with more middlewares at the end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	merged := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	merged = append(merged, c.middlewares...)
	merged = append(merged, middlewares...)
	return &Chain{middlewares: merged}
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Builder accumulates middlewares conditionally before building a
// chain.
type Builder struct {
	middlewares []Middleware
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends a middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// UseIf appends a middleware when condition holds.
func (b *Builder) UseIf(condition bool, m Middleware) *Builder {
	if condition {
		b.middlewares = append(b.middlewares, m)
	}
	return b
}

// Build creates the chain.
func (b *Builder) Build() *Chain {
	return NewChain(b.middlewares...)
}

// Handler wraps h with all accumulated middlewares.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.Build().Then(h)
}
