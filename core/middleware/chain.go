// Package middleware provides pre-compiled middleware chains and the
// framework's built-in middleware.
//
// A Middleware wraps a Handler. Chains are composed once, at route
// registration time, into a single Handler, so dispatch is a direct call
// with no per-request slice walking or closure allocation.
package middleware

import (
	ramhttp "github.com/ramapi/ramapi/core/http"
)

// Middleware wraps a handler with additional behavior. Returning without
// calling next short-circuits the chain.
type Middleware func(next ramhttp.Handler) ramhttp.Handler

// Chain is an ordered list of middleware awaiting compilation.
type Chain struct {
	mws []Middleware
}

// NewChain builds a chain from the given middleware, outermost first.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: append([]Middleware(nil), mws...)}
}

// Use appends middleware to the chain.
func (c *Chain) Use(mws ...Middleware) *Chain {
	c.mws = append(c.mws, mws...)
	return c
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	return len(c.mws)
}

// Then compiles the chain around final into a single handler. The first
// middleware added becomes the outermost wrapper.
func (c *Chain) Then(final ramhttp.Handler) ramhttp.Handler {
	if final == nil {
		panic("middleware: nil final handler")
	}
	h := final
	for i := len(c.mws) - 1; i >= 0; i-- {
		h = c.mws[i](h)
	}
	return h
}

// Compose is a convenience for compiling a one-off middleware list.
func Compose(final ramhttp.Handler, mws ...Middleware) ramhttp.Handler {
	return NewChain(mws...).Then(final)
}
